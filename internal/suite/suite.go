// Package suite loads batch files and benchmark suites from YAML.
package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/models"
)

// BatchFile describes one batch run:
//
//	concurrency: 4
//	timeout: 15m
//	defaults:
//	  base_branch: main
//	  auto_commit: true
//	items:
//	  - repo: ../service-a
//	    prompt: Upgrade the logging library
type BatchFile struct {
	Concurrency int                  `yaml:"concurrency"`
	Timeout     time.Duration        `yaml:"timeout"`
	Defaults    models.BatchDefaults `yaml:"defaults"`
	Items       []batch.ItemSpec     `yaml:"items"`
}

// StartOptions converts the file into controller options.
func (f *BatchFile) StartOptions() batch.StartOptions {
	return batch.StartOptions{
		Items:       f.Items,
		Concurrency: f.Concurrency,
		Timeout:     f.Timeout,
		Defaults:    f.Defaults,
	}
}

// ParseBatch reads a batch file. Relative repo paths are resolved against
// the file's directory.
func ParseBatch(path string) (*BatchFile, error) {
	var f BatchFile
	if err := decodeFile(path, &f); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	for i := range f.Items {
		f.Items[i].Repo = resolve(dir, f.Items[i].Repo)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (f *BatchFile) Validate() error {
	if len(f.Items) == 0 {
		return fmt.Errorf("batch must define at least one item")
	}
	if f.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if f.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	for i, item := range f.Items {
		if item.Repo == "" {
			return fmt.Errorf("item %d must have a repo", i)
		}
		if strings.TrimSpace(item.Prompt) == "" {
			return fmt.Errorf("item %d must have a prompt", i)
		}
	}
	return nil
}

// Suite is a named set of benchmark cases.
type Suite struct {
	Name        string               `yaml:"name"`
	Concurrency int                  `yaml:"concurrency"`
	Timeout     time.Duration        `yaml:"timeout"`
	Defaults    models.BatchDefaults `yaml:"defaults"`
	// Grader is the default grading script for cases without their own.
	Grader string `yaml:"grader"`
	Cases  []Case `yaml:"cases"`
}

type Case struct {
	ID     string `yaml:"id"`
	Repo   string `yaml:"repo"`
	Prompt string `yaml:"prompt"`
	// Test runs in the worktree through sh after the agent finishes.
	Test   string `yaml:"test"`
	Grader string `yaml:"grader"`
	Model  string `yaml:"model"`
}

// ParseSuite reads a benchmark suite. Repo and grader paths are resolved
// against the file's directory, and a missing name falls back to the file
// name.
func ParseSuite(path string) (*Suite, error) {
	var s Suite
	if err := decodeFile(path, &s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	dir := filepath.Dir(path)
	s.Grader = resolve(dir, s.Grader)
	for i := range s.Cases {
		c := &s.Cases[i]
		c.Repo = resolve(dir, c.Repo)
		c.Grader = resolve(dir, c.Grader)
		if c.Grader == "" {
			c.Grader = s.Grader
		}
		if c.Model == "" {
			c.Model = s.Defaults.Model
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

func (s *Suite) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("suite must have a name")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("suite must define at least one case")
	}
	if s.Concurrency < 0 || s.Timeout < 0 {
		return fmt.Errorf("concurrency and timeout must not be negative")
	}
	seen := make(map[string]bool, len(s.Cases))
	for i, c := range s.Cases {
		if c.ID == "" {
			return fmt.Errorf("case %d must have an id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate case id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Repo == "" {
			return fmt.Errorf("case %q must have a repo", c.ID)
		}
		if strings.TrimSpace(c.Prompt) == "" {
			return fmt.Errorf("case %q must have a prompt", c.ID)
		}
	}
	return nil
}

// LoadAll reads every suite in dirs keyed by name. Missing directories are
// skipped.
func LoadAll(dirs []string) (map[string]*Suite, error) {
	suites := make(map[string]*Suite)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
				continue
			}
			s, err := ParseSuite(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			suites[s.Name] = s
		}
	}
	return suites, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
