package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// follower reads complete lines appended to a file that may not exist yet.
// Writes are noticed through fsnotify on the parent directory, with a
// periodic poll as a safety net for filesystems that drop events.
type follower struct {
	path   string
	poll   time.Duration
	onLine func(line []byte)
	logger *zap.Logger

	f       *os.File
	partial []byte
}

// run follows the file until ctx is done, then drains what is left.
func (t *follower) run(ctx context.Context) {
	defer func() {
		t.drain()
		if t.f != nil {
			t.f.Close()
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Debug("fsnotify unavailable, polling", zap.Error(err))
		t.pollLoop(ctx)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Debug("watch log dir failed, polling", zap.Error(err))
		t.pollLoop(ctx)
		return
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				t.pollLoop(ctx)
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(t.path) && ev.Has(fsnotify.Write|fsnotify.Create) {
				t.readNew()
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				t.logger.Debug("log watcher error", zap.Error(err))
			}
		case <-ticker.C:
			t.readNew()
		}
	}
}

func (t *follower) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.readNew()
		}
	}
}

func (t *follower) readNew() {
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return
		}
		t.f = f
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			t.partial = append(t.partial, buf[:n]...)
			t.emitLines()
		}
		if err == io.EOF || n == 0 {
			return
		}
		if err != nil {
			t.logger.Debug("read log", zap.Error(err))
			return
		}
	}
}

func (t *follower) emitLines() {
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		line := append([]byte(nil), t.partial[:i]...)
		t.partial = t.partial[i+1:]
		t.onLine(line)
	}
}

// drain reads to EOF and flushes an unterminated last line.
func (t *follower) drain() {
	t.readNew()
	if len(bytes.TrimSpace(t.partial)) > 0 {
		line := t.partial
		t.partial = nil
		t.onLine(line)
	}
}
