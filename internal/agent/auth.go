package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const authProbeTimeout = 30 * time.Second

// CheckAuthentication runs the agent's credential probe. A success is
// cached for AuthTTL so spawning many sessions does not probe each time.
func (a *Adapter) CheckAuthentication(ctx context.Context) error {
	a.authMu.Lock()
	defer a.authMu.Unlock()

	if !a.authedAt.IsZero() && time.Since(a.authedAt) < a.cfg.AuthTTL {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, authProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, a.cfg.Binary, a.cfg.AuthArgs...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		a.logger.Warn("authentication probe failed", zap.String("output", msg))
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, msg)
	}

	a.authedAt = time.Now()
	return nil
}

// InvalidateAuthentication drops the cached probe result.
func (a *Adapter) InvalidateAuthentication() {
	a.authMu.Lock()
	a.authedAt = time.Time{}
	a.authMu.Unlock()
}
