package worker

import (
	"context"
	"time"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/worker/tmux"
)

const localOpTimeout = 5 * time.Second

// Local exposes this host's tmux sessions to the master API for the
// send-keys fallback and git diffs. Session names are the logical names
// (prefix stripped).
type Local struct {
	mux    tmux.Multiplexer
	prefix string
	log    *logger.Logger
}

// NewLocal builds the local-session adapter.
func NewLocal(mux tmux.Multiplexer, prefix string, log *logger.Logger) *Local {
	return &Local{mux: mux, prefix: prefix, log: log}
}

// Has reports whether a prefixed tmux session with this name exists.
func (l *Local) Has(sessionName string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), localOpTimeout)
	defer cancel()

	sessions, err := l.mux.ListSessions(ctx)
	if err != nil {
		l.log.WithError(err).Warn("failed to list tmux sessions")
		return false
	}
	target := l.prefix + sessionName
	for _, s := range sessions {
		if s.Name == target {
			return true
		}
	}
	return false
}

// SendKeys types text plus Enter into the session's pane.
func (l *Local) SendKeys(sessionName, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), localOpTimeout)
	defer cancel()
	return l.mux.SendKeys(ctx, l.prefix+sessionName, text)
}

// Diff returns the session worktree's uncommitted diff, optionally for
// a single file.
func (l *Local) Diff(sessionName, file string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), localOpTimeout)
	defer cancel()

	dir, err := l.mux.PanePath(ctx, l.prefix+sessionName)
	if err != nil {
		return "", err
	}
	return GitDiff(ctx, dir, file)
}
