package worker

import (
	"context"
	"path/filepath"
	"time"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/worker/tmux"
)

// Session environment variables set by the session-creation tooling.
const (
	envProjectName = "CSM_PROJECT"
	envLinearIssue = "CSM_LINEAR_ISSUE"
)

// Inspector derives the expensive per-session fields (worktree path,
// git stats, Claude activity) for one multiplexer session.
type Inspector interface {
	Inspect(ctx context.Context, sessionName string, info tmux.SessionInfo) Session
}

// liveInspector shells out to tmux and git.
type liveInspector struct {
	mux tmux.Multiplexer
	log *logger.Logger
}

// NewInspector builds the production Inspector on top of a Multiplexer.
func NewInspector(mux tmux.Multiplexer, log *logger.Logger) Inspector {
	return &liveInspector{mux: mux, log: log}
}

func (i *liveInspector) Inspect(ctx context.Context, sessionName string, info tmux.SessionInfo) Session {
	sess := Session{
		SessionName: sessionName,
		Attached:    info.Attached,
		Windows:     info.Windows,
		Created:     info.Created.Format(time.RFC3339),
	}

	worktree, err := i.mux.PanePath(ctx, info.Name)
	if err != nil {
		i.log.WithSession(sessionName).WithError(err).Debug("failed to read pane path")
	} else {
		sess.WorktreePath = worktree
	}

	if project, err := i.mux.ShowEnvironment(ctx, info.Name, envProjectName); err == nil && project != "" {
		sess.ProjectName = project
	} else if sess.WorktreePath != "" {
		sess.ProjectName = filepath.Base(sess.WorktreePath)
	}
	if issue, err := i.mux.ShowEnvironment(ctx, info.Name, envLinearIssue); err == nil {
		sess.LinearIssue = issue
	}

	if pane, err := i.mux.CapturePane(ctx, info.Name); err == nil {
		sess.ClaudeState, sess.ClaudeLastMessage = tmux.DeriveClaudeState(pane)
	} else {
		i.log.WithSession(sessionName).WithError(err).Debug("failed to capture pane")
	}

	if sess.WorktreePath != "" {
		sess.GitStats = GitStats(ctx, sess.WorktreePath)
	}
	return sess
}
