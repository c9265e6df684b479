// Package tmux wraps the tmux(1) binary behind a small interface so the
// worker agent can be tested without a terminal multiplexer.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SessionInfo is one row of `tmux list-sessions`.
type SessionInfo struct {
	Name     string
	Attached bool
	Windows  int
	Created  time.Time
}

// Multiplexer is the worker's view of the local terminal multiplexer.
type Multiplexer interface {
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	CapturePane(ctx context.Context, session string) (string, error)
	SendKeys(ctx context.Context, session, text string) error
	PanePath(ctx context.Context, session string) (string, error)
	ShowEnvironment(ctx context.Context, session, name string) (string, error)
}

// listFormat keeps the fields tab-separated so session names containing
// spaces cannot shift columns (tmux forbids tabs in names).
const listFormat = "#{session_name}\t#{session_attached}\t#{session_windows}\t#{session_created}"

// Tmux shells out to the tmux binary.
type Tmux struct {
	bin string
}

// New returns a Multiplexer backed by the tmux binary on PATH.
func New() *Tmux {
	return &Tmux{bin: "tmux"}
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("tmux %s: %w: %s",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ListSessions enumerates all tmux sessions. A stopped tmux server is
// not an error: it means no sessions.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := t.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		if strings.Contains(err.Error(), "no server running") ||
			strings.Contains(err.Error(), "No such file or directory") {
			return nil, nil
		}
		return nil, err
	}
	return ParseSessions(out)
}

// ParseSessions parses `list-sessions -F` output in listFormat.
func ParseSessions(out string) ([]SessionInfo, error) {
	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed list-sessions line: %q", line)
		}
		windows, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed window count in %q: %w", line, err)
		}
		created, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed created time in %q: %w", line, err)
		}
		sessions = append(sessions, SessionInfo{
			Name:     fields[0],
			Attached: fields[1] != "0",
			Windows:  windows,
			Created:  time.Unix(created, 0).UTC(),
		})
	}
	return sessions, nil
}

// CapturePane returns the visible contents of the session's active pane.
func (t *Tmux) CapturePane(ctx context.Context, session string) (string, error) {
	return t.run(ctx, "capture-pane", "-p", "-t", session)
}

// SendKeys types text into the session followed by Enter. The -l flag
// sends the text literally so key names inside it are not interpreted.
func (t *Tmux) SendKeys(ctx context.Context, session, text string) error {
	if _, err := t.run(ctx, "send-keys", "-t", session, "-l", text); err != nil {
		return err
	}
	_, err := t.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// PanePath returns the working directory of the session's active pane.
func (t *Tmux) PanePath(ctx context.Context, session string) (string, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", session, "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ShowEnvironment returns the value of one session environment variable,
// or "" when unset.
func (t *Tmux) ShowEnvironment(ctx context.Context, session, name string) (string, error) {
	out, err := t.run(ctx, "show-environment", "-t", session, name)
	if err != nil {
		// tmux exits non-zero for unknown variables
		return "", nil
	}
	line := strings.TrimSpace(out)
	if value, ok := strings.CutPrefix(line, name+"="); ok {
		return value, nil
	}
	return "", nil
}
