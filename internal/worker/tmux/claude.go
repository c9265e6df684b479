package tmux

import "strings"

// Claude activity states derived from pane contents.
const (
	ClaudeStateWorking         = "working"
	ClaudeStateWaitingApproval = "waiting_for_approval"
	ClaudeStateIdle            = "idle"
)

// Markers the Claude Code TUI prints while in each state. Matching is
// a substring check over the captured pane, bottom lines first.
var (
	workingMarkers = []string{
		"esc to interrupt",
		"ctrl+b to run in background",
	}
	approvalMarkers = []string{
		"Do you want to proceed?",
		"No, and tell Claude what to do differently",
		"Yes, and don't ask again",
	}
)

// DeriveClaudeState inspects a captured pane and returns the Claude
// activity state plus the last non-empty pane line as a short summary.
func DeriveClaudeState(pane string) (state, lastMessage string) {
	state = ClaudeStateIdle
	for _, marker := range approvalMarkers {
		if strings.Contains(pane, marker) {
			state = ClaudeStateWaitingApproval
			break
		}
	}
	if state == ClaudeStateIdle {
		for _, marker := range workingMarkers {
			if strings.Contains(pane, marker) {
				state = ClaudeStateWorking
				break
			}
		}
	}

	lines := strings.Split(pane, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		lastMessage = line
		break
	}
	return state, lastMessage
}
