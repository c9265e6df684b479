// Package rules implements the tool-approval rule engine. Rules are an
// ordered list evaluated first-match-wins; the engine decides allow, deny
// or ask before a human is prompted.
package rules

import (
	"strings"

	"github.com/csmhq/csm/pkg/claudecode"
)

// Action is the outcome of rule evaluation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule matches tool-use requests. Tool "*" matches any tool. An absent
// pattern matches any primary input.
type Rule struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Action  Action `json:"action"`
}

// Decision is the result of evaluating a request against a rule list.
type Decision struct {
	Action Action
	// Rule is the matched rule; nil when no rule matched (Action == ask).
	Rule *Rule
}

// PrimaryInput extracts the single string used for pattern matching from a
// tool's input map. Known tools have a fixed field; unknown tools fall back
// to the first-present of command, file_path, path, pattern.
func PrimaryInput(toolName string, input map[string]any) (string, bool) {
	var keys []string
	switch toolName {
	case claudecode.ToolBash:
		keys = []string{"command"}
	case claudecode.ToolRead, claudecode.ToolWrite, claudecode.ToolEdit:
		keys = []string{"file_path"}
	case claudecode.ToolGrep, claudecode.ToolGlob:
		keys = []string{"pattern"}
	case claudecode.ToolWebFetch:
		keys = []string{"url"}
	default:
		keys = []string{"command", "file_path", "path", "pattern"}
	}
	for _, k := range keys {
		if v, ok := input[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Evaluate runs the rule list in order against a tool-use request and
// returns the first match. No match yields ask. Evaluation is pure:
// identical inputs always yield identical decisions.
func Evaluate(list []Rule, toolName string, input map[string]any) Decision {
	primary, hasPrimary := PrimaryInput(toolName, input)

	for i := range list {
		rule := &list[i]
		if rule.Tool != "*" && rule.Tool != toolName {
			continue
		}
		if rule.Pattern != "" {
			if !hasPrimary {
				continue
			}
			re, err := GlobToRegex(rule.Pattern)
			if err != nil {
				continue
			}
			if !re.MatchString(primary) {
				continue
			}
		}
		return Decision{Action: rule.Action, Rule: rule}
	}
	return Decision{Action: ActionAsk}
}

// DeriveRule suggests a rule generalizing a concrete allow/deny decision.
// Bash commands generalize to "<first-word> *"; other tools match the tool
// with no pattern.
func DeriveRule(toolName string, input map[string]any, action Action) Rule {
	if toolName == claudecode.ToolBash {
		if cmd, ok := input["command"].(string); ok {
			if first := strings.Fields(cmd); len(first) > 0 {
				return Rule{Tool: claudecode.ToolBash, Pattern: first[0] + " *", Action: action}
			}
		}
	}
	return Rule{Tool: toolName, Action: action}
}
