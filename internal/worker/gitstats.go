package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// GitStats summarizes the working tree of dir: current branch plus file
// counts by porcelain status. Returns nil when dir is not a git repo.
func GitStats(ctx context.Context, dir string) map[string]any {
	branchOut, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil
	}
	statusOut, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil
	}

	stats := ParsePorcelain(statusOut)
	stats["branch"] = strings.TrimSpace(branchOut)
	return stats
}

// ParsePorcelain counts files per change class in `git status --porcelain`
// output. Keys: modified, added, deleted, untracked.
func ParsePorcelain(out string) map[string]any {
	var modified, added, deleted, untracked int
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		status := line[:2]
		switch {
		case status == "??":
			untracked++
		case strings.ContainsAny(status, "D"):
			deleted++
		case strings.ContainsAny(status, "A"):
			added++
		default:
			modified++
		}
	}
	return map[string]any{
		"modified":  modified,
		"added":     added,
		"deleted":   deleted,
		"untracked": untracked,
	}
}

// GitDiff returns the unified diff of the working tree, optionally
// limited to a single file.
func GitDiff(ctx context.Context, dir, file string) (string, error) {
	args := []string{"diff", "HEAD"}
	if file != "" {
		args = append(args, "--", file)
	}
	out, err := runGit(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return out, nil
}
