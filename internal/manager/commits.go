package manager

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/relaydesk/taskcore/internal/task"
)

// collectCommits runs the version-control query equivalent to
// `git log --since=<start-iso> --grep=[claude] --oneline` in workingDir
// and parses each non-empty line into a CommitRef. Failures of the query
// (missing tool, not a repository) silently yield an empty list, per
// spec's side-effect evidence contract.
func collectCommits(ctx context.Context, workingDir string, since time.Time) []task.CommitRef {
	cmd := exec.CommandContext(ctx, "git", "log",
		"--since="+since.UTC().Format(time.RFC3339),
		"--grep=[claude]",
		"--oneline")
	cmd.Dir = workingDir

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}

	var commits []task.CommitRef
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sha, message, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		commits = append(commits, task.CommitRef{SHA: sha, Message: message})
	}
	return commits
}
