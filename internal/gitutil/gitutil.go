// Package gitutil shells out to the git binary for the small amount of
// plumbing the Autonomous Loop execution handler needs: reading the
// current commit hash of a working tree. Grounded on the teacher's own
// internal/git package (worktree creation via git plumbing shellouts),
// adapted here from branch/worktree management to a single read-only
// HEAD query.
package gitutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// HeadCommitHash returns the current commit hash of the working tree
// rooted at dir (spec.md §4.10: "compares the latest commit hash in the
// working tree to the previously observed one").
func HeadCommitHash(dir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			msg := strings.TrimSpace(string(exitErr.Stderr))
			if strings.Contains(msg, "not a git repository") {
				return "", fmt.Errorf("gitutil: %s is not a git repository", dir)
			}
			return "", fmt.Errorf("gitutil: git rev-parse HEAD: %s", msg)
		}
		return "", fmt.Errorf("gitutil: git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
