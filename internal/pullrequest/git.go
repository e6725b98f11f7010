package pullrequest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// commitInfo is one parsed entry from the target..source log.
type commitInfo struct {
	Hash       string
	Author     string
	AuthoredAt time.Time
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	return runGitEnv(ctx, dir, nil, args...)
}

// runGitEnv runs git with extra environment variables appended to the
// inherited environment. A nil env means inherit unchanged.
func runGitEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, output)
	}
	return output, nil
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// commitRange lists the commits reachable from source but not target, oldest
// first so audit events append in chronological order. The record separator
// keeps author names with spaces intact.
func commitRange(ctx context.Context, repoPath, target, source string) ([]commitInfo, error) {
	out, err := runGit(ctx, repoPath, "log", "--reverse", "--format=%H%x1f%an%x1f%aI", target+".."+source)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var commits []commitInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) != 3 {
			return nil, fmt.Errorf("unexpected git log line %q", line)
		}
		authoredAt, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			return nil, fmt.Errorf("failed to parse author date %q: %w", parts[2], err)
		}
		commits = append(commits, commitInfo{Hash: parts[0], Author: parts[1], AuthoredAt: authoredAt})
	}
	return commits, nil
}

// currentHead returns the checked-out branch name, or the commit hash when
// HEAD is detached. Either form is a valid checkout target for restoring.
func currentHead(ctx context.Context, repoPath string) (string, error) {
	ref, err := runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if ref != "HEAD" {
		return ref, nil
	}
	return runGit(ctx, repoPath, "rev-parse", "HEAD")
}

func checkoutRef(ctx context.Context, repoPath, ref string) error {
	_, err := runGit(ctx, repoPath, "checkout", ref)
	return err
}

// mergeNoFF merges source into the currently checked-out branch and returns
// the resulting merge commit hash. env carries the committer identity.
func mergeNoFF(ctx context.Context, repoPath, source, message string, env []string) (string, error) {
	if _, err := runGitEnv(ctx, repoPath, env, "merge", "--no-ff", "-m", message, source); err != nil {
		return "", err
	}
	return runGit(ctx, repoPath, "rev-parse", "HEAD")
}

func abortMerge(ctx context.Context, repoPath string) {
	_, _ = runGit(ctx, repoPath, "merge", "--abort")
}
