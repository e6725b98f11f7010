package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runGit executes a git command in dir and returns its combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// runGitEnv executes a git command with a fully specified environment.
func runGitEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// isGitRepo checks whether path contains a git repository.
func isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a local branch exists in the repository.
func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// listRemotes returns the names of the repository's configured remotes.
func listRemotes(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "remote")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}
	var remotes []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			remotes = append(remotes, name)
		}
	}
	return remotes, nil
}

// remoteURL returns the push URL configured for a remote.
func remoteURL(ctx context.Context, repoPath, remote string) (string, error) {
	out, err := runGit(ctx, repoPath, "remote", "get-url", "--push", remote)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// nativeSchemes are the transports git speaks without a remote helper.
var nativeSchemes = map[string]bool{
	"ssh":   true,
	"git":   true,
	"http":  true,
	"https": true,
	"ftp":   true,
	"ftps":  true,
	"file":  true,
}

// helperScheme returns the URL scheme when pushing to the remote requires a
// git remote helper, or "" for transports git handles natively. Scp-like and
// local-path URLs carry no scheme and never need a helper.
func helperScheme(url string) string {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return ""
	}
	scheme := strings.ToLower(url[:idx])
	if nativeSchemes[scheme] {
		return ""
	}
	return scheme
}

// helperOnPath reports whether the git remote helper for a scheme is installed.
func helperOnPath(scheme string) bool {
	_, err := exec.LookPath("git-remote-" + scheme)
	return err == nil
}

// parsePorcelain extracts changed file paths from git status --porcelain output.
func parsePorcelain(status string) []string {
	var files []string
	for _, line := range strings.Split(status, "\n") {
		// Two status columns, a space, then the path.
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is the one that exists.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

// classifyWorktreeErr maps git worktree add failures onto session error classes.
func classifyWorktreeErr(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "already checked out"),
		strings.Contains(lower, "already used by worktree"):
		return fmt.Errorf("%w: %s", ErrWorktreeBusy, strings.TrimSpace(output))
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrBranchConflict, strings.TrimSpace(output))
	default:
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}
}
