// Package session provides short-lived git worktree sessions that give a
// workflow step exclusive use of a branch.
package session

import "errors"

var (
	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchConflict is returned when the session branch cannot be created
	// because a ref with that name already exists in a conflicting state.
	ErrBranchConflict = errors.New("branch conflict")

	// ErrWorktreeBusy is returned when the branch is already checked out in
	// another worktree.
	ErrWorktreeBusy = errors.New("worktree busy")

	// ErrNoRemotes is returned when the repository has no remotes to push to.
	ErrNoRemotes = errors.New("no remotes configured")

	// ErrPushRejected is returned when the push remote rejects the branch.
	ErrPushRejected = errors.New("push rejected")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
