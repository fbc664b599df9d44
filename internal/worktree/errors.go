// Package worktree manages the git working trees sessions run in.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when the target worktree path already exists.
	ErrWorktreeExists = errors.New("worktree path already exists")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the branch name already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrInvalidBranchName is returned when a branch name contains unsafe characters.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrUncommittedChanges is returned when an operation needs a clean working tree.
	ErrUncommittedChanges = errors.New("working tree has uncommitted changes")

	// ErrNamesExhausted is returned when no collision-free name could be generated.
	ErrNamesExhausted = errors.New("could not generate a unique worktree name")
)
