package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"go.uber.org/zap"
)

// DiffResult is the patch between a base commit and the current working tree.
type DiffResult struct {
	Patch        string
	Summary      string
	FilesChanged int
	Additions    int
	Deletions    int
}

// Empty reports whether the diff has no changes.
func (d *DiffResult) Empty() bool {
	return d.FilesChanged == 0 && strings.TrimSpace(d.Patch) == ""
}

// HeadCommit returns the commit hash checked out in dir.
func (m *Manager) HeadCommit(ctx context.Context, dir string) (string, error) {
	hash, err := revParse(ctx, dir, "HEAD")
	if err != nil {
		return "", apperrors.GitOperation("rev-parse HEAD", err, nil)
	}
	return hash, nil
}

// BranchBase returns the merge base of the worktree HEAD and mainBranch.
func (m *Manager) BranchBase(ctx context.Context, dir, mainBranch string) (string, error) {
	out, err := runGit(ctx, dir, "merge-base", "HEAD", mainBranch)
	if err != nil {
		return "", apperrors.GitOperation("merge-base", err, nil)
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree has staged, unstaged or untracked changes.
func (m *Manager) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, apperrors.GitOperation("status", err, nil)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages every change and commits it. It returns the new commit hash, or
// an empty string when there was nothing to commit.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (string, error) {
	dirty, err := m.HasChanges(ctx, dir)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return "", apperrors.GitOperation("add", err, nil)
	}
	args := append(identityArgs(ctx, dir), "commit", "-m", message)
	if _, err := runGit(ctx, dir, args...); err != nil {
		return "", apperrors.GitOperation("commit", err, nil)
	}
	return m.HeadCommit(ctx, dir)
}

// Diff returns the changes between base and the working tree, untracked files included.
// A scratch index is used so the worktree's own index is left untouched.
func (m *Manager) Diff(ctx context.Context, dir, base string) (*DiffResult, error) {
	scratch, err := os.CreateTemp("", "conductor-index-*")
	if err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}
	indexPath := scratch.Name()
	_ = scratch.Close()
	_ = os.Remove(indexPath)
	defer func() { _ = os.Remove(indexPath) }()

	env := []string{"GIT_INDEX_FILE=" + indexPath}
	if _, err := runGitEnv(ctx, dir, env, "read-tree", "HEAD"); err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}
	if _, err := runGitEnv(ctx, dir, env, "add", "-A"); err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}

	patch, err := runGitEnv(ctx, dir, env, "diff", "--cached", "--no-color", base)
	if err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}
	numstat, err := runGitEnv(ctx, dir, env, "diff", "--cached", "--numstat", base)
	if err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}
	summary, err := runGitEnv(ctx, dir, env, "diff", "--cached", "--shortstat", base)
	if err != nil {
		return nil, apperrors.GitOperation("diff", err, nil)
	}

	result := &DiffResult{Patch: patch, Summary: strings.TrimSpace(summary)}
	result.FilesChanged, result.Additions, result.Deletions = parseNumstat(numstat)
	return result, nil
}

// parseNumstat sums `git diff --numstat` output. Binary files count as changed with no lines.
func parseNumstat(out string) (files, additions, deletions int) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		files++
		if n, err := strconv.Atoi(fields[0]); err == nil {
			additions += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			deletions += n
		}
	}
	return files, additions, deletions
}

// Rebase replays the worktree branch onto mainBranch. On conflict the rebase is
// aborted, the branch is left as it was and the error lists the conflicting files.
func (m *Manager) Rebase(ctx context.Context, repoPath, worktreePath, mainBranch string) error {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	return m.rebaseLocked(ctx, worktreePath, mainBranch)
}

func (m *Manager) rebaseLocked(ctx context.Context, worktreePath, mainBranch string) error {
	dirty, err := m.HasChanges(ctx, worktreePath)
	if err != nil {
		return err
	}
	if dirty {
		return apperrors.GitOperation("rebase", ErrUncommittedChanges, nil)
	}

	out, err := runGit(ctx, worktreePath, append(identityArgs(ctx, worktreePath), "rebase", mainBranch)...)
	if err == nil {
		m.logger.Info("rebased worktree", zap.String("path", worktreePath), zap.String("onto", mainBranch))
		return nil
	}

	conflicts := m.conflictFiles(ctx, worktreePath, out)
	if _, abortErr := runGit(ctx, worktreePath, "rebase", "--abort"); abortErr != nil && rebaseInProgress(worktreePath) {
		m.logger.Error("failed to abort rebase", zap.String("path", worktreePath), zap.Error(abortErr))
	}
	m.logger.Warn("rebase failed",
		zap.String("path", worktreePath),
		zap.String("onto", mainBranch),
		zap.Strings("conflicts", conflicts))
	return apperrors.GitOperation("rebase", err, conflicts)
}

// conflictFiles lists unmerged paths, falling back to parsing git's CONFLICT lines.
func (m *Manager) conflictFiles(ctx context.Context, dir, output string) []string {
	out, err := runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err == nil {
		var files []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
		if len(files) > 0 {
			return files
		}
	}
	return parseConflictFiles(output)
}

// Squash collapses the branch's commits since the merge base with mainBranch into
// one commit and rebases it onto mainBranch. On any failure HEAD is restored.
func (m *Manager) Squash(ctx context.Context, repoPath, worktreePath, mainBranch, message string) error {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	dirty, err := m.HasChanges(ctx, worktreePath)
	if err != nil {
		return err
	}
	if dirty {
		return apperrors.GitOperation("squash", ErrUncommittedChanges, nil)
	}

	original, err := m.HeadCommit(ctx, worktreePath)
	if err != nil {
		return err
	}
	base, err := m.BranchBase(ctx, worktreePath, mainBranch)
	if err != nil {
		return err
	}

	restore := func(cause error, conflicts []string) error {
		if _, resetErr := runGit(ctx, worktreePath, "reset", "--hard", original); resetErr != nil {
			m.logger.Error("failed to restore HEAD after squash",
				zap.String("path", worktreePath), zap.String("head", original), zap.Error(resetErr))
		}
		return apperrors.GitOperation("squash", cause, conflicts)
	}

	if base != original {
		if _, err := runGit(ctx, worktreePath, "reset", "--soft", base); err != nil {
			return restore(err, nil)
		}
		args := append(identityArgs(ctx, worktreePath), "commit", "--allow-empty", "-m", message)
		if _, err := runGit(ctx, worktreePath, args...); err != nil {
			return restore(err, nil)
		}
	}

	if err := m.rebaseLocked(ctx, worktreePath, mainBranch); err != nil {
		return restore(err, apperrors.ConflictFiles(err))
	}
	m.logger.Info("squashed worktree", zap.String("path", worktreePath), zap.String("onto", mainBranch))
	return nil
}

// rebaseInProgress reports whether a rebase is still underway in a worktree.
func rebaseInProgress(worktreePath string) bool {
	gitDir, err := resolveGitDir(worktreePath)
	if err != nil {
		return false
	}
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true
		}
	}
	return false
}

// resolveGitDir follows a worktree's .git file to its private git directory.
func resolveGitDir(worktreePath string) (string, error) {
	gitPath := filepath.Join(worktreePath, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return gitPath, nil
	}
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
	if dir == "" {
		return "", fmt.Errorf("malformed .git file in %s", worktreePath)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(worktreePath, dir)
	}
	return dir, nil
}
