package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/kandev/conductor/internal/common/constants"
)

// validBranchNameRegex matches safe git branch names.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// IsValidBranchName reports whether branch is safe to pass to git.
func IsValidBranchName(branch string) bool {
	if branch == "" || len(branch) > 255 {
		return false
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".lock") {
		return false
	}
	return validBranchNameRegex.MatchString(branch)
}

// runGit executes git in dir. The returned error wraps ErrGitCommandFailed and carries stderr.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	return runGitEnv(ctx, dir, nil, args...)
}

func runGitEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.GitCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(filterGitEnv(os.Environ()), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return stdout.String() + stderr.String(), fmt.Errorf("%w: git %s: %v: %s", ErrGitCommandFailed, args[0], err, detail)
	}
	return stdout.String(), nil
}

// filterGitEnv drops GIT_DIR and GIT_WORK_TREE so commands resolve the repository from dir.
func filterGitEnv(env []string) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") || strings.HasPrefix(e, "GIT_INDEX_FILE=") {
			continue
		}
		result = append(result, e)
	}
	return result
}

// identityArgs returns -c flags supplying a committer identity when the repository has none.
func identityArgs(ctx context.Context, dir string) []string {
	if out, err := runGit(ctx, dir, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{"-c", "user.name=conductor", "-c", "user.email=conductor@localhost"}
}

// parseConflictFiles extracts file names from "CONFLICT (...): Merge conflict in <file>" lines.
func parseConflictFiles(output string) []string {
	var conflicts []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CONFLICT") {
			continue
		}
		if idx := strings.Index(line, "Merge conflict in "); idx != -1 {
			if file := strings.TrimSpace(line[idx+len("Merge conflict in "):]); file != "" {
				conflicts = append(conflicts, file)
			}
		}
	}
	return conflicts
}
