package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxNameLength    = 40
	maxNameAttempts  = 10
	nameSuffixLength = 4
	fallbackBaseName = "session"
)

// NameGenerator produces worktree names that collide with no existing branch or directory.
type NameGenerator interface {
	GenerateUniqueName(ctx context.Context, project ProjectRef, desired string) (string, error)
}

// Namer is the default NameGenerator. It derives a name from the desired text and
// appends a random suffix until both the branch and the directory are free.
type Namer struct {
	config *Config
}

// NewNamer creates a Namer using the branch prefix and worktree root from cfg.
func NewNamer(cfg *Config) *Namer {
	return &Namer{config: cfg}
}

// GenerateUniqueName returns a free name for project. Callers hold the repository lock
// so the returned name stays free until the worktree is created.
func (n *Namer) GenerateUniqueName(ctx context.Context, project ProjectRef, desired string) (string, error) {
	base := SanitizeForBranch(desired, maxNameLength)
	if base == "" {
		base = fallbackBaseName
	}

	root, err := n.config.WorktreeRoot(project)
	if err != nil {
		return "", err
	}

	candidate := base
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%s", base, SmallSuffix(nameSuffixLength))
		}
		taken, err := n.isTaken(ctx, project.Path, root, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNamesExhausted, base)
}

func (n *Namer) isTaken(ctx context.Context, repoPath, root, name string) (bool, error) {
	if _, err := os.Stat(filepath.Join(root, name)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	out, err := runGit(ctx, repoPath, "branch", "--list", n.config.BranchName(name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
