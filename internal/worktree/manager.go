package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"go.uber.org/zap"
)

// ProjectRef identifies the repository a worktree is cut from.
type ProjectRef struct {
	ID             string
	Name           string
	Path           string
	MainBranch     string
	WorktreeFolder string
}

// CreateRequest describes a worktree to create.
type CreateRequest struct {
	Project     ProjectRef
	DesiredName string
}

// Worktree is a created working tree and its branch.
type Worktree struct {
	Name           string
	Path           string
	Branch         string
	BaseBranch     string
	BaseCommit     string
	RepositoryPath string
	CreatedAt      time.Time
}

// RemoveRequest describes a worktree to remove.
type RemoveRequest struct {
	RepositoryPath string
	Path           string
	Branch         string
	DeleteBranch   bool
}

// Manager creates and removes worktrees. Operations on the same repository are serialized.
type Manager struct {
	config *Config
	namer  NameGenerator
	logger *logger.Logger

	repoLocks map[string]*sync.Mutex
	mu        sync.Mutex
}

// NewManager creates a worktree manager. A nil namer selects the default Namer.
func NewManager(cfg Config, namer NameGenerator, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worktree config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		config:    &cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
	if namer == nil {
		namer = NewNamer(m.config)
	}
	m.namer = namer
	return m, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return *m.config
}

// getRepoLock returns the mutex serializing git operations on one repository.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filepath.Clean(repoPath)
	lock, ok := m.repoLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[key] = lock
	}
	return lock
}

// InitializeProject makes sure path is a git repository with at least one commit
// and returns the name of its current branch. Safe to call repeatedly.
func (m *Manager) InitializeProject(ctx context.Context, path string) (string, error) {
	lock := m.getRepoLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", apperrors.GitOperation("initialize project", err, nil)
	}

	if !isGitRepo(path) {
		m.logger.Info("initializing git repository", zap.String("path", path))
		if _, err := runGit(ctx, path, "init"); err != nil {
			return "", apperrors.GitOperation("git init", err, nil)
		}
	}

	if _, err := runGit(ctx, path, "rev-parse", "--verify", "HEAD"); err != nil {
		args := append(identityArgs(ctx, path), "commit", "--allow-empty", "-m", "Initial commit")
		if _, err := runGit(ctx, path, args...); err != nil {
			return "", apperrors.GitOperation("initial commit", err, nil)
		}
	}

	branch, err := currentBranch(ctx, path)
	if err != nil {
		return "", apperrors.GitOperation("detect main branch", err, nil)
	}
	return branch, nil
}

// Create cuts a new branch from the project's main branch and checks it out in a new worktree.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	project := req.Project
	if !isGitRepo(project.Path) {
		return nil, apperrors.WorktreeCreation(fmt.Sprintf("project path %s", project.Path), ErrRepoNotGit)
	}

	lock := m.getRepoLock(project.Path)
	lock.Lock()
	defer lock.Unlock()

	baseBranch := project.MainBranch
	if baseBranch == "" {
		b, err := currentBranch(ctx, project.Path)
		if err != nil {
			return nil, apperrors.WorktreeCreation("detect base branch", err)
		}
		baseBranch = b
	}
	baseCommit, err := revParse(ctx, project.Path, baseBranch)
	if err != nil {
		return nil, apperrors.WorktreeCreation(fmt.Sprintf("base branch %s", baseBranch), ErrInvalidBaseBranch)
	}

	name, err := m.namer.GenerateUniqueName(ctx, project, req.DesiredName)
	if err != nil {
		return nil, apperrors.WorktreeCreation("generate name", err)
	}

	root, err := m.config.WorktreeRoot(project)
	if err != nil {
		return nil, apperrors.WorktreeCreation("resolve worktree root", err)
	}
	path := filepath.Join(root, name)
	branch := m.config.BranchName(name)

	if !IsValidBranchName(branch) {
		return nil, apperrors.WorktreeCreation(branch, ErrInvalidBranchName)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, apperrors.WorktreeCreation(path, ErrWorktreeExists)
	}
	if branchExists(ctx, project.Path, branch) {
		return nil, apperrors.WorktreeCreation(branch, ErrBranchExists)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.WorktreeCreation("create worktree root", err)
	}

	if _, err := runGit(ctx, project.Path, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		m.rollbackCreate(ctx, project.Path, path, branch)
		return nil, apperrors.WorktreeCreation(fmt.Sprintf("git worktree add %s", path), err)
	}

	wt := &Worktree{
		Name:           name,
		Path:           path,
		Branch:         branch,
		BaseBranch:     baseBranch,
		BaseCommit:     baseCommit,
		RepositoryPath: project.Path,
		CreatedAt:      time.Now().UTC(),
	}
	m.logger.Info("created worktree",
		zap.String("path", wt.Path),
		zap.String("branch", wt.Branch),
		zap.String("base_branch", baseBranch))
	return wt, nil
}

// rollbackCreate removes whatever a failed `worktree add` left behind.
func (m *Manager) rollbackCreate(ctx context.Context, repoPath, path, branch string) {
	if err := m.removeWorktreeDir(ctx, repoPath, path); err != nil {
		m.logger.Warn("rollback: failed to remove worktree", zap.String("path", path), zap.Error(err))
	}
	if branchExists(ctx, repoPath, branch) {
		if _, err := runGit(ctx, repoPath, "branch", "-D", branch); err != nil {
			m.logger.Warn("rollback: failed to delete branch", zap.String("branch", branch), zap.Error(err))
		}
	}
}

// Remove deletes a worktree and optionally its branch. Removing an absent worktree succeeds.
func (m *Manager) Remove(ctx context.Context, req RemoveRequest) error {
	if req.Path == "" {
		return nil
	}
	lock := m.getRepoLock(req.RepositoryPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeWorktreeDir(ctx, req.RepositoryPath, req.Path); err != nil {
		return apperrors.GitOperation("remove worktree", err, nil)
	}

	if req.DeleteBranch && req.Branch != "" && branchExists(ctx, req.RepositoryPath, req.Branch) {
		if _, err := runGit(ctx, req.RepositoryPath, "branch", "-D", req.Branch); err != nil {
			m.logger.Warn("failed to delete branch", zap.String("branch", req.Branch), zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("path", req.Path),
		zap.Bool("branch_deleted", req.DeleteBranch))
	return nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, repoPath, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if isGitRepo(repoPath) {
			_, _ = runGit(ctx, repoPath, "worktree", "prune")
		}
		return nil
	}

	if isGitRepo(repoPath) {
		_, err := runGit(ctx, repoPath, "worktree", "remove", "--force", path)
		if err == nil {
			return nil
		}
		m.logger.Debug("git worktree remove failed, falling back to manual removal",
			zap.String("path", path), zap.Error(err))
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree directory: %w", err)
	}
	if isGitRepo(repoPath) {
		_, _ = runGit(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

// Prune drops git's records of worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context, repoPath string) error {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		return apperrors.GitOperation("worktree prune", err, nil)
	}
	return nil
}

// IsValid reports whether path is a live git worktree.
func (m *Manager) IsValid(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), "gitdir:")
}

func isGitRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", errors.New("detached HEAD")
	}
	return branch, nil
}

func revParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
