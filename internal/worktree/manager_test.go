package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestManager(t *testing.T, namer NameGenerator) *Manager {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	mgr, err := NewManager(Config{BasePath: t.TempDir(), BranchPrefix: "conductor/"}, namer, newTestLogger())
	require.NoError(t, err)
	return mgr
}

func newTestProject(t *testing.T, mgr *Manager) ProjectRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo")
	main, err := mgr.InitializeProject(context.Background(), path)
	require.NoError(t, err)
	writeFile(t, path, "README.md", "hello\n")
	_, err = mgr.CommitAll(context.Background(), path, "add readme")
	require.NoError(t, err)
	return ProjectRef{ID: "p1", Name: "Demo Project", Path: path, MainBranch: main}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runGit(context.Background(), dir, args...)
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

func TestSanitizeForBranch(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Fix Login Bug", 40, "fix-login-bug"},
		{"  --weird__name!!  ", 40, "weird-name"},
		{"", 40, ""},
		{"abcdefghij-klmnop", 11, "abcdefghij"},
		{"ünïcode ok", 40, "n-code-ok"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForBranch(tt.in, tt.max))
		})
	}
}

func TestValidateBranchPrefix(t *testing.T) {
	assert.NoError(t, ValidateBranchPrefix("conductor/"))
	assert.NoError(t, ValidateBranchPrefix(""))
	assert.Error(t, ValidateBranchPrefix("bad prefix"))
	assert.Error(t, ValidateBranchPrefix("a..b"))
}

func TestInitializeProject_Idempotent(t *testing.T) {
	mgr := newTestManager(t, nil)
	path := filepath.Join(t.TempDir(), "fresh")

	branch, err := mgr.InitializeProject(context.Background(), path)
	require.NoError(t, err)
	assert.NotEmpty(t, branch)
	head := gitOut(t, path, "rev-parse", "HEAD")

	again, err := mgr.InitializeProject(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, branch, again)
	assert.Equal(t, head, gitOut(t, path, "rev-parse", "HEAD"))
}

func TestCreate_Worktree(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)

	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "Fix Login"})
	require.NoError(t, err)

	assert.Equal(t, "fix-login", wt.Name)
	assert.Equal(t, "conductor/fix-login", wt.Branch)
	assert.True(t, mgr.IsValid(wt.Path))
	assert.Equal(t, gitOut(t, project.Path, "rev-parse", project.MainBranch), wt.BaseCommit)
	assert.Equal(t, wt.Branch, gitOut(t, wt.Path, "symbolic-ref", "--short", "HEAD"))
}

func TestCreate_CollidingNameGetsSuffix(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)

	first, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "task"})
	require.NoError(t, err)
	second, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "task"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.NotEqual(t, first.Branch, second.Branch)
	assert.True(t, strings.HasPrefix(second.Name, "task-"))
}

func TestCreate_ConcurrentUnique(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)

	const n = 6
	var wg sync.WaitGroup
	results := make([]*Worktree, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "same"})
		}(i)
	}
	wg.Wait()

	paths := map[string]bool{}
	branches := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, paths[results[i].Path], "duplicate path %s", results[i].Path)
		assert.False(t, branches[results[i].Branch], "duplicate branch %s", results[i].Branch)
		paths[results[i].Path] = true
		branches[results[i].Branch] = true
	}
}

type fixedNamer struct{ name string }

func (f fixedNamer) GenerateUniqueName(context.Context, ProjectRef, string) (string, error) {
	return f.name, nil
}

func TestCreate_CollisionIsWorktreeCreationError(t *testing.T) {
	mgr := newTestManager(t, fixedNamer{name: "taken"})
	project := newTestProject(t, mgr)

	_, err := mgr.Create(context.Background(), CreateRequest{Project: project})
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), CreateRequest{Project: project})
	require.Error(t, err)
	assert.True(t, apperrors.IsWorktreeCreation(err))
}

func TestCreate_NotARepository(t *testing.T) {
	mgr := newTestManager(t, nil)
	_, err := mgr.Create(context.Background(), CreateRequest{Project: ProjectRef{ID: "x", Path: t.TempDir()}})
	require.Error(t, err)
	assert.True(t, apperrors.IsWorktreeCreation(err))
}

func TestRemove_Idempotent(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "gone"})
	require.NoError(t, err)

	req := RemoveRequest{RepositoryPath: project.Path, Path: wt.Path, Branch: wt.Branch, DeleteBranch: true}
	require.NoError(t, mgr.Remove(context.Background(), req))
	require.NoError(t, mgr.Remove(context.Background(), req))

	_, statErr := os.Stat(wt.Path)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, branchExists(context.Background(), project.Path, wt.Branch))
}

func TestDiff_IncludesUntrackedAndLeavesIndex(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "diff"})
	require.NoError(t, err)

	writeFile(t, wt.Path, "new.txt", "one\ntwo\n")
	writeFile(t, wt.Path, "README.md", "hello\nworld\n")

	diff, err := mgr.Diff(context.Background(), wt.Path, wt.BaseCommit)
	require.NoError(t, err)
	assert.Equal(t, 2, diff.FilesChanged)
	assert.Equal(t, 3, diff.Additions)
	assert.Contains(t, diff.Patch, "new.txt")
	assert.Contains(t, diff.Summary, "2 files changed")

	// the scratch index must not stage anything in the worktree
	assert.Empty(t, gitOut(t, wt.Path, "diff", "--cached", "--name-only"))
}

func TestCommitAll_NoChanges(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "noop"})
	require.NoError(t, err)

	hash, err := mgr.CommitAll(context.Background(), wt.Path, "nothing")
	require.NoError(t, err)
	assert.Empty(t, hash)

	writeFile(t, wt.Path, "a.txt", "a\n")
	hash, err = mgr.CommitAll(context.Background(), wt.Path, "add a")
	require.NoError(t, err)
	assert.Equal(t, gitOut(t, wt.Path, "rev-parse", "HEAD"), hash)
}

func TestRebase_Success(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "rebase"})
	require.NoError(t, err)

	writeFile(t, wt.Path, "feature.txt", "feature\n")
	_, err = mgr.CommitAll(context.Background(), wt.Path, "feature")
	require.NoError(t, err)
	writeFile(t, project.Path, "main.txt", "main\n")
	_, err = mgr.CommitAll(context.Background(), project.Path, "main change")
	require.NoError(t, err)

	require.NoError(t, mgr.Rebase(context.Background(), project.Path, wt.Path, project.MainBranch))

	mainHead := gitOut(t, project.Path, "rev-parse", project.MainBranch)
	base, err := mgr.BranchBase(context.Background(), wt.Path, project.MainBranch)
	require.NoError(t, err)
	assert.Equal(t, mainHead, base)
}

func TestRebase_ConflictAbortsAndReportsFiles(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "conflict"})
	require.NoError(t, err)

	writeFile(t, wt.Path, "README.md", "branch version\n")
	_, err = mgr.CommitAll(context.Background(), wt.Path, "branch edit")
	require.NoError(t, err)
	writeFile(t, project.Path, "README.md", "main version\n")
	_, err = mgr.CommitAll(context.Background(), project.Path, "main edit")
	require.NoError(t, err)

	before := gitOut(t, wt.Path, "rev-parse", "HEAD")
	err = mgr.Rebase(context.Background(), project.Path, wt.Path, project.MainBranch)
	require.Error(t, err)
	assert.True(t, apperrors.IsGitOperation(err))
	assert.Contains(t, apperrors.ConflictFiles(err), "README.md")

	assert.Equal(t, before, gitOut(t, wt.Path, "rev-parse", "HEAD"))
	assert.False(t, rebaseInProgress(wt.Path))
	dirty, err := mgr.HasChanges(context.Background(), wt.Path)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestSquash(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "squash"})
	require.NoError(t, err)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, wt.Path, name, name+"\n")
		_, err = mgr.CommitAll(context.Background(), wt.Path, "add "+name)
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Squash(context.Background(), project.Path, wt.Path, project.MainBranch, "squashed"))
	assert.Equal(t, "1", gitOut(t, wt.Path, "rev-list", "--count", project.MainBranch+"..HEAD"))
	assert.Equal(t, "squashed", gitOut(t, wt.Path, "log", "-1", "--format=%s"))
}

func TestSquash_ConflictRestoresHead(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "squash-conflict"})
	require.NoError(t, err)

	writeFile(t, wt.Path, "README.md", "one\n")
	_, err = mgr.CommitAll(context.Background(), wt.Path, "one")
	require.NoError(t, err)
	writeFile(t, wt.Path, "other.txt", "two\n")
	_, err = mgr.CommitAll(context.Background(), wt.Path, "two")
	require.NoError(t, err)
	writeFile(t, project.Path, "README.md", "main\n")
	_, err = mgr.CommitAll(context.Background(), project.Path, "main")
	require.NoError(t, err)

	before := gitOut(t, wt.Path, "rev-parse", "HEAD")
	err = mgr.Squash(context.Background(), project.Path, wt.Path, project.MainBranch, "squashed")
	require.Error(t, err)
	assert.True(t, apperrors.IsGitOperation(err))
	assert.Equal(t, before, gitOut(t, wt.Path, "rev-parse", "HEAD"))
}

func TestSquash_RejectsDirtyTree(t *testing.T) {
	mgr := newTestManager(t, nil)
	project := newTestProject(t, mgr)
	wt, err := mgr.Create(context.Background(), CreateRequest{Project: project, DesiredName: "dirty"})
	require.NoError(t, err)

	writeFile(t, wt.Path, "pending.txt", "x\n")
	err = mgr.Squash(context.Background(), project.Path, wt.Path, project.MainBranch, "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUncommittedChanges)
}

func TestParseConflictFiles(t *testing.T) {
	out := "Auto-merging a.go\nCONFLICT (content): Merge conflict in a.go\nCONFLICT (content): Merge conflict in dir/b.go\n"
	assert.Equal(t, []string{"a.go", "dir/b.go"}, parseConflictFiles(out))
}
