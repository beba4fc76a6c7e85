package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/process"
)

const helloPatch = `diff --git a/hello.txt b/hello.txt
new file mode 100644
index 0000000..ce01362
--- /dev/null
+++ b/hello.txt
@@ -0,0 +1 @@
+hello
`

// runGit runs a git command in dir and fails the test on error.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s (output: %s)", strings.Join(args, " "), string(output))
	return strings.TrimSpace(string(output))
}

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	runGit(t, repoPath, "init")
	runGit(t, repoPath, "config", "user.name", "Test User")
	runGit(t, repoPath, "config", "user.email", "test@example.com")
	runGit(t, repoPath, "checkout", "-b", "main")

	initialFile := filepath.Join(repoPath, "README.md")
	require.NoError(t, os.WriteFile(initialFile, []byte("# Test Repo\n"), 0644), "failed to write initial file")

	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func testConfig(t *testing.T, repoPath string) Config {
	t.Helper()
	return Config{
		Repo:       repoPath,
		Dir:        filepath.Join(t.TempDir(), "slots"),
		BaseBranch: "main",
	}
}

// provisionSlot clones the repo into a slot and returns its handle.
func provisionSlot(t *testing.T, m *Manager, id string) *pool.Handle {
	t.Helper()
	path, err := m.Setup(context.Background(), id)
	require.NoError(t, err, "Setup")
	return &pool.Handle{ID: id, Path: path}
}

func branchExists(t *testing.T, path, branch string) bool {
	t.Helper()
	repo, err := git.PlainOpen(path)
	require.NoError(t, err, "open %s", path)
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

func TestSetupClonesBaseBranch(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)

	h := provisionSlot(t, m, "slot-1")

	assert.Equal(t, filepath.Join(cfg.Dir, "slot-1"), h.Path)
	content, err := os.ReadFile(filepath.Join(h.Path, "README.md"))
	require.NoError(t, err, "README.md missing in clone")
	assert.Equal(t, "# Test Repo\n", string(content))
	assert.Equal(t, "main", runGit(t, h.Path, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestSetupReplacesStaleSlot(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)

	stale := filepath.Join(cfg.Dir, "slot-1")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("x"), 0644))

	h := provisionSlot(t, m, "slot-1")
	assert.NoFileExists(t, filepath.Join(h.Path, "junk"), "stale file survived Setup")
}

func TestApplyCommitsOnTaskBranch(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	applier := NewApplier(cfg, process.NewRunner(nil, nil, nil), nil)

	applied, err := applier.Apply(context.Background(), h, ApplyRequest{
		TaskID: "task 1",
		Title:  "Add greeting",
		Patch:  []byte(helloPatch),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(applied.Branch, "forge/task-1-"), "branch %q", applied.Branch)
	require.NotEmpty(t, applied.Commit, "expected commit hash")
	assert.Equal(t, applied.Commit, runGit(t, h.Path, "rev-parse", "HEAD"))
	assert.Equal(t, "Add greeting", runGit(t, h.Path, "log", "-1", "--format=%s"))
	assert.Equal(t, "hello.txt", runGit(t, h.Path, "show", "--name-only", "--format=", "HEAD"))
}

func TestApplyBranchesAreUnique(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	applier := NewApplier(cfg, process.NewRunner(nil, nil, nil), nil)

	first, err := applier.Apply(context.Background(), h, ApplyRequest{TaskID: "t", Patch: []byte(helloPatch)})
	require.NoError(t, err, "first Apply")
	second, err := applier.Apply(context.Background(), h, ApplyRequest{TaskID: "t", Patch: []byte(helloPatch)})
	require.NoError(t, err, "second Apply")
	assert.NotEqual(t, first.Branch, second.Branch)
}

func TestApplyFailureStillReportsBranch(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	applier := NewApplier(cfg, process.NewRunner(nil, nil, nil), nil)

	applied, err := applier.Apply(context.Background(), h, ApplyRequest{TaskID: "t", Patch: []byte("not a patch\n")})
	require.Error(t, err, "invalid patch must not apply")
	require.NotEmpty(t, applied.Branch, "created branch is reported")
	require.True(t, branchExists(t, h.Path, applied.Branch), "branch %s exists until reverted", applied.Branch)

	require.NoError(t, applier.Revert(context.Background(), h, applied.Branch))
	assert.False(t, branchExists(t, h.Path, applied.Branch), "branch %s still exists after Revert", applied.Branch)
	assert.Equal(t, "main", runGit(t, h.Path, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestRevertMissingBranchIsNoop(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	applier := NewApplier(cfg, process.NewRunner(nil, nil, nil), nil)

	assert.NoError(t, applier.Revert(context.Background(), h, "forge/never-existed"))
}

func TestCleanupRestoresBase(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	applier := NewApplier(cfg, process.NewRunner(nil, nil, nil), nil)

	applied, err := applier.Apply(context.Background(), h, ApplyRequest{TaskID: "t", Patch: []byte(helloPatch)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "README.md"), []byte("dirty\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "scratch.tmp"), []byte("x"), 0644))

	require.NoError(t, m.Cleanup(context.Background(), h))

	content, _ := os.ReadFile(filepath.Join(h.Path, "README.md"))
	assert.Equal(t, "# Test Repo\n", string(content), "README restored")
	for _, name := range []string{"scratch.tmp", "hello.txt"} {
		assert.NoFileExists(t, filepath.Join(h.Path, name), "%s survived Cleanup", name)
	}
	assert.False(t, branchExists(t, h.Path, applied.Branch), "task branch survived Cleanup")
	assert.True(t, branchExists(t, h.Path, "main"), "base branch kept")
}

func TestTeardownAndPrune(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	m := NewManager(cfg, nil)
	h1 := provisionSlot(t, m, "slot-1")
	h2 := provisionSlot(t, m, "slot-2")
	provisionSlot(t, m, "slot-3")

	require.NoError(t, m.Teardown(context.Background(), h1))
	assert.NoDirExists(t, h1.Path, "slot-1 still exists after Teardown")

	require.NoError(t, m.Prune([]string{"slot-2"}))
	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only slot-2 survives Prune")
	assert.Equal(t, filepath.Base(h2.Path), entries[0].Name())
}

func TestPublishAndUnpublish(t *testing.T) {
	repoPath := setupTestRepo(t)
	cfg := testConfig(t, repoPath)
	cfg.Push = true
	m := NewManager(cfg, nil)
	h := provisionSlot(t, m, "slot-1")
	runner := process.NewRunner(nil, nil, nil)
	applier := NewApplier(cfg, runner, nil)
	publisher := NewPublisher(cfg, runner, nil)

	applied, err := applier.Apply(context.Background(), h, ApplyRequest{TaskID: "t", Patch: []byte(helloPatch)})
	require.NoError(t, err)

	pub, err := publisher.Publish(context.Background(), h, applied, PublishRequest{TaskID: "t", Title: "Greeting"})
	require.NoError(t, err)
	assert.True(t, pub.Pushed)
	assert.Empty(t, pub.ChangeURL)
	assert.Equal(t, applied.Branch, pub.Ref())
	require.True(t, branchExists(t, repoPath, applied.Branch), "branch pushed to origin")

	require.NoError(t, publisher.Unpublish(context.Background(), h, pub))
	assert.False(t, branchExists(t, repoPath, applied.Branch), "branch still on origin after Unpublish")
}

func TestPublishWithoutPushIsLocal(t *testing.T) {
	publisher := NewPublisher(Config{}, process.NewRunner(nil, nil, nil), nil)
	h := &pool.Handle{ID: "slot-1", Path: t.TempDir()}

	pub, err := publisher.Publish(context.Background(), h, Applied{Branch: "forge/t-1"}, PublishRequest{})
	require.NoError(t, err)
	assert.False(t, pub.Pushed, "nothing pushed")
	assert.NoError(t, publisher.Unpublish(context.Background(), h, pub))
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		taskID string
		want   string
	}{
		{"task-1", "forge/task-1-abcd1234"},
		{"Fix: login/page", "forge/Fix-login-page-abcd1234"},
		{"...", "forge/task-abcd1234"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, branchName("forge", tt.taskID, "abcd1234"), "branchName(%q)", tt.taskID)
	}
}

func TestLastLine(t *testing.T) {
	out := "Creating pull request for forge/t-1 into main\n\nhttps://github.com/acme/app/pull/7\n"
	assert.Equal(t, "https://github.com/acme/app/pull/7", lastLine(out))
}
