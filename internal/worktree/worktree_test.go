package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		agent, runID, want string
	}{
		{"idea-implementer", "6f1c2a9e-1111-2222-3333-444455556666", "nolan/idea-implementer/6f1c2a9e"},
		{"weird agent", "r1", "nolan/weird_agent/r1"},
	}
	for _, tt := range tests {
		if got := BranchName(tt.agent, tt.runID); got != tt.want {
			t.Fatalf("BranchName(%q, %q) = %q, want %q", tt.agent, tt.runID, got, tt.want)
		}
	}
}

func TestCreateRecordsBaseCommit(t *testing.T) {
	requireGit(t)
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "nolan/test/r1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Remove(ctx, info.Path, info.Branch)

	head := strings.TrimSpace(gitOutput(t, repo, "rev-parse", "HEAD"))
	if info.BaseCommit != head {
		t.Fatalf("BaseCommit = %q, want %q", info.BaseCommit, head)
	}
	if _, err := os.Stat(filepath.Join(info.Path, "main.txt")); err != nil {
		t.Fatalf("worktree missing checkout: %v", err)
	}

	active, err := mgr.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Branch != "nolan/test/r1" {
		t.Fatalf("ListActive() = %+v, want one worktree on nolan/test/r1", active)
	}
}

func TestAutoCommitIfDirty(t *testing.T) {
	requireGit(t)
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "nolan/test/r2", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Remove(ctx, info.Path, info.Branch)

	if _, committed, err := mgr.AutoCommitIfDirty(ctx, info.Path, "noop"); err != nil || committed {
		t.Fatalf("AutoCommitIfDirty(clean) = committed %v, err %v", committed, err)
	}

	if err := os.WriteFile(filepath.Join(info.Path, "main.txt"), []byte("updated\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hash, committed, err := mgr.AutoCommitIfDirty(ctx, info.Path, "stage output")
	if err != nil {
		t.Fatalf("AutoCommitIfDirty: %v", err)
	}
	if !committed || hash == "" {
		t.Fatalf("committed = %v, hash = %q", committed, hash)
	}
	if head := strings.TrimSpace(gitOutput(t, repo, "rev-parse", info.Branch)); head != hash {
		t.Fatalf("branch head = %s, want %s", head, hash)
	}
}

func TestCleanupStaleHonorsKeep(t *testing.T) {
	requireGit(t)
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	a, err := mgr.Create(ctx, "nolan/test/a", "")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := mgr.Create(ctx, "nolan/test/b", "")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	defer mgr.Remove(ctx, b.Path, b.Branch)

	dead := map[string]bool{a.Path: true, b.Path: true}
	keep := map[string]bool{b.Path: true}
	removed, err := mgr.CleanupStale(ctx, 0, dead, keep)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree a still exists: %v", err)
	}
	if _, err := os.Stat(b.Path); err != nil {
		t.Fatalf("worktree b removed: %v", err)
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init")
	runGit(t, repo, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "main.txt"), []byte("initial\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, repo, "add", "main.txt")
	runGit(t, repo, "-c", "user.name=Test", "-c", "user.email=test@example.com", "commit", "-m", "initial commit")
	return repo
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
	return string(out)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	_ = gitOutput(t, dir, args...)
}
