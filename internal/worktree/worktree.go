// Package worktree manages git worktrees so concurrent runs never share a checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

const worktreeDir = ".nolan-worktrees"

// Info describes a worktree created for a run or pipeline.
type Info struct {
	Path       string
	Branch     string
	BaseCommit string
}

// Manager creates and removes worktrees of one repository.
type Manager struct {
	repoRoot string
}

// NewManager creates a Manager rooted at the given git repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// RepoRoot returns the repository the manager operates on.
func (m *Manager) RepoRoot() string { return m.repoRoot }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// BranchName builds the branch used for one run of agent. Only the first
// segment of the run id is kept so branch names stay readable.
func BranchName(agent, runID string) string {
	short := runID
	if i := strings.IndexByte(short, '-'); i > 0 {
		short = short[:i]
	}
	return fmt.Sprintf("nolan/%s/%s", sanitize(agent), sanitize(short))
}

// Create adds a worktree on a new branch. The branch starts at baseBranch, or
// at HEAD when baseBranch is empty.
func (m *Manager) Create(ctx context.Context, branch, baseBranch string) (Info, error) {
	debug.LogKV("worktree", "create", "branch", branch, "base", baseBranch, "repo_root", m.repoRoot)
	base := filepath.Join(m.repoRoot, worktreeDir)
	if err := os.MkdirAll(base, 0755); err != nil {
		return Info{}, fmt.Errorf("creating worktree dir: %w", err)
	}

	ref := "HEAD"
	if strings.TrimSpace(baseBranch) != "" {
		ref = baseBranch
	}
	commit, err := m.git(ctx, "rev-parse", ref)
	if err != nil {
		return Info{}, fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	commit = strings.TrimSpace(commit)

	if _, err := m.git(ctx, "branch", branch, commit); err != nil {
		return Info{}, fmt.Errorf("creating branch %s: %w", branch, err)
	}

	path := filepath.Join(base, sanitize(branch))
	if _, err := m.git(ctx, "worktree", "add", path, branch); err != nil {
		m.git(ctx, "branch", "-D", branch)
		return Info{}, fmt.Errorf("worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "branch", branch, "path", path, "base_commit", commit)
	return Info{Path: path, Branch: branch, BaseCommit: commit}, nil
}

// Remove deletes the worktree directory and, when branch is set, its branch.
func (m *Manager) Remove(ctx context.Context, path, branch string) error {
	if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
		if removeErr := os.RemoveAll(path); removeErr != nil {
			m.git(ctx, "worktree", "prune")
			return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
		}
		m.git(ctx, "worktree", "prune")
	}
	if branch != "" {
		m.git(ctx, "branch", "-D", branch)
	}
	return nil
}

// AutoCommitIfDirty commits everything in the worktree. It returns the new
// commit and whether anything was committed.
func (m *Manager) AutoCommitIfDirty(ctx context.Context, path, message string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		return "", false, fmt.Errorf("worktree path is empty")
	}
	status, err := m.git(ctx, "-C", path, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("status in worktree %s: %w", path, err)
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}
	if _, err := m.git(ctx, "-C", path, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging changes in worktree %s: %w", path, err)
	}
	if _, err := m.git(ctx, "-C", path, "-c", "user.name=nolan", "-c", "user.email=nolan@local", "commit", "-m", message); err != nil {
		return "", false, fmt.Errorf("auto-commit in worktree %s: %w", path, err)
	}
	hash, err := m.git(ctx, "-C", path, "rev-parse", "HEAD")
	if err != nil {
		return "", false, fmt.Errorf("rev-parse HEAD in worktree %s: %w", path, err)
	}
	debug.LogKV("worktree", "auto-committed", "path", path, "commit", strings.TrimSpace(hash))
	return strings.TrimSpace(hash), true, nil
}

// Diff returns the changes on branch since it forked from the current branch.
func (m *Manager) Diff(ctx context.Context, branch string) (string, error) {
	return m.git(ctx, "diff", "HEAD..."+branch)
}

// ListActive returns the worktrees nolan created in this repository.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := filepath.Join(m.repoRoot, worktreeDir)
	var result []Info
	var cur Info
	flush := func() {
		if cur.Path != "" && strings.HasPrefix(cur.Path, base) {
			result = append(result, cur)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = Info{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.BaseCommit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// CleanupStale removes worktrees older than maxAge and those listed in dead.
// keep protects worktrees still referenced by live runs or pipelines.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration, dead, keep map[string]bool) (int, error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, wt := range active {
		if keep[wt.Path] {
			continue
		}
		stale := dead[wt.Path]
		if !stale && maxAge > 0 {
			if info, err := os.Stat(wt.Path); err == nil && time.Since(info.ModTime()) > maxAge {
				stale = true
			}
		}
		if !stale {
			continue
		}
		if err := m.Remove(ctx, wt.Path, wt.Branch); err != nil {
			debug.LogKV("worktree", "cleanup remove failed", "path", wt.Path, "branch", wt.Branch, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmdline := "git " + strings.Join(args, " ")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git failed", "cmd", cmdline, "error", err)
		return string(out), fmt.Errorf("%s: %s: %w", cmdline, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
