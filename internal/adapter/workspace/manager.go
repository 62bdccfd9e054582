// Package workspace implements the Workspace Manager (spec §4.3): per-item
// worktree and branch lifecycle on a local git checkout, grounded on
// zjrosen-perles's internal/git/executor_impl.go (RealExecutor: shelling
// out to `git` with stderr-substring error classification).
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aceteam/ace-orchestrator/internal/adapter/remoteclient"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Manager implements domain.WorkspaceManager by shelling out to `git`.
type Manager struct {
	root string
}

var _ domain.WorkspaceManager = (*Manager)(nil)

// New constructs a Manager rooted at workspaceRoot.
func New(workspaceRoot string) *Manager {
	return &Manager{root: workspaceRoot}
}

// WorktreePath returns <workspaceRoot>/worktrees/<repoName>/<number>.
func (m *Manager) WorktreePath(repoName string, number int) string {
	return filepath.Join(m.root, "worktrees", repoName, fmt.Sprintf("%d", number))
}

// BranchName builds "agent/<number>-<slug>" where slug is the lowercased
// title with non-alphanumerics collapsed to '-', trimmed, max 40 chars;
// an empty slug falls back to "issue" (spec §4.3).
func (m *Manager) BranchName(number int, title string) string {
	slug := slugify(title)
	if slug == "" {
		slug = "issue"
	}
	return fmt.Sprintf("agent/%d-%s", number, slug)
}

func slugify(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), stderrStr)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CloneRepo clones repoURL into <root>/worktrees/<repoName>/<number>.
// Idempotent: if the path already exists, it does nothing. Credentials
// embedded in the URL are redacted from log output (spec §4.3).
func (m *Manager) CloneRepo(ctx domain.Context, repoURL, repoName string, number int) error {
	path := m.WorktreePath(repoName, number)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("op=workspace.CloneRepo mkdir: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := runGit(cctx, "", "clone", repoURL, path); err != nil {
		redacted := remoteclient.RedactURL(repoURL)
		return fmt.Errorf("op=workspace.CloneRepo clone %s: %s", redacted, strings.ReplaceAll(err.Error(), repoURL, redacted))
	}
	return nil
}

// EnsureBranch fetches origin, checks out the local branch if present, else
// creates it from origin/<baseBranch> (spec §4.3).
func (m *Manager) EnsureBranch(ctx domain.Context, path, branchName, baseBranch string) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := runGit(cctx, path, "fetch", "origin"); err != nil {
		return fmt.Errorf("op=workspace.EnsureBranch fetch: %w", err)
	}

	if _, err := runGit(cctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName); err == nil {
		_, err := runGit(cctx, path, "checkout", branchName)
		if err != nil {
			return fmt.Errorf("op=workspace.EnsureBranch checkout existing: %w", err)
		}
		return nil
	}

	_, err := runGit(cctx, path, "checkout", "-b", branchName, "origin/"+baseBranch)
	if err != nil {
		return fmt.Errorf("op=workspace.EnsureBranch create from base: %w", err)
	}
	return nil
}

// CleanupWorktree recursively removes the workspace directory (spec §4.3).
func (m *Manager) CleanupWorktree(ctx domain.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("op=workspace.CleanupWorktree: %w", err)
	}
	return nil
}
