package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam/ace-orchestrator/internal/adapter/session"
	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

func reclaimKey(repoName string, number int) string {
	return repoName + "#" + strconv.Itoa(number)
}

// Reclaimer is the Resource Reclaimer (spec §4.10): it sweeps stale
// worktree directories and stale tmux sessions on a fixed interval.
// Grounded on the teacher's internal/app/stuck_jobs.go ticker+sweepOnce
// skeleton (same Run/ticker/select-on-ctx.Done shape), retargeted from a
// Postgres job-table sweep to a filesystem+session sweep since the spec has
// no stuck-job-table concept — the polling/ticking discipline is what
// survives, not the storage backend.
type Reclaimer struct {
	workspaceRoot string
	sessions      domain.SessionSupervisor
	pool          *Pool
	cfg           config.Config

	interval          time.Duration
	worktreeRetention time.Duration
	tmuxRetention     time.Duration
	onlyDone          bool
	tmuxEnabled       bool

	lastTick time.Time
}

// NewReclaimer constructs a Reclaimer from Config.
func NewReclaimer(sessions domain.SessionSupervisor, pool *Pool, cfg config.Config) *Reclaimer {
	return &Reclaimer{
		workspaceRoot:     cfg.WorkspaceRoot,
		sessions:          sessions,
		pool:              pool,
		cfg:               cfg,
		interval:          cfg.CleanupInterval(),
		worktreeRetention: cfg.WorktreeRetention(),
		tmuxRetention:     cfg.TmuxRetention(),
		onlyDone:          cfg.CleanupOnlyDone,
		tmuxEnabled:       cfg.CleanupTmuxEnabled,
	}
}

// Run blocks, ticking Sweep at the configured interval until ctx is
// cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	if !r.cfg.CleanupEnabled {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reclaimer stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs no more than once per cleanupIntervalSeconds and performs the
// worktree pass followed by the session pass (spec §4.10). Exported so
// the service entry point can pass it to Pool.TryRunContinuous as the
// per-pass reclaim callback.
func (r *Reclaimer) Sweep(ctx context.Context) {
	if time.Since(r.lastTick) < r.interval && !r.lastTick.IsZero() {
		return
	}
	r.lastTick = time.Now()

	active := r.pool.ActiveItems()
	r.sweepWorktrees(ctx, active)
	r.sweepSessions(ctx, active)
}

// sweepWorktrees enumerates <workspaceRoot>/worktrees/<repo>/<N>
// directories and reclaims those past retention (spec §4.10).
func (r *Reclaimer) sweepWorktrees(ctx context.Context, active map[string]bool) {
	root := filepath.Join(r.workspaceRoot, "worktrees")
	repos, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reclaimer: worktree root read failed", slog.Any("error", err))
		}
		return
	}

	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		repoPath := filepath.Join(root, repo.Name())
		entries, err := os.ReadDir(repoPath)
		if err != nil {
			slog.Warn("reclaimer: repo dir read failed", slog.String("repo", repo.Name()), slog.Any("error", err))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			number, err := strconv.Atoi(entry.Name())
			if err != nil {
				continue
			}
			r.maybeReclaimWorktree(ctx, repo.Name(), number, filepath.Join(repoPath, entry.Name()), active)
		}
	}
}

func (r *Reclaimer) maybeReclaimWorktree(ctx context.Context, repoName string, number int, path string, active map[string]bool) {
	key := reclaimKey(repoName, number)
	if active[key] {
		return
	}
	sessionName := session.SanitizeSessionName(repoName, number)
	if exists, err := r.sessions.SessionExists(ctx, sessionName); err == nil && exists {
		return
	}
	if r.onlyDone {
		// Without per-item completion metadata the spec treats this as
		// "never sweep" (see DESIGN.md open-question decision).
		return
	}

	age := worktreeAge(path)
	if age < r.worktreeRetention {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		slog.Warn("reclaimer: worktree removal failed", slog.String("path", path), slog.Any("error", err))
		return
	}
	slog.Info("reclaimer: reclaimed worktree", slog.String("repo", repoName), slog.Int("number", number), slog.Duration("age", age))
}

// worktreeAge computes age from max(mtime of the directory, mtime of any
// known marker file) per spec §4.10.
func worktreeAge(path string) time.Duration {
	newest := mtimeOf(path)
	for _, marker := range []string{"ACE_TASK.md", "ACE_TASK_DONE.json"} {
		if t := mtimeOf(filepath.Join(path, marker)); t.After(newest) {
			newest = t
		}
	}
	return time.Since(newest)
}

func mtimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// sweepSessions kills sessions whose lastActivity age exceeds tmuxRetention,
// except those bound to active slots (spec §4.10).
func (r *Reclaimer) sweepSessions(ctx context.Context, active map[string]bool) {
	if !r.tmuxEnabled {
		return
	}
	sessions, err := r.sessions.ListSessions(ctx)
	if err != nil {
		slog.Warn("reclaimer: session list failed", slog.Any("error", err))
		return
	}
	activeSessionNames := map[string]bool{}
	for key := range active {
		// active keys are "repoName#number"; re-derive the session name the
		// same way the workflow does.
		repoName, numStr, ok := strings.Cut(key, "#")
		if !ok {
			continue
		}
		number, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		activeSessionNames[session.SanitizeSessionName(repoName, number)] = true
	}
	for _, s := range sessions {
		if activeSessionNames[s.Name] {
			continue
		}
		if time.Since(s.LastActivity) < r.tmuxRetention {
			continue
		}
		if err := r.sessions.KillSession(ctx, s.Name); err != nil {
			slog.Warn("reclaimer: session kill failed", slog.String("session", s.Name), slog.Any("error", err))
			continue
		}
		slog.Info("reclaimer: killed stale session", slog.String("session", s.Name))
	}
}
