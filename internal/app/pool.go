package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Runner executes one item's workflow to completion. Implemented by
// *ItemWorkflow; an interface here keeps Pool independent of the concrete
// workflow wiring for testability.
type Runner interface {
	Run(ctx domain.Context, item domain.WorkItem) (*domain.AgentResult, error)
}

// Pool is the Pool Scheduler (spec §4.8): it owns a fixed slot table,
// spawns item workflows into idle slots, and runs continuous or drain-once
// passes. Grounded on the teacher's channel-based worker-pool skeleton in
// internal/adapter/queue/redpanda/consumer.go, simplified to the spec's
// fixed maxAgents slot table instead of dynamic scaling.
type Pool struct {
	mu    sync.Mutex
	slots []domain.AgentSlot

	queueBuilder *WorkQueueBuilder
	runner       Runner
	remote       domain.RemoteClient

	maxIssuesPerRun  int
	sessionProcessed int
	processed        map[domain.WorkKey]bool

	fatalError string
	stopCh     chan struct{}
	stopped    bool
	wg         sync.WaitGroup

	wakeCh  chan struct{}
	running bool
}

// NewPool constructs a Pool with cfg.MaxAgents fixed slots.
func NewPool(queueBuilder *WorkQueueBuilder, runner Runner, remote domain.RemoteClient, cfg config.Config) *Pool {
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 {
		maxAgents = 5
	}
	slots := make([]domain.AgentSlot, maxAgents)
	for i := range slots {
		slots[i] = domain.AgentSlot{ID: i, State: domain.SlotIdle}
	}
	return &Pool{
		slots:           slots,
		queueBuilder:    queueBuilder,
		runner:          runner,
		remote:          remote,
		maxIssuesPerRun: cfg.MaxIssuesPerRun,
		processed:       map[domain.WorkKey]bool{},
		stopCh:          make(chan struct{}),
		wakeCh:          make(chan struct{}, 1),
	}
}

// Wake requests an out-of-cycle processWorkQueue pass, without changing
// dedup/admission semantics (SPEC_FULL.md's webhook-driven wake-up
// supplement). Non-blocking: a pending wake is coalesced if RunContinuous
// hasn't consumed the previous one yet.
func (p *Pool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// SetMaxIssuesPerRun sets the per-run admission cap; 0 means unlimited
// (spec §4.8).
func (p *Pool) SetMaxIssuesPerRun(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxIssuesPerRun = n
}

// PassResult summarizes one processWorkQueue pass.
type PassResult struct {
	Status  string
	Spawned int
	Skipped int
	Pool    domain.PoolStatus
}

// ProcessWorkQueue runs one scheduling pass: build the queue, spawn up to
// idle capacity, respecting the maxIssuesPerRun counter (spec §4.8).
func (p *Pool) ProcessWorkQueue(ctx domain.Context) PassResult {
	if latched := p.latchedFatal(); latched != "" {
		return PassResult{Status: latched, Pool: p.Status()}
	}

	p.mu.Lock()
	processedSnapshot := make(map[domain.WorkKey]bool, len(p.processed))
	for k, v := range p.processed {
		processedSnapshot[k] = v
	}
	p.mu.Unlock()

	queue, err := p.queueBuilder.Build(ctx, processedSnapshot)
	if err != nil {
		slog.Warn("pool: work queue build failed", slog.Any("error", err))
	}

	spawned, skipped := 0, 0
	for _, q := range queue {
		if p.latchedFatal() != "" {
			break
		}
		p.mu.Lock()
		if p.maxIssuesPerRun > 0 && p.sessionProcessed >= p.maxIssuesPerRun {
			p.mu.Unlock()
			skipped++
			continue
		}
		slotIdx := p.pickIdleSlotLocked()
		if slotIdx < 0 {
			p.mu.Unlock()
			skipped++
			continue
		}
		p.slots[slotIdx].State = domain.SlotRunning
		p.slots[slotIdx].WorkKey = q.Key
		item := q.Item
		p.slots[slotIdx].Item = &item
		p.slots[slotIdx].StartedAt = time.Now()
		p.processed[q.Key] = true
		p.sessionProcessed++
		p.mu.Unlock()

		spawned++
		p.spawnAgent(ctx, slotIdx, item)
	}

	return PassResult{Status: "ok", Spawned: spawned, Skipped: skipped, Pool: p.Status()}
}

// pickIdleSlotLocked returns the index of an idle slot, or -1. Caller must
// hold p.mu. Reserving the slot here (state flip under the same lock the
// caller uses to assign WorkKey) is what prevents two passes from
// double-booking the same slot (spec §4.8 spawn discipline).
func (p *Pool) pickIdleSlotLocked() int {
	for i := range p.slots {
		if p.slots[i].State == domain.SlotIdle {
			return i
		}
	}
	return -1
}

// spawnAgent launches the per-item workflow in its own goroutine, finalizing
// the slot when it completes (spec §4.8 spawn discipline, §4.9 "slot
// finalization happens in a finally equivalent").
func (p *Pool) spawnAgent(ctx domain.Context, slotIdx int, item domain.WorkItem) {
	p.wg.Add(1)
	observability.SetActiveAgents(p.activeCount())
	go func() {
		defer p.wg.Done()
		defer func() {
			p.finalizeSlot(slotIdx)
			observability.SetActiveAgents(p.activeCount())
		}()

		result, err := p.runner.Run(ctx, item)
		if err != nil {
			p.latchFatal(err)
			p.mu.Lock()
			p.slots[slotIdx].State = domain.SlotFailed
			p.slots[slotIdx].Error = err.Error()
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		p.slots[slotIdx].Task = result
		if result.Status == domain.ResultFailed {
			p.slots[slotIdx].State = domain.SlotFailed
			p.slots[slotIdx].Error = result.Error
		} else {
			p.slots[slotIdx].State = domain.SlotCompleted
		}
		p.slots[slotIdx].CompletedAt = time.Now()
		p.mu.Unlock()
	}()
}

// finalizeSlot resets a slot to idle, clearing its fields (spec §4.9 "slot
// finalization").
func (p *Pool) finalizeSlot(slotIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slotIdx] = domain.AgentSlot{ID: slotIdx, State: domain.SlotIdle}
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.State == domain.SlotRunning {
			n++
		}
	}
	return n
}

// latchFatal sets the latched fatalError string, prefixing "❌ ERROR:" if
// not already present, and requests a stop (spec §4.8 fatal-error
// semantics). Only genuinely fatal errors latch; item-level failures are
// already handled as AgentResult{Status: ResultFailed} and never reach here.
func (p *Pool) latchFatal(err error) {
	if !domain.IsFatal(err) {
		slog.Error("pool: workflow returned non-fatal error outside AgentResult, treating as item failure", slog.Any("error", err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatalError != "" {
		return
	}
	msg := err.Error()
	const prefix = "❌ ERROR: "
	if len(msg) < len(prefix) || msg[:len(prefix)] != prefix {
		msg = prefix + msg
	}
	p.fatalError = msg
	p.requestStopLocked()
}

// FatalError returns the latched fatal-error message, or "" if none has
// latched. Used by the drain-once CLI to pick its exit code (spec's CLI
// surface: "0 success, non-zero on fatal error").
func (p *Pool) FatalError() string {
	return p.latchedFatal()
}

func (p *Pool) latchedFatal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalError
}

// ActiveItems returns the (repoName, number) pairs currently held by
// running slots, used by the Resource Reclaimer to skip live worktrees
// (spec §4.10).
func (p *Pool) ActiveItems() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]bool{}
	for _, s := range p.slots {
		if s.State == domain.SlotRunning && s.Item != nil {
			out[reclaimKey(s.Item.RepoName, s.Item.Number)] = true
		}
	}
	return out
}

// Status returns a snapshot of the slot table (spec §4.8 processWorkQueue
// return value).
func (p *Pool) Status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := domain.PoolStatus{TotalSlots: len(p.slots)}
	for _, s := range p.slots {
		switch s.State {
		case domain.SlotRunning:
			status.ActiveAgents++
			status.ActiveWorkKeys = append(status.ActiveWorkKeys, s.WorkKey)
		case domain.SlotIdle:
			status.IdleSlots++
		case domain.SlotCompleted:
			status.CompletedCount++
		case domain.SlotFailed:
			status.FailedCount++
		}
	}
	return status
}

// TryRunContinuous starts RunContinuous in the background unless a run is
// already in flight, returning false in that case (backs the /agents/start
// HTTP handler's "already running" response, spec §6).
func (p *Pool) TryRunContinuous(ctx context.Context, pollInterval time.Duration, reclaim func(context.Context)) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.running = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		p.RunContinuous(ctx, pollInterval, reclaim)
	}()
	return true
}

// TryRunUntilEmpty starts RunUntilEmpty in the background unless a run is
// already in flight, returning false in that case (backs the /agents/run
// HTTP handler's "already running" response, spec §6).
func (p *Pool) TryRunUntilEmpty(ctx context.Context, checkInterval time.Duration) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.running = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		p.RunUntilEmpty(ctx, checkInterval)
	}()
	return true
}

// RunContinuous loops ProcessWorkQueue + a reclaimer tick every pollInterval
// until Stop is called or a fatal error latches (spec §4.8).
func (p *Pool) RunContinuous(ctx context.Context, pollInterval time.Duration, reclaim func(context.Context)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if latched := p.latchedFatal(); latched != "" {
			slog.Error("pool: stopping on latched fatal error", slog.String("error", latched))
			return
		}
		p.ProcessWorkQueue(ctx)
		if reclaim != nil {
			reclaim(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.wakeCh:
		}
	}
}

// RunUntilEmpty loops ProcessWorkQueue in "drain" mode: it exits once a pass
// spawns zero, all slots are idle, and a re-query yields an empty queue
// (spec §4.8).
func (p *Pool) RunUntilEmpty(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if latched := p.latchedFatal(); latched != "" {
			slog.Error("pool: stopping drain on latched fatal error", slog.String("error", latched))
			return
		}
		res := p.ProcessWorkQueue(ctx)
		allIdle := p.Status().ActiveAgents == 0
		if res.Spawned == 0 && allIdle {
			requeue, err := p.queueBuilder.Build(ctx, p.snapshotProcessed())
			if err == nil && len(requeue) == 0 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) snapshotProcessed() map[domain.WorkKey]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.WorkKey]bool, len(p.processed))
	for k, v := range p.processed {
		out[k] = v
	}
	return out
}

// Stop requests cooperative shutdown (spec §4.8).
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestStopLocked()
}

func (p *Pool) requestStopLocked() {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Shutdown stops the pool, waits up to 30s for in-flight slots to drain, and
// closes the remote client (spec §5).
func (p *Pool) Shutdown() {
	p.Stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("pool: shutdown timed out waiting for in-flight slots")
	}
	if p.remote != nil {
		if err := p.remote.Close(); err != nil {
			slog.Warn("pool: remote client close failed", slog.Any("error", err))
		}
	}
}
