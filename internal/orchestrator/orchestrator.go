// Package orchestrator owns the task queue: opportunities are submitted
// as prioritized tasks, assigned to the best available bot, and executed
// concurrently under a fixed cap. Outcomes feed per-bot performance
// records, which in turn drive periodic mode rebalancing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clawinfra/arbnet/internal/events"
	"github.com/clawinfra/arbnet/internal/pipeline"
	"github.com/clawinfra/arbnet/internal/types"
)

const (
	defaultPriority  = 5
	pipelinePriority = 8

	rebalanceMinTasks = 5
	promoteRate       = 0.8
	demoteRate        = 0.5

	completedKeep = 100
)

// Executor runs one opportunity end-to-end. The arbitrage service
// implements it.
type Executor interface {
	ExecuteArbitrage(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error)
}

// BotPool exposes the bot registry the orchestrator assigns work from.
type BotPool interface {
	AllBots() map[string]types.BotDescriptor
	SetBotMode(id string, mode types.BotMode) error
	RecordActivity(id string, profitUSD float64, foundOpportunity bool)
}

// PipelineRunner is the AI decision pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, op types.Opportunity) *pipeline.Record
}

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	CycleInterval      time.Duration
}

// Orchestrator schedules and executes tasks. The queue, task map, and
// completed list are guarded by mu; execution goroutines hold a
// semaphore slot for their entire run.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	bots   BotPool
	exec   Executor
	pipe   PipelineRunner

	sem *semaphore.Weighted

	mu        sync.Mutex
	queue     taskQueue
	tasks     map[string]*Task
	completed []*Task
	perf      map[string]*types.BotPerformance
	seq       uint64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the orchestrator. pipe may be nil; ProcessWithPipeline
// then degrades to a plain submit.
func New(cfg Config, bots BotPool, exec Executor, pipe PipelineRunner, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 5
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 30 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		bus:    bus,
		bots:   bots,
		exec:   exec,
		pipe:   pipe,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		tasks:  make(map[string]*Task),
		perf:   make(map[string]*types.BotPerformance),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the scheduler loop. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.CycleInterval)
		defer ticker.Stop()

		o.logger.Info("scheduler started",
			"max_concurrent", o.cfg.MaxConcurrentTasks,
			"cycle", o.cfg.CycleInterval,
		)
		for {
			select {
			case <-loopCtx.Done():
				o.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				o.runCycle(loopCtx)
			case <-o.wake:
				o.runCycle(loopCtx)
			}
		}
	}()
}

// Stop halts the scheduler and waits for the loop to exit. In-flight
// executions observe the cancelled context and finish on their own.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

// Submit enqueues an opportunity as a task. Priority is clamped to
// [1,10]; zero means default. Returns the task id immediately.
func (o *Orchestrator) Submit(op types.Opportunity, priority int) (string, error) {
	if priority == 0 {
		priority = defaultPriority
	}
	if priority < 1 || priority > 10 {
		return "", fmt.Errorf("priority %d out of range [1,10]", priority)
	}

	now := time.Now()
	t := &Task{
		ID:          uuid.NewString(),
		Opportunity: op,
		Priority:    priority,
		Status:      TaskPending,
		CreatedAt:   now,
		Deadline:    now.Add(o.cfg.TaskTimeout),
	}

	o.mu.Lock()
	o.seq++
	t.seq = o.seq
	o.tasks[t.ID] = t
	o.queue.push(t)
	o.mu.Unlock()

	o.publish(context.Background(), "task_submitted", map[string]any{
		"task_id":  t.ID,
		"priority": priority,
		"pair":     op.TokenPair,
	})

	// Nudge the loop so the task does not wait a full cycle.
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return t.ID, nil
}

// ProcessWithPipeline runs the decision pipeline on an opportunity and,
// when the decision is execute, submits a high-priority task. The
// record's metadata carries the orchestration outcome either way.
func (o *Orchestrator) ProcessWithPipeline(ctx context.Context, op types.Opportunity) (*pipeline.Record, error) {
	if o.pipe == nil {
		id, err := o.Submit(op, defaultPriority)
		if err != nil {
			return nil, err
		}
		rec := &pipeline.Record{Opportunity: op, Metadata: map[string]any{
			"orchestration_status": map[string]any{"status": "submitted", "task_id": id},
		}}
		return rec, nil
	}

	rec := o.pipe.Run(ctx, op)
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}

	if rec.Decision != nil && rec.Decision.Type == pipeline.DecisionExecute {
		id, err := o.Submit(op, pipelinePriority)
		if err != nil {
			rec.Metadata["orchestration_status"] = map[string]any{"status": "rejected", "error": err.Error()}
			return rec, err
		}
		rec.Metadata["orchestration_status"] = map[string]any{"status": "submitted", "task_id": id}
	} else {
		decision := "none"
		if rec.Decision != nil {
			decision = rec.Decision.Type
		}
		rec.Metadata["orchestration_status"] = map[string]any{"status": "not_required", "decision": decision}
	}
	return rec, nil
}

// runCycle is one scheduler pass: expire overdue work, dispatch what
// fits under the cap, trim completed history, rebalance modes.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.expireOverdue()
	o.dispatch(ctx)
	o.trimCompleted()
	o.rebalance(ctx)
}

// expireOverdue transitions queued tasks past their deadline to timeout.
// Executing tasks are bounded by their own context deadline instead.
func (o *Orchestrator) expireOverdue() {
	now := time.Now()

	o.mu.Lock()
	var expired []*Task
	live := o.queue[:0]
	for _, t := range o.queue {
		if now.After(t.Deadline) {
			expired = append(expired, t)
			continue
		}
		live = append(live, t)
	}
	o.queue = live
	if len(expired) > 0 {
		o.queue.reheap()
	}
	for _, t := range expired {
		o.finishLocked(t, TaskTimeout, &types.ExecutionResult{
			Success: false,
			Error:   "task deadline exceeded before assignment",
		})
	}
	o.mu.Unlock()

	for _, t := range expired {
		o.logger.Warn("task timed out in queue", "task", t.ID, "pair", t.Opportunity.TokenPair)
		o.publish(context.Background(), "task_timeout", map[string]any{"task_id": t.ID})
	}
}

// dispatch pops tasks while capacity and bots are available.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		if !o.sem.TryAcquire(1) {
			return
		}

		o.mu.Lock()
		t := o.queue.pop()
		if t == nil {
			o.mu.Unlock()
			o.sem.Release(1)
			return
		}

		botID, ok := o.selectBotLocked()
		if !ok {
			// No bot available: put the task back and wait for the
			// next cycle.
			o.queue.push(t)
			o.mu.Unlock()
			o.sem.Release(1)
			return
		}

		t.BotID = botID
		t.Status = TaskAssigned
		o.mu.Unlock()

		o.wg.Add(1)
		go o.execute(ctx, t)
	}
}

// selectBotLocked picks the running, assignable bot with the best
// rolling success rate (0.5 when unknown). Ids are walked in sorted
// order so ties resolve deterministically. Caller holds mu.
func (o *Orchestrator) selectBotLocked() (string, bool) {
	bots := o.bots.AllBots()

	ids := make([]string, 0, len(bots))
	for id := range bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best, bestScore := "", -1.0
	for _, id := range ids {
		d := bots[id]
		if d.Status != types.StatusRunning || !d.Mode.Assignable() {
			continue
		}
		score := 0.5
		if p, ok := o.perf[id]; ok && p.TasksCompleted > 0 {
			score = p.SuccessRate
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	return best, best != ""
}

// execute runs one assigned task. The semaphore slot acquired at
// dispatch is released here.
func (o *Orchestrator) execute(ctx context.Context, t *Task) {
	defer o.wg.Done()
	defer o.sem.Release(1)

	started := time.Now()
	o.mu.Lock()
	t.Status = TaskExecuting
	t.StartedAt = &started
	o.mu.Unlock()

	deadline := t.Deadline
	if remaining := time.Until(deadline); remaining > o.cfg.TaskTimeout {
		deadline = started.Add(o.cfg.TaskTimeout)
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := o.exec.ExecuteArbitrage(execCtx, t.Opportunity, t.Opportunity.SuggestedAmount)

	status := TaskCompleted
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = TaskTimeout
		result = &types.ExecutionResult{Success: false, BotID: t.BotID, Error: "execution deadline exceeded"}
	case err != nil:
		status = TaskFailed
		result = &types.ExecutionResult{Success: false, BotID: t.BotID, Error: err.Error()}
	case result == nil:
		status = TaskFailed
		result = &types.ExecutionResult{Success: false, BotID: t.BotID, Error: "executor returned no result"}
	case !result.Success:
		status = TaskFailed
	}
	result.BotID = t.BotID

	elapsed := time.Since(started)

	o.mu.Lock()
	o.finishLocked(t, status, result)
	o.updatePerfLocked(t.BotID, status == TaskCompleted, elapsed)
	o.mu.Unlock()

	o.bots.RecordActivity(t.BotID, result.ProfitUSD, result.Success)

	o.logger.Info("task finished",
		"task", t.ID, "bot", t.BotID, "status", status,
		"profit_usd", result.ProfitUSD, "elapsed", elapsed,
	)
	o.publish(context.Background(), "task_completed", map[string]any{
		"task_id": t.ID,
		"bot_id":  t.BotID,
		"status":  string(status),
		"success": result.Success,
	})
}

// finishLocked moves a task to a terminal state. Caller holds mu.
func (o *Orchestrator) finishLocked(t *Task, status TaskStatus, result *types.ExecutionResult) {
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	t.Result = result
	delete(o.tasks, t.ID)
	o.completed = append(o.completed, t)
}

// updatePerfLocked folds one outcome into the bot's running averages.
// Caller holds mu.
func (o *Orchestrator) updatePerfLocked(botID string, success bool, elapsed time.Duration) {
	p, ok := o.perf[botID]
	if !ok {
		p = &types.BotPerformance{BotID: botID}
		o.perf[botID] = p
	}
	p.TasksCompleted++
	n := float64(p.TasksCompleted)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	p.SuccessRate = (p.SuccessRate*(n-1) + outcome) / n
	p.AvgExecutionSecs = (p.AvgExecutionSecs*(n-1) + elapsed.Seconds()) / n
}

// trimCompleted keeps the newest completedKeep terminal tasks.
func (o *Orchestrator) trimCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if extra := len(o.completed) - completedKeep; extra > 0 {
		o.completed = append([]*Task(nil), o.completed[extra:]...)
	}
}

// rebalance promotes reliable supervised bots to autonomous and demotes
// unreliable autonomous ones back to supervised. Bots with fewer than
// rebalanceMinTasks completions are left alone.
func (o *Orchestrator) rebalance(ctx context.Context) {
	o.mu.Lock()
	snapshot := make(map[string]types.BotPerformance, len(o.perf))
	for id, p := range o.perf {
		snapshot[id] = *p
	}
	o.mu.Unlock()

	bots := o.bots.AllBots()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := snapshot[id]
		if p.TasksCompleted < rebalanceMinTasks {
			continue
		}
		d, ok := bots[id]
		if !ok {
			continue
		}

		var target types.BotMode
		switch {
		case p.SuccessRate > promoteRate && d.Mode == types.ModeSupervised:
			target = types.ModeAutonomous
		case p.SuccessRate < demoteRate && d.Mode == types.ModeAutonomous:
			target = types.ModeSupervised
		default:
			continue
		}

		if err := o.bots.SetBotMode(id, target); err != nil {
			o.logger.Warn("rebalance mode change failed (non-fatal)", "bot", id, "error", err)
			continue
		}
		o.mu.Lock()
		if live, ok := o.perf[id]; ok {
			live.ModeChanges++
		}
		o.mu.Unlock()

		o.logger.Info("bot mode rebalanced",
			"bot", id, "mode", target, "success_rate", p.SuccessRate,
		)
		o.publish(ctx, "bot_mode_rebalanced", map[string]any{
			"bot_id":       id,
			"mode":         string(target),
			"success_rate": p.SuccessRate,
		})
	}
}

// SetBotMode changes a bot's mode on demand and counts the change.
func (o *Orchestrator) SetBotMode(botID string, mode types.BotMode) error {
	if err := o.bots.SetBotMode(botID, mode); err != nil {
		return err
	}
	o.mu.Lock()
	p, ok := o.perf[botID]
	if !ok {
		p = &types.BotPerformance{BotID: botID}
		o.perf[botID] = p
	}
	p.ModeChanges++
	o.mu.Unlock()
	return nil
}

// Snapshot is the orchestrator's observable state.
type Snapshot struct {
	QueuedTasks    int                             `json:"queued_tasks"`
	ActiveTasks    int                             `json:"active_tasks"`
	CompletedTasks int                             `json:"completed_tasks"`
	Performance    map[string]types.BotPerformance `json:"performance"`
}

// Status returns a point-in-time snapshot.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := 0
	for _, t := range o.tasks {
		if t.Status == TaskAssigned || t.Status == TaskExecuting {
			active++
		}
	}
	perf := make(map[string]types.BotPerformance, len(o.perf))
	for id, p := range o.perf {
		perf[id] = *p
	}
	return Snapshot{
		QueuedTasks:    o.queue.Len(),
		ActiveTasks:    active,
		CompletedTasks: len(o.completed),
		Performance:    perf,
	}
}

// Task returns a copy of a live or completed task by id.
func (o *Orchestrator) Task(id string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok {
		return *t, true
	}
	for _, t := range o.completed {
		if t.ID == id {
			return *t, true
		}
	}
	return Task{}, false
}

// CompletedTasks returns copies of the terminal task history, oldest
// first.
func (o *Orchestrator) CompletedTasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, len(o.completed))
	for i, t := range o.completed {
		out[i] = *t
	}
	return out
}

// Performance returns one bot's performance record.
func (o *Orchestrator) Performance(botID string) (types.BotPerformance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.perf[botID]
	if !ok {
		return types.BotPerformance{}, false
	}
	return *p, true
}

func (o *Orchestrator) publish(ctx context.Context, event string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, events.Event{Type: event, Data: data})
}
