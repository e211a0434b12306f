package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Executor is what job actions run against. The core wires the hub
// reaper, status logging, and opportunity sweep in as named callbacks;
// MQTT publishing goes through the event bridge.
type Executor interface {
	RunCallback(ctx context.Context, name string) error
	PublishMQTT(ctx context.Context, topic string, payload map[string]any) error
}

// JobRunner executes a single job on schedule. mu guards the job's
// State, which the run loop mutates while the scheduler's status
// surface clone-reads it.
type JobRunner struct {
	mu       sync.Mutex
	job      *Job
	logger   *slog.Logger
	executor Executor
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a runner for one job.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start drives the job until the context dies or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.setNextRun(nextRun)

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	// Interval jobs tick at their own cadence; cron/at jobs are
	// checked once a minute.
	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		tickerDuration = time.Minute
	}

	ticker := time.NewTicker(tickerDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-ticker.C:
			shouldRun := r.job.Schedule.Kind == "interval" || !now.Before(r.nextRunAt())
			if !shouldRun {
				continue
			}

			r.executeJob(ctx)

			nextRun, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				continue
			}
			r.setNextRun(nextRun)
		}
	}
}

// Stop halts the runner and waits for it to finish.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job's action once and records the outcome.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()

	var err error
	switch r.job.Action.Kind {
	case "callback":
		err = r.executeCallback(ctx)
	case "mqtt":
		err = r.executeMQTT(ctx)
	case "http":
		err = r.executeHTTP(ctx)
	default:
		err = fmt.Errorf("unknown action kind: %s", r.job.Action.Kind)
	}

	duration := time.Since(start)
	r.mu.Lock()
	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++
	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
	} else {
		r.job.State.LastError = ""
	}
	runs, errs := r.job.State.RunCount, r.job.State.ErrorCount
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", runs,
			"error_count", errs)
		return
	}
	r.logger.Debug("job completed", "duration", duration, "run_count", runs)
}

func (r *JobRunner) setNextRun(t time.Time) {
	r.mu.Lock()
	r.job.State.NextRunAt = t
	r.mu.Unlock()
}

func (r *JobRunner) nextRunAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State.NextRunAt
}

// cloneJob snapshots the job without racing the run loop.
func (r *JobRunner) cloneJob() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

func (r *JobRunner) executeCallback(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot run callback)")
	}
	return r.executor.RunCallback(ctx, r.job.Action.Callback)
}

func (r *JobRunner) executeMQTT(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot publish mqtt)")
	}
	return r.executor.PublishMQTT(ctx, r.job.Action.Topic, r.job.Action.Payload)
}

func (r *JobRunner) executeHTTP(ctx context.Context) error {
	var body []byte
	var err error
	if r.job.Action.Payload != nil {
		body, err = json.Marshal(r.job.Action.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.job.Action.Method, r.job.Action.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range r.job.Action.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http request failed with status: %d", resp.StatusCode)
	}
	return nil
}
