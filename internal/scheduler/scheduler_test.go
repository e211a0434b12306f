package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeExecutor struct {
	mu        sync.Mutex
	callbacks []string
	topics    []string
	err       error
}

func (e *fakeExecutor) RunCallback(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, name)
	return e.err
}

func (e *fakeExecutor) PublishMQTT(_ context.Context, topic string, _ map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	return e.err
}

func (e *fakeExecutor) callbackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.callbacks)
}

func intervalJob(id string, everyMs int64) *Job {
	return &Job{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: "interval", IntervalMs: everyMs},
		Action:   ActionConfig{Kind: "callback", Callback: "sweep"},
	}
}

func TestJobValidate(t *testing.T) {
	cases := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"valid interval", *intervalJob("a", 100), true},
		{"missing id", Job{Name: "x", Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1}, Action: ActionConfig{Kind: "callback", Callback: "f"}}, false},
		{"zero interval", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "interval"}, Action: ActionConfig{Kind: "callback", Callback: "f"}}, false},
		{"valid cron", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "cron", Expr: "*/5 * * * *"}, Action: ActionConfig{Kind: "callback", Callback: "f"}}, true},
		{"bad cron", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "cron", Expr: "not a cron"}, Action: ActionConfig{Kind: "callback", Callback: "f"}}, false},
		{"valid at", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "at", Time: "03:30"}, Action: ActionConfig{Kind: "mqtt", Topic: "t"}}, true},
		{"bad at time", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "at", Time: "25:99"}, Action: ActionConfig{Kind: "mqtt", Topic: "t"}}, false},
		{"callback without name", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1}, Action: ActionConfig{Kind: "callback"}}, false},
		{"mqtt without topic", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1}, Action: ActionConfig{Kind: "mqtt"}}, false},
		{"unknown action", Job{ID: "a", Name: "a", Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1}, Action: ActionConfig{Kind: "teleport"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.job.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestNextRunInterval(t *testing.T) {
	j := intervalJob("a", 60000)
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatal(err)
	}
	if want := from.Add(time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunCron(t *testing.T) {
	j := &Job{
		ID: "a", Name: "a", Enabled: true,
		Schedule: ScheduleConfig{Kind: "cron", Expr: "0 * * * *"},
		Action:   ActionConfig{Kind: "callback", Callback: "f"},
	}
	from := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Hour() != 13 || next.Minute() != 0 {
		t.Errorf("next = %v, want top of next hour", next)
	}
}

func TestNextRunAtRollsToTomorrow(t *testing.T) {
	j := &Job{
		ID: "a", Name: "a", Enabled: true,
		Schedule: ScheduleConfig{Kind: "at", Time: "03:00", Timezone: "UTC"},
		Action:   ActionConfig{Kind: "mqtt", Topic: "t"},
	}
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() != 2 || next.Hour() != 3 {
		t.Errorf("next = %v, want 03:00 tomorrow", next)
	}
}

func TestRunnerExecutesOnInterval(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, nil)
	if err := s.AddJob(intervalJob("sweep", 20)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for exec.callbackCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("callback never ran twice")
		case <-time.After(5 * time.Millisecond):
		}
	}

	job, ok := s.Job("sweep")
	if !ok {
		t.Fatal("job missing")
	}
	if job.State.RunCount < 2 {
		t.Errorf("run count = %d, want >= 2", job.State.RunCount)
	}
	if job.State.LastError != "" {
		t.Errorf("last error = %q", job.State.LastError)
	}
}

func TestRunnerRecordsErrors(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	s := New(exec, nil)
	s.AddJob(intervalJob("failing", 20))
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		job, _ := s.Job("failing")
		if job != nil && job.State.ErrorCount > 0 {
			if job.State.LastError != "boom" {
				t.Errorf("last error = %q", job.State.LastError)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("error never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJobStateReadableWhileRunning(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, nil)
	if err := s.AddJob(intervalJob("busy", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// Hammer the status surface while the runner mutates job state.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			if _, ok := s.Job("busy"); !ok {
				t.Error("job missing")
				return
			}
			s.Jobs()
		}
	}()
	<-done

	waitDeadline := time.After(2 * time.Second)
	for {
		job, _ := s.Job("busy")
		if job != nil && job.State.RunCount > 0 {
			break
		}
		select {
		case <-waitDeadline:
			t.Fatal("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAddRemoveJob(t *testing.T) {
	s := New(&fakeExecutor{}, nil)

	if err := s.AddJob(intervalJob("a", 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(intervalJob("a", 100)); err == nil {
		t.Error("duplicate id should be rejected")
	}
	if err := s.AddJob(&Job{ID: "bad"}); err == nil {
		t.Error("invalid job should be rejected")
	}

	if err := s.RemoveJob("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveJob("a"); err == nil {
		t.Error("removing a missing job should error")
	}
	if got := len(s.Jobs()); got != 0 {
		t.Errorf("jobs = %d, want 0", got)
	}
}

func TestDisabledJobDoesNotRun(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, nil)
	j := intervalJob("idle", 10)
	j.Enabled = false
	s.AddJob(j)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	if exec.callbackCount() != 0 {
		t.Errorf("disabled job ran %d times", exec.callbackCount())
	}
}
