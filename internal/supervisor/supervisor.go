// Package supervisor owns the lifecycle of bot workers. Each worker runs
// behind an Adapter: a subprocess in its own process group, or an
// in-process program driven on a goroutine. Start/stop semantics are
// identical for both backends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/arbnet/internal/types"
)

// ErrNotRunning is returned when stopping a bot that has no live adapter.
var ErrNotRunning = errors.New("bot not running")

// gracePeriod is how long a polite stop waits before force kill.
const gracePeriod = 5 * time.Second

// ExitFunc is invoked exactly once when a worker exits on its own.
// exitErr is nil for a clean exit; stderr carries captured diagnostics.
type ExitFunc func(botID string, exitErr error, stderr string)

// Adapter is one running worker backend.
type Adapter interface {
	// Start launches the worker. cfg is surfaced to the worker as
	// BOT_-prefixed environment (subprocess) or passed through (in-process).
	Start(ctx context.Context, cfg map[string]string) error
	// Stop performs a two-phase stop: polite signal, then force after the
	// grace period. It is idempotent.
	Stop(ctx context.Context) error
	// PID returns the OS pid, or 0 for in-process workers.
	PID() int
}

// Supervisor tracks live adapters by bot id. Each worker has its own
// monitoring goroutine; stopping one never blocks others.
type Supervisor struct {
	logger   *slog.Logger
	mu       sync.Mutex
	live     map[string]Adapter
	programs map[string]any // in-process program registry, keyed by name
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:   logger.With("component", "supervisor"),
		live:     make(map[string]Adapter),
		programs: make(map[string]any),
	}
}

// RegisterProgram makes an in-process bot program available under name.
// The program is probed for recognized entry points at start time.
func (s *Supervisor) RegisterProgram(name string, program any) {
	s.mu.Lock()
	s.programs[name] = program
	s.mu.Unlock()
	s.logger.Info("in-process program registered", "name", name)
}

// Start launches the worker described by desc and mutates the descriptor's
// runtime fields (status, pid, started_at). onExit fires when the worker
// exits on its own; it does not fire for a supervised Stop.
func (s *Supervisor) Start(ctx context.Context, desc *types.BotDescriptor, cfg map[string]string, onExit ExitFunc) error {
	s.mu.Lock()
	if _, ok := s.live[desc.BotID]; ok {
		s.mu.Unlock()
		// Already running: idempotent success, no second process.
		return nil
	}
	s.mu.Unlock()

	adapter, err := s.buildAdapter(desc, onExit)
	if err != nil {
		return err
	}

	desc.Status = types.StatusStarting
	if err := adapter.Start(ctx, cfg); err != nil {
		desc.Status = types.StatusError
		desc.ErrorMessage = err.Error()
		return fmt.Errorf("start bot %s: %w", desc.BotID, err)
	}

	now := time.Now()
	desc.Status = types.StatusRunning
	desc.PID = adapter.PID()
	desc.StartedAt = &now
	desc.LastActivity = now
	desc.ErrorMessage = ""

	s.mu.Lock()
	s.live[desc.BotID] = adapter
	s.mu.Unlock()

	s.logger.Info("bot started", "bot", desc.BotID, "pid", desc.PID, "adapter", desc.Adapter)
	return nil
}

func (s *Supervisor) buildAdapter(desc *types.BotDescriptor, onExit ExitFunc) (Adapter, error) {
	exit := func(exitErr error, stderr string) {
		s.mu.Lock()
		delete(s.live, desc.BotID)
		s.mu.Unlock()
		if onExit != nil {
			onExit(desc.BotID, exitErr, stderr)
		}
	}

	switch desc.Adapter {
	case "", "subprocess":
		return newSubprocessAdapter(desc.BotID, desc.LaunchSpec, s.logger, exit), nil
	case "inprocess":
		s.mu.Lock()
		program, ok := s.programs[desc.LaunchSpec]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("in-process program not registered: %s", desc.LaunchSpec)
		}
		entry, name, err := resolveEntryPoint(program)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", desc.BotID, err)
		}
		return newInProcessAdapter(desc.BotID, entry, name, s.logger, exit), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s", desc.Adapter)
	}
}

// Stop stops the worker for botID and mutates the descriptor through the
// stopped transition. Stopping an already-stopped bot returns ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context, desc *types.BotDescriptor) error {
	s.mu.Lock()
	adapter, ok := s.live[desc.BotID]
	if ok {
		delete(s.live, desc.BotID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}

	desc.Status = types.StatusStopping
	if err := adapter.Stop(ctx); err != nil {
		desc.Status = types.StatusError
		desc.ErrorMessage = err.Error()
		return fmt.Errorf("stop bot %s: %w", desc.BotID, err)
	}

	desc.Status = types.StatusStopped
	desc.PID = 0
	s.logger.Info("bot stopped", "bot", desc.BotID)
	return nil
}

// Running reports whether botID has a live adapter.
func (s *Supervisor) Running(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[botID]
	return ok
}

// StopAll stops every live worker. Errors are logged, not returned; the
// emergency-stop path must not abort half way.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	adapters := make([]Adapter, 0, len(s.live))
	for id, a := range s.live {
		ids = append(ids, id)
		adapters = append(adapters, a)
	}
	s.live = make(map[string]Adapter)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range adapters {
		wg.Add(1)
		go func(id string, a Adapter) {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				s.logger.Error("error stopping bot", "bot", id, "error", err)
			}
		}(ids[i], adapters[i])
	}
	wg.Wait()
}
