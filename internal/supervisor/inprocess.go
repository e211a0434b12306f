package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// In-process bot programs expose one of these entry points. The supervisor
// probes them in priority order when the program is started.
type (
	// Runner is the preferred entry point for long-running bots.
	Runner interface {
		Run(ctx context.Context, cfg map[string]string) error
	}
	// Monitorer is for observe-only bots.
	Monitorer interface {
		Monitor(ctx context.Context, cfg map[string]string) error
	}
	// Executor is for one-shot execution bots.
	Executor interface {
		Execute(ctx context.Context, cfg map[string]string) error
	}
	// Mainer is the last-resort generic entry point.
	Mainer interface {
		Main(ctx context.Context, cfg map[string]string) error
	}
)

type entryPoint func(ctx context.Context, cfg map[string]string) error

// resolveEntryPoint probes a registered program for recognized entry
// points in priority order: run, monitor, execute, main.
func resolveEntryPoint(program any) (entryPoint, string, error) {
	if p, ok := program.(Runner); ok {
		return p.Run, "run", nil
	}
	if p, ok := program.(Monitorer); ok {
		return p.Monitor, "monitor", nil
	}
	if p, ok := program.(Executor); ok {
		return p.Execute, "execute", nil
	}
	if p, ok := program.(Mainer); ok {
		return p.Main, "main", nil
	}
	return nil, "", fmt.Errorf("program exposes no recognized entry point (run, monitor, execute, main)")
}

// inProcessAdapter drives a registered program on its own goroutine with
// an independent cancellation handle.
type inProcessAdapter struct {
	botID  string
	entry  entryPoint
	name   string
	logger *slog.Logger
	onExit func(exitErr error, stderr string)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func newInProcessAdapter(botID string, entry entryPoint, name string, logger *slog.Logger, onExit func(error, string)) *inProcessAdapter {
	return &inProcessAdapter{
		botID:  botID,
		entry:  entry,
		name:   name,
		logger: logger.With("bot", botID),
		onExit: onExit,
	}
}

func (a *inProcessAdapter) Start(_ context.Context, cfg map[string]string) error {
	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info("in-process bot starting", "entry", a.name)

	go func() {
		err := a.run(runCtx, cfg)

		a.mu.Lock()
		stopped := a.stopped
		close(a.done)
		a.mu.Unlock()

		if stopped {
			return
		}
		if err != nil {
			a.logger.Warn("in-process bot exited with error", "error", err)
		}
		a.onExit(err, "")
	}()

	return nil
}

// run invokes the entry point, converting a panic into an error so a bad
// program cannot take down the supervisor.
func (a *inProcessAdapter) run(ctx context.Context, cfg map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panicked: %v", r)
		}
	}()
	return a.entry(ctx, cfg)
}

func (a *inProcessAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *inProcessAdapter) PID() int { return 0 }
