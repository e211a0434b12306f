package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// subprocessAdapter runs a bot binary as a child in its own process group
// so a stop signal reaches the whole tree.
type subprocessAdapter struct {
	botID      string
	launchSpec string
	logger     *slog.Logger
	onExit     func(exitErr error, stderr string)

	mu      sync.Mutex
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	done    chan struct{}
	stopped bool
}

func newSubprocessAdapter(botID, launchSpec string, logger *slog.Logger, onExit func(error, string)) *subprocessAdapter {
	return &subprocessAdapter{
		botID:      botID,
		launchSpec: launchSpec,
		logger:     logger.With("bot", botID),
		onExit:     onExit,
	}
}

func (a *subprocessAdapter) Start(_ context.Context, cfg map[string]string) error {
	fields := strings.Fields(a.launchSpec)
	if len(fields) == 0 {
		return fmt.Errorf("empty launch spec")
	}

	// The child outlives any request context; lifetime is controlled by Stop.
	cmd := exec.Command(fields[0], fields[1:]...)
	setProcessGroup(cmd)

	cmd.Env = os.Environ()
	for k, v := range cfg {
		cmd.Env = append(cmd.Env, fmt.Sprintf("BOT_%s=%s", strings.ToUpper(k), v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", fields[0], err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stderr = &stderr
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.monitor()
	return nil
}

// monitor waits for the child and reports unexpected exits.
func (a *subprocessAdapter) monitor() {
	err := a.cmd.Wait()

	a.mu.Lock()
	stopped := a.stopped
	stderr := ""
	if a.stderr != nil {
		stderr = a.stderr.String()
	}
	close(a.done)
	a.mu.Unlock()

	if stopped {
		return // supervised stop, not an unexpected exit
	}

	if err != nil {
		a.logger.Warn("bot process exited with error", "error", err)
	} else {
		a.logger.Info("bot process exited")
	}
	a.onExit(err, stderr)
}

func (a *subprocessAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cmd == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cmd := a.cmd
	done := a.done
	a.mu.Unlock()

	// Phase one: polite signal to the whole group.
	if err := signalGroup(cmd, false); err != nil {
		a.logger.Debug("polite signal failed, escalating", "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(gracePeriod):
	case <-ctx.Done():
	}

	// Phase two: force kill.
	if err := signalGroup(cmd, true); err != nil {
		return fmt.Errorf("force kill: %w", err)
	}
	select {
	case <-done:
	case <-time.After(gracePeriod):
		return fmt.Errorf("process did not exit after force kill")
	}
	return nil
}

func (a *subprocessAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}
