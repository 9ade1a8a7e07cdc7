// Package lifecycle coordinates process-exit behavior for the SDK: it
// tracks live sessions, installs termination listeners exactly once,
// drains telemetry on exit, and tears down shared resources exactly once
// no matter how many sessions are active or how the process dies.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultStepTimeout = 5 * time.Second
)

// Registration describes one live session's cleanup hooks. Every hook is
// optional; nil hooks are skipped.
type Registration struct {
	// AutoEnd opts the session into automatic ending on process exit.
	AutoEnd bool

	// Flush drains the session's queued events.
	Flush func(ctx context.Context) error

	// End closes the session; reason is non-empty on crash paths.
	End func(ctx context.Context, reason string) error

	// Crash records a best-effort crash event before flush/end.
	Crash func(ctx context.Context, message, stack string)
}

type sharedResource struct {
	name     string
	shutdown func(ctx context.Context) error
}

// Coordinator is the process-wide shutdown coordinator. Construct it
// once and share it; Default returns the process singleton.
type Coordinator struct {
	mu          sync.Mutex
	logger      *slog.Logger
	timeout     time.Duration
	stepTimeout time.Duration
	sessions    map[string]Registration
	shared      []sharedResource

	installOnce  sync.Once
	teardownOnce sync.Once
	sigCh        chan os.Signal
}

// NewCoordinator creates a coordinator with the given timeouts. Zero
// values fall back to 20s global / 5s per-step.
func NewCoordinator(timeout, stepTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:      logger,
		timeout:     timeout,
		stepTimeout: stepTimeout,
		sessions:    make(map[string]Registration),
	}
}

var (
	defaultOnce sync.Once
	defaultC    *Coordinator
)

// Default returns the process-lifetime singleton coordinator.
func Default() *Coordinator {
	defaultOnce.Do(func() {
		defaultC = NewCoordinator(0, 0, nil)
	})
	return defaultC
}

// Configure adjusts timeouts and logging. Zero/nil arguments leave the
// current value in place. Call before sessions register.
func (c *Coordinator) Configure(timeout, stepTimeout time.Duration, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.timeout = timeout
	}
	if stepTimeout > 0 {
		c.stepTimeout = stepTimeout
	}
	if logger != nil {
		c.logger = logger
	}
}

// RegisterSession tracks a live session. The first registration installs
// the process termination listeners; later registrations reuse them.
func (c *Coordinator) RegisterSession(id string, r Registration) {
	c.mu.Lock()
	c.sessions[id] = r
	c.mu.Unlock()
	c.installListeners()
}

// UnregisterSession forgets a session that ended normally.
func (c *Coordinator) UnregisterSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// RegisterShared adds a cross-session resource (queue, telemetry
// provider) torn down exactly once after all sessions have been handled.
func (c *Coordinator) RegisterShared(name string, shutdown func(ctx context.Context) error) {
	c.mu.Lock()
	c.shared = append(c.shared, sharedResource{name: name, shutdown: shutdown})
	c.mu.Unlock()
}

// installListeners wires SIGINT/SIGTERM handling exactly once.
func (c *Coordinator) installListeners() {
	c.installOnce.Do(func() {
		c.sigCh = make(chan os.Signal, 2)
		signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig, ok := <-c.sigCh
			if !ok {
				return
			}
			c.logger.Info("termination signal received, draining telemetry",
				slog.String("signal", sig.String()))
			c.Terminate(context.Background(), "signal:"+sig.String())

			// Re-deliver the signal so the process exits with its
			// normal disposition.
			signal.Stop(c.sigCh)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		}()
	})
}

// Terminate ends every registered auto-end session concurrently, then
// shuts down shared resources exactly once. The whole sequence is capped
// by the coordinator's global timeout; each session end and each shared
// teardown gets its own step timeout so one slow call cannot starve the
// rest.
func (c *Coordinator) Terminate(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Registration)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for id, reg := range sessions {
		if !reg.AutoEnd {
			continue
		}
		wg.Add(1)
		go func(id string, reg Registration) {
			defer wg.Done()
			c.endSession(ctx, id, reg, reason)
		}(id, reg)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Error("shutdown timeout exceeded, proceeding with teardown")
	}

	c.teardownShared(ctx)
}

// HandleCrash records a crash for every live session, drains, ends the
// sessions as unsuccessful, and tears down shared resources. Every step
// is individually guarded so one failure cannot block the next.
func (c *Coordinator) HandleCrash(recovered any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	message := fmt.Sprint(recovered)
	stack := string(debug.Stack())

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Registration)
	c.mu.Unlock()

	for id, reg := range sessions {
		if reg.Crash != nil {
			c.step(ctx, "crash event for session "+id, func(stepCtx context.Context) error {
				reg.Crash(stepCtx, message, stack)
				return nil
			})
		}
		c.endSession(ctx, id, reg, "crash")
	}

	c.teardownShared(ctx)
}

// CrashGuard is meant to be deferred at the top of main or a goroutine:
// on panic it records the crash, drains telemetry, and re-raises the
// original panic so the process still dies with the real error.
func (c *Coordinator) CrashGuard() {
	r := recover()
	if r == nil {
		return
	}
	c.HandleCrash(r)
	panic(r)
}

func (c *Coordinator) endSession(ctx context.Context, id string, reg Registration, reason string) {
	if reg.Flush != nil {
		c.step(ctx, "flush session "+id, reg.Flush)
	}
	if reg.End != nil {
		c.step(ctx, "end session "+id, func(stepCtx context.Context) error {
			return reg.End(stepCtx, reason)
		})
	}
}

// teardownShared runs the shared-resource shutdowns exactly once, even
// when several termination triggers fire in quick succession.
func (c *Coordinator) teardownShared(ctx context.Context) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		shared := c.shared
		c.mu.Unlock()
		for _, res := range shared {
			c.step(ctx, "shutdown "+res.name, res.shutdown)
		}
	})
}

// step runs fn with the per-step timeout, logging failures instead of
// propagating them.
func (c *Coordinator) step(ctx context.Context, name string, fn func(ctx context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown step panicked",
				slog.String("step", name),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(stepCtx); err != nil {
		c.logger.Error("shutdown step failed",
			slog.String("step", name),
			slog.String("error", err.Error()))
	}
}
