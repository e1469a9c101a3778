package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftlock/memoryd/internal/logging"
	"go.uber.org/zap"
)

// State describes where a Conn is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DialFunc establishes one engine session.
type DialFunc func(ctx context.Context) (Engine, error)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// Retries is the number of dial attempts per connect. Zero means 3.
	Retries int

	// RetryDelay is the pause between attempts. Zero means 1s.
	RetryDelay time.Duration

	// OnConnect runs after every successful dial, including the redial
	// inside EnsureLive. Session-scoped setup (database provisioning,
	// handle refresh) belongs here. A failing hook fails the connect.
	OnConnect func(ctx context.Context, eng Engine) error

	Logger *logging.Logger
}

// Conn owns one engine session and its reconnect policy. Callers take the
// current session through Handle or EnsureLive; they never hold an Engine
// across calls.
type Conn struct {
	mu         sync.Mutex
	dial       DialFunc
	engine     Engine
	state      State
	opened     bool
	retries    int
	retryDelay time.Duration
	onConnect  func(ctx context.Context, eng Engine) error
	logger     *logging.Logger
}

// NewConn creates a Conn. Open must be called before use.
func NewConn(dial DialFunc, opts ConnOptions) *Conn {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Conn{
		dial:       dial,
		state:      StateDisconnected,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		onConnect:  opts.OnConnect,
		logger:     opts.Logger,
	}
}

// Open establishes the session, retrying transient failures within the
// configured attempt budget.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return &Error{Kind: KindInvalid, Op: "open", Message: "connection closed"}
	}
	if c.state == StateConnected {
		return nil
	}

	c.state = StateConnecting
	if err := c.connectLocked(ctx); err != nil {
		c.state = StateDisconnected
		return err
	}
	c.state = StateConnected
	c.opened = true
	return nil
}

// connectLocked dials with retries and runs the OnConnect hook. Callers hold
// c.mu.
func (c *Conn) connectLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			c.logger.Warn(ctx, "engine dial failed, retrying",
				zap.Int("attempt", attempt-1),
				zap.Int("max_attempts", c.retries),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return err
			}
		}

		eng, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			if !IsTransient(err) {
				return err
			}
			continue
		}

		if c.onConnect != nil {
			if err := c.onConnect(ctx, eng); err != nil {
				_ = eng.Close()
				return fmt.Errorf("post-connect setup: %w", err)
			}
		}
		c.engine = eng
		return nil
	}
	return fmt.Errorf("engine unreachable after %d attempts: %w", c.retries, lastErr)
}

// Handle returns the current session without a liveness check. Mutating
// operations take this path; a dead socket surfaces as a transient error on
// the operation itself.
func (c *Conn) Handle(ctx context.Context) (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked(ctx)
}

// EnsureLive probes the session and transparently redials once when the
// probe fails with a transient error. Non-transient probe failures and a
// second consecutive probe failure propagate to the caller.
func (c *Conn) EnsureLive(ctx context.Context) (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eng, err := c.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := eng.ListDatabases(ctx); err == nil {
		return eng, nil
	} else if !IsTransient(err) {
		return nil, err
	}

	c.logger.Warn(ctx, "engine liveness probe failed, reconnecting")
	c.state = StateReconnecting
	_ = eng.Close()
	c.engine = nil

	if err := sleepCtx(ctx, c.retryDelay); err != nil {
		c.state = StateDisconnected
		return nil, err
	}
	if err := c.connectLocked(ctx); err != nil {
		c.state = StateDisconnected
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	if _, err := c.engine.ListDatabases(ctx); err != nil {
		_ = c.engine.Close()
		c.engine = nil
		c.state = StateDisconnected
		return nil, fmt.Errorf("engine unavailable after reconnect: %w", err)
	}

	c.state = StateConnected
	c.logger.Info(ctx, "engine reconnected")
	return c.engine, nil
}

// sessionLocked returns the current engine. A connection left down by a
// failed reconnect is redialed here, so a past outage never outlives the
// outage itself. Callers hold c.mu.
func (c *Conn) sessionLocked(ctx context.Context) (Engine, error) {
	switch c.state {
	case StateClosed:
		return nil, &Error{Kind: KindInvalid, Op: "handle", Message: "connection closed"}
	case StateConnected:
		return c.engine, nil
	case StateDisconnected:
		if !c.opened {
			return nil, &Error{Kind: KindInvalid, Op: "handle", Message: "connection not open"}
		}
		c.logger.Warn(ctx, "engine connection down, redialing")
		c.state = StateConnecting
		if err := c.connectLocked(ctx); err != nil {
			c.state = StateDisconnected
			return nil, err
		}
		c.state = StateConnected
		return c.engine, nil
	default:
		return nil, &Error{Kind: KindInvalid, Op: "handle", Message: "connection not open"}
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the session down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed

	if c.engine != nil {
		err := c.engine.Close()
		c.engine = nil
		return err
	}
	return nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
