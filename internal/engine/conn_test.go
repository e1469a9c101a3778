package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a scriptable Engine for connection tests.
type fakeEngine struct {
	mu        sync.Mutex
	listErr   error
	listCalls int
	closed    bool
}

func (f *fakeEngine) ListDatabases(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []string{"default_db"}, nil
}

func (f *fakeEngine) CreateDatabase(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) GetDatabase(ctx context.Context, name string) (Database, error) {
	return nil, &Error{Kind: KindNotFound, Op: "get_database", Message: name}
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func transientErr() error {
	return &Error{Kind: KindTransient, Op: "probe", Message: "connection reset"}
}

func TestConnOpen(t *testing.T) {
	t.Run("succeeds on first dial", func(t *testing.T) {
		eng := &fakeEngine{}
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return eng, nil
		}, ConnOptions{RetryDelay: time.Millisecond})

		require.NoError(t, conn.Open(context.Background()))
		assert.Equal(t, StateConnected, conn.State())
	})

	t.Run("retries transient dial failures", func(t *testing.T) {
		eng := &fakeEngine{}
		attempts := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			attempts++
			if attempts < 3 {
				return nil, transientErr()
			}
			return eng, nil
		}, ConnOptions{Retries: 3, RetryDelay: time.Millisecond})

		require.NoError(t, conn.Open(context.Background()))
		assert.Equal(t, 3, attempts)
	})

	t.Run("fails after exhausting attempts", func(t *testing.T) {
		attempts := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			attempts++
			return nil, transientErr()
		}, ConnOptions{Retries: 3, RetryDelay: time.Millisecond})

		err := conn.Open(context.Background())
		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("non-transient dial error is not retried", func(t *testing.T) {
		attempts := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			attempts++
			return nil, &Error{Kind: KindUnauthorized, Op: "dial", Message: "bad token"}
		}, ConnOptions{Retries: 3, RetryDelay: time.Millisecond})

		err := conn.Open(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, KindUnauthorized, KindOf(err))
	})

	t.Run("runs the OnConnect hook", func(t *testing.T) {
		eng := &fakeEngine{}
		hookCalls := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return eng, nil
		}, ConnOptions{
			RetryDelay: time.Millisecond,
			OnConnect: func(ctx context.Context, e Engine) error {
				hookCalls++
				assert.Same(t, eng, e)
				return nil
			},
		})

		require.NoError(t, conn.Open(context.Background()))
		assert.Equal(t, 1, hookCalls)
	})

	t.Run("failing hook fails the connect and closes the session", func(t *testing.T) {
		eng := &fakeEngine{}
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return eng, nil
		}, ConnOptions{
			RetryDelay: time.Millisecond,
			OnConnect: func(ctx context.Context, e Engine) error {
				return errors.New("provisioning failed")
			},
		})

		err := conn.Open(context.Background())
		require.Error(t, err)
		assert.True(t, eng.closed)
		assert.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("open after close fails", func(t *testing.T) {
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return &fakeEngine{}, nil
		}, ConnOptions{RetryDelay: time.Millisecond})

		require.NoError(t, conn.Close())
		assert.Error(t, conn.Open(context.Background()))
	})
}

func TestConnHandle(t *testing.T) {
	t.Run("returns the session without probing", func(t *testing.T) {
		eng := &fakeEngine{listErr: transientErr()}
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return eng, nil
		}, ConnOptions{RetryDelay: time.Millisecond})

		// Dial probes nothing in the fake path, so clear the error only
		// after Open would have run the hook.
		eng.setListErr(nil)
		require.NoError(t, conn.Open(context.Background()))
		eng.setListErr(transientErr())

		got, err := conn.Handle(context.Background())
		require.NoError(t, err)
		assert.Same(t, eng, got)
	})

	t.Run("fails before open", func(t *testing.T) {
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return &fakeEngine{}, nil
		}, ConnOptions{})

		_, err := conn.Handle(context.Background())
		assert.Error(t, err)
	})
}

func TestConnEnsureLive(t *testing.T) {
	t.Run("healthy session passes through", func(t *testing.T) {
		eng := &fakeEngine{}
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return eng, nil
		}, ConnOptions{RetryDelay: time.Millisecond})
		require.NoError(t, conn.Open(context.Background()))

		got, err := conn.EnsureLive(context.Background())
		require.NoError(t, err)
		assert.Same(t, eng, got)
	})

	t.Run("transient probe failure triggers one reconnect", func(t *testing.T) {
		dead := &fakeEngine{}
		fresh := &fakeEngine{}
		dials := 0
		hookCalls := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			dials++
			if dials == 1 {
				return dead, nil
			}
			return fresh, nil
		}, ConnOptions{
			RetryDelay: time.Millisecond,
			OnConnect: func(ctx context.Context, e Engine) error {
				hookCalls++
				return nil
			},
		})
		require.NoError(t, conn.Open(context.Background()))

		dead.setListErr(transientErr())

		got, err := conn.EnsureLive(context.Background())
		require.NoError(t, err)
		assert.Same(t, fresh, got)
		assert.True(t, dead.closed)
		assert.Equal(t, 2, dials)
		assert.Equal(t, 2, hookCalls, "hook reruns on reconnect")
		assert.Equal(t, StateConnected, conn.State())
	})

	t.Run("second consecutive probe failure is fatal", func(t *testing.T) {
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			return &fakeEngine{listErr: transientErr()}, nil
		}, ConnOptions{Retries: 1, RetryDelay: time.Millisecond})

		// Open succeeds because dial itself does not probe the fake.
		require.NoError(t, conn.Open(context.Background()))

		_, err := conn.EnsureLive(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("recovers once the outage passes", func(t *testing.T) {
		dead := &fakeEngine{}
		fresh := &fakeEngine{}
		dials := 0
		hookCalls := 0
		down := false
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			dials++
			if dials == 1 {
				return dead, nil
			}
			if down {
				return nil, transientErr()
			}
			return fresh, nil
		}, ConnOptions{
			Retries:    1,
			RetryDelay: time.Millisecond,
			OnConnect: func(ctx context.Context, e Engine) error {
				hookCalls++
				return nil
			},
		})
		require.NoError(t, conn.Open(context.Background()))

		// Engine goes away: the probe fails and the redial fails too.
		dead.setListErr(transientErr())
		down = true
		_, err := conn.EnsureLive(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateDisconnected, conn.State())

		// Engine comes back: the next call redials instead of staying
		// down for the life of the process.
		down = false
		got, err := conn.EnsureLive(context.Background())
		require.NoError(t, err)
		assert.Same(t, fresh, got)
		assert.Equal(t, 3, dials)
		assert.Equal(t, 2, hookCalls, "hook reruns on the recovery dial")
		assert.Equal(t, StateConnected, conn.State())

		// Handle takes the same recovery path.
		conn.state = StateDisconnected
		conn.engine = nil
		got, err = conn.Handle(context.Background())
		require.NoError(t, err)
		assert.Same(t, fresh, got)
		assert.Equal(t, StateConnected, conn.State())
	})

	t.Run("non-transient probe failure propagates without reconnect", func(t *testing.T) {
		eng := &fakeEngine{listErr: &Error{Kind: KindUnauthorized, Op: "probe"}}
		dials := 0
		conn := NewConn(func(ctx context.Context) (Engine, error) {
			dials++
			return eng, nil
		}, ConnOptions{RetryDelay: time.Millisecond})
		require.NoError(t, conn.Open(context.Background()))

		_, err := conn.EnsureLive(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindUnauthorized, KindOf(err))
		assert.Equal(t, 1, dials)
	})
}

func TestConnClose(t *testing.T) {
	eng := &fakeEngine{}
	conn := NewConn(func(ctx context.Context) (Engine, error) {
		return eng, nil
	}, ConnOptions{RetryDelay: time.Millisecond})
	require.NoError(t, conn.Open(context.Background()))

	require.NoError(t, conn.Close())
	assert.True(t, eng.closed)
	assert.Equal(t, StateClosed, conn.State())

	// Idempotent.
	require.NoError(t, conn.Close())

	_, err := conn.Handle(context.Background())
	assert.Error(t, err)
}
