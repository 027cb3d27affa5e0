package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCoordinator(t *testing.T) {
	c := NewCoordinator(nil)
	require.NotNil(t, c)
	assert.Equal(t, 500*time.Millisecond, c.cfg.DebounceWindow)
	assert.Equal(t, 5*time.Second, c.cfg.FlushTimeout)
	require.NoError(t, c.Close())
}

func TestCoordinator_Persist(t *testing.T) {
	t.Run("immediate mode executes right away", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		var executed atomic.Int64
		h := c.Persist("n1", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{Mode: ModeImmediate})

		require.NoError(t, h.Wait(context.Background()))
		assert.Equal(t, int64(1), executed.Load())
	})

	t.Run("debounce coalesces rapid writes into one", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: 30 * time.Millisecond})
		defer c.Close()

		var executed atomic.Int64
		var handles []*Handle
		for i := 0; i < 5; i++ {
			h := c.Persist("n1", func(ctx context.Context) error {
				executed.Add(1)
				return nil
			}, Options{})
			handles = append(handles, h)
		}

		// Every handle completes, including the superseded ones.
		for _, h := range handles {
			require.NoError(t, h.Wait(context.Background()))
		}
		assert.Equal(t, int64(1), executed.Load())

		m := c.Metrics()
		assert.Equal(t, int64(1), m.Executed)
		assert.Equal(t, int64(4), m.Superseded)
	})

	t.Run("superseded handle completes without error", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		first := c.Persist("n1", func(ctx context.Context) error { return nil }, Options{})
		second := c.Persist("n1", func(ctx context.Context) error { return nil }, Options{})

		// First is replaced before its timer fires.
		require.NoError(t, first.Wait(context.Background()))

		require.Empty(t, c.FlushAll(nil, time.Second))
		require.NoError(t, second.Wait(context.Background()))
	})

	t.Run("write error surfaces on handle", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Millisecond})
		defer c.Close()

		boom := errors.New("backend down")
		h := c.Persist("n1", func(ctx context.Context) error { return boom }, Options{})
		assert.ErrorIs(t, h.Wait(context.Background()), boom)
		assert.Equal(t, int64(1), c.Metrics().Failures)
	})

	t.Run("distinct nodes do not coalesce", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: 10 * time.Millisecond})
		defer c.Close()

		var executed atomic.Int64
		h1 := c.Persist("n1", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})
		h2 := c.Persist("n2", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})

		require.NoError(t, h1.Wait(context.Background()))
		require.NoError(t, h2.Wait(context.Background()))
		assert.Equal(t, int64(2), executed.Load())
	})

	t.Run("closed coordinator rejects work", func(t *testing.T) {
		c := NewCoordinator(nil)
		require.NoError(t, c.Close())

		h := c.Persist("n1", func(ctx context.Context) error { return nil }, Options{})
		assert.ErrorIs(t, h.Wait(context.Background()), ErrClosed)
	})
}

func TestCoordinator_Dependencies(t *testing.T) {
	t.Run("write waits for dependency barrier", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Millisecond})
		defer c.Close()

		barrier := make(chan struct{})
		var order []string
		var mu sync.Mutex

		h := c.Persist("child", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "child")
			mu.Unlock()
			return nil
		}, Options{
			Mode: ModeImmediate,
			Dependencies: []Dependency{{
				Wait: func(ctx context.Context) error {
					<-barrier
					mu.Lock()
					order = append(order, "barrier")
					mu.Unlock()
					return nil
				},
			}},
		})

		// The write must not start until the barrier opens.
		select {
		case <-h.Done():
			t.Fatal("write completed before dependency")
		case <-time.After(50 * time.Millisecond):
		}

		close(barrier)
		require.NoError(t, h.Wait(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"barrier", "child"}, order)
	})

	t.Run("node dependency awaits that node's pending write", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		release := make(chan struct{})
		var parentDone atomic.Bool

		c.Persist("parent", func(ctx context.Context) error {
			<-release
			parentDone.Store(true)
			return nil
		}, Options{})

		h := c.Persist("child", func(ctx context.Context) error {
			assert.True(t, parentDone.Load(), "child wrote before parent")
			return nil
		}, Options{
			Mode:         ModeImmediate,
			Dependencies: []Dependency{{NodeID: "parent"}},
		})

		// Fire the parent's debounced write and let it finish.
		go c.FlushAll([]string{"parent"}, time.Second)
		time.Sleep(20 * time.Millisecond)
		close(release)

		require.NoError(t, h.Wait(context.Background()))
	})
}

func TestCoordinator_CancelPending(t *testing.T) {
	t.Run("cancels a scheduled write", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		var executed atomic.Int64
		h := c.Persist("n1", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})

		require.True(t, c.IsPending("n1"))
		assert.True(t, c.CancelPending("n1"))
		assert.False(t, c.IsPending("n1"))

		// Cancellation is not an error.
		require.NoError(t, h.Wait(context.Background()))
		assert.Equal(t, int64(0), executed.Load())
		assert.Equal(t, int64(1), c.Metrics().Cancelled)
	})

	t.Run("no-op when nothing scheduled", func(t *testing.T) {
		c := NewCoordinator(nil)
		defer c.Close()
		assert.False(t, c.CancelPending("missing"))
	})
}

func TestCoordinator_FlushAll(t *testing.T) {
	t.Run("forces scheduled writes immediately", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		var executed atomic.Int64
		c.Persist("n1", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})
		c.Persist("n2", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})

		failed := c.FlushAll(nil, time.Second)
		assert.Empty(t, failed)
		assert.Equal(t, int64(2), executed.Load())
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("reports nodes that fail", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		c.Persist("bad", func(ctx context.Context) error {
			return errors.New("rejected")
		}, Options{})

		failed := c.FlushAll(nil, time.Second)
		assert.Equal(t, []string{"bad"}, failed)
	})

	t.Run("reports nodes that exceed the timeout", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Millisecond})

		release := make(chan struct{})
		c.Persist("slow", func(ctx context.Context) error {
			<-release
			return nil
		}, Options{Mode: ModeImmediate})
		time.Sleep(10 * time.Millisecond)

		failed := c.FlushAll(nil, 30*time.Millisecond)
		assert.Equal(t, []string{"slow"}, failed)

		close(release)
		c.Close()
	})

	t.Run("filters to requested nodes", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})
		defer c.Close()

		var n1 atomic.Int64
		c.Persist("n1", func(ctx context.Context) error {
			n1.Add(1)
			return nil
		}, Options{})
		c.Persist("n2", func(ctx context.Context) error { return nil }, Options{})

		require.Empty(t, c.FlushAll([]string{"n1"}, time.Second))
		assert.Equal(t, int64(1), n1.Load())
		assert.True(t, c.IsPending("n2"))
	})
}

func TestCoordinator_WaitForPersistence(t *testing.T) {
	// WaitForPersistence observes in-flight work without firing
	// scheduled timers.
	c := NewCoordinator(&Config{DebounceWindow: time.Hour})
	defer c.Close()

	var executed atomic.Int64
	c.Persist("n1", func(ctx context.Context) error {
		executed.Add(1)
		return nil
	}, Options{})

	assert.Empty(t, c.WaitForPersistence([]string{"n1"}, 50*time.Millisecond))
	assert.Equal(t, int64(0), executed.Load())
	assert.True(t, c.IsPending("n1"))
}

func TestCoordinator_Metrics_Latency(t *testing.T) {
	c := NewCoordinator(&Config{DebounceWindow: time.Millisecond})
	defer c.Close()

	h := c.Persist("n1", func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}, Options{})
	require.NoError(t, h.Wait(context.Background()))

	m := c.Metrics()
	assert.GreaterOrEqual(t, m.MaxLatency, 5*time.Millisecond)
	assert.Greater(t, m.AvgLatency, time.Duration(0))
}

func TestCoordinator_Close(t *testing.T) {
	t.Run("flushes outstanding work", func(t *testing.T) {
		c := NewCoordinator(&Config{DebounceWindow: time.Hour})

		var executed atomic.Int64
		c.Persist("n1", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}, Options{})

		require.NoError(t, c.Close())
		assert.Equal(t, int64(1), executed.Load())
	})

	t.Run("idempotent", func(t *testing.T) {
		c := NewCoordinator(nil)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
	})
}
