package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriterPool_RunsJobs(t *testing.T) {
	pool := NewWriterPool(2, 8, zap.NewNop())
	pool.Start()

	var mu sync.Mutex
	seen := make(map[string]bool)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		require.NoError(t, pool.Submit(context.Background(), WriteJob{
			DocumentID: id,
			Run: func(ctx context.Context) error {
				mu.Lock()
				seen[id] = true
				mu.Unlock()
				return nil
			},
		}))
	}

	pool.Shutdown()

	assert.Len(t, seen, 3)
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestWriterPool_DoneReportsResult(t *testing.T) {
	pool := NewWriterPool(1, 1, zap.NewNop())
	pool.Start()
	defer pool.Shutdown()

	boom := errors.New("boom")
	done := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), WriteJob{
		DocumentID: "d1",
		Run:        func(ctx context.Context) error { return boom },
		Done:       done,
	}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("job result never reported")
	}
	assert.Eventually(t, func() bool { return pool.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterPool_RecoversPanics(t *testing.T) {
	pool := NewWriterPool(1, 1, zap.NewNop())
	pool.Start()
	defer pool.Shutdown()

	done := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), WriteJob{
		Run:  func(ctx context.Context) error { panic("bad write") },
		Done: done,
	}))

	assert.Error(t, <-done)
}

func TestWriterPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWriterPool(1, 1, zap.NewNop())
	pool.Start()
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), WriteJob{Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWriterPool_SubmitHonorsContext(t *testing.T) {
	// no workers started, so the single slot stays occupied
	pool := NewWriterPool(1, 1, zap.NewNop())
	noop := WriteJob{Run: func(ctx context.Context) error { return nil }}
	require.NoError(t, pool.Submit(context.Background(), noop))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, noop), context.DeadlineExceeded)

	pool.Start()
	pool.Shutdown()
}
