package intake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAccumulator_panics(t *testing.T) {
	t.Run(`nil processor`, func(t *testing.T) {
		require.Panics(t, func() {
			NewAccumulator[int](nil, nil)
		})
	})

	t.Run(`both flush mechanisms disabled`, func(t *testing.T) {
		require.Panics(t, func() {
			NewAccumulator[int](&Config{MaxSize: -1, FlushInterval: -1}, func(context.Context, []int) error { return nil })
		})
	})

	t.Run(`defaults are usable`, func(t *testing.T) {
		var called int32
		a := NewAccumulator[int](nil, func(ctx context.Context, items []int) error {
			atomic.AddInt32(&called, 1)
			return nil
		})
		defer a.Close()

		h, err := a.Offer(context.Background(), 1)
		require.NoError(t, err)
		require.NoError(t, h.Wait(context.Background()))
		require.Equal(t, int32(1), atomic.LoadInt32(&called))
	})
}

func TestAccumulator_batchesBySize(t *testing.T) {
	var batches [][]int
	var mu sync.Mutex

	a := NewAccumulator[int](&Config{MaxSize: 4, FlushInterval: -1}, func(ctx context.Context, items []int) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]int(nil), items...)
		batches = append(batches, cp)
		return nil
	})
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := a.Offer(context.Background(), i)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	var total int
	for _, b := range batches {
		total += len(b)
		require.LessOrEqual(t, len(b), 4)
	}
	require.Equal(t, 8, total)
}

func TestAccumulator_flushInterval(t *testing.T) {
	done := make(chan struct{})
	a := NewAccumulator[int](&Config{MaxSize: -1, FlushInterval: time.Millisecond}, func(ctx context.Context, items []int) error {
		close(done)
		return nil
	})
	defer a.Close()

	_, err := a.Offer(context.Background(), 1)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(`flush never happened`)
	}
}

func TestAccumulator_drainFinishesPendingWork(t *testing.T) {
	var processed int32
	a := NewAccumulator[int](&Config{MaxSize: 100, FlushInterval: time.Hour}, func(ctx context.Context, items []int) error {
		atomic.AddInt32(&processed, int32(len(items)))
		return nil
	})

	for i := 0; i < 10; i++ {
		_, err := a.Offer(context.Background(), i)
		require.NoError(t, err)
	}

	require.NoError(t, a.Drain(context.Background()))
	require.Equal(t, int32(10), atomic.LoadInt32(&processed))
}
