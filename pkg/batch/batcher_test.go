package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) process(_ context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int(nil), items...))
	return nil
}

func (r *recorder) all() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[int](3, time.Hour, rec.process)
	defer b.Stop()

	b.Add(1)
	b.Add(2)
	b.Add(3)

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.all())
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[int](100, 10*time.Millisecond, rec.process)
	defer b.Stop()

	b.Add(7)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_StopFlushesRemaining(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[int](100, time.Hour, rec.process)

	for i := 0; i < 5; i++ {
		b.Add(i)
	}
	b.Stop()
	b.Stop()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, rec.all())
}

func TestBatcher_ReportsErrors(t *testing.T) {
	failure := errors.New("store down")
	b := NewBatcher[int](1, time.Hour, func(context.Context, []int) error { return failure })

	got := make(chan error, 1)
	b.OnError(func(err error) {
		select {
		case got <- err:
		default:
		}
	})
	b.Add(1)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, failure)
	case <-time.After(time.Second):
		t.Fatal("error callback not called")
	}
	b.Stop()
}
