package batch

import (
	"context"
	"sync"
	"time"
)

// ProcessFunc handles one flushed batch. Items keep the order they were added.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a ProcessFunc when the batch is
// full or the interval elapses. Add never blocks on the processor.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	process       ProcessFunc[T]
	onError       func(error)

	mu      sync.Mutex
	pending []T

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	// serializes processor calls so batches are applied in order
	processMu sync.Mutex
}

func NewBatcher[T any](batchSize int, batchInterval time.Duration, process ProcessFunc[T]) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if batchInterval <= 0 {
		batchInterval = time.Second
	}

	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		process:       process,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// OnError installs a callback for processor failures raised by background flushes.
func (b *Batcher[T]) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush processes everything pending right now.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.processMu.Lock()
	defer b.processMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	return b.process(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushInBackground()
		case <-b.flushChan:
			b.flushInBackground()
		case <-b.stopChan:
			b.flushInBackground()
			return
		}
	}
}

func (b *Batcher[T]) flushInBackground() {
	if err := b.Flush(context.Background()); err != nil {
		b.mu.Lock()
		onError := b.onError
		b.mu.Unlock()
		if onError != nil {
			onError(err)
		}
	}
}

// Stop flushes what is left and waits for the worker to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	<-b.done
}

func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
