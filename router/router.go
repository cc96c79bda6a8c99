// Package router fans change record batches out to independent sinks.
//
// Each sink owns a bounded FIFO queue drained by its own goroutine. A full
// queue is an overflow for that sink alone; other sinks and the poller keep
// moving.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of batches buffered per sink
const DefaultQueueSize = 1024

// ErrNotRunning is returned from Dispatch before Start or after Stop
var ErrNotRunning = errors.New("router: not running")

// Sink consumes batches in order on a dedicated goroutine
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch changelog.Batch)
}

// OverflowSink is told about batches its queue could not hold.
// Overflow runs on the dispatching goroutine and must not block.
type OverflowSink interface {
	Overflow(batch changelog.Batch)
}

// Config configures a Router
type Config struct {
	Shard     string
	QueueSize int
}

// SinkStats is a point-in-time view of one sink queue
type SinkStats struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Consumed  uint64 `json:"consumed"`
	Overflows uint64 `json:"overflows"`
}

type sinkQueue struct {
	sink      Sink
	ch        chan changelog.Batch
	consumed  atomic.Uint64
	overflows atomic.Uint64
}

// Router dispatches batches from one shard to registered sinks
type Router struct {
	config Config

	mu    sync.RWMutex
	sinks []*sinkQueue

	running     atomic.Bool
	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func New(config Config) *Router {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Router{config: config}
}

// Register adds a sink. Sinks must be registered before Start.
func (r *Router) Register(s Sink) error {
	if r.running.Load() {
		return fmt.Errorf("cannot register sink %q on a running router", s.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, q := range r.sinks {
		if q.sink.Name() == s.Name() {
			return fmt.Errorf("sink %q already registered", s.Name())
		}
	}

	r.sinks = append(r.sinks, &sinkQueue{
		sink: s,
		ch:   make(chan changelog.Batch, r.config.QueueSize),
	})
	return nil
}

// Start launches one consumer goroutine per sink
func (r *Router) Start() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return
	}

	r.stopCh = make(chan struct{})

	r.mu.RLock()
	for _, q := range r.sinks {
		r.wg.Add(1)
		go r.consumeLoop(q, r.stopCh)
	}
	n := len(r.sinks)
	r.mu.RUnlock()

	r.running.Store(true)
	log.Info().Str("shard", r.config.Shard).Int("sinks", n).Msg("Router started")
}

// Stop stops accepting batches and waits for every sink to drain its queue
func (r *Router) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return
	}

	r.running.Store(false)
	close(r.stopCh)
	r.wg.Wait()

	log.Info().Str("shard", r.config.Shard).Msg("Router stopped")
}

// Dispatch enqueues the batch on every sink without blocking. The future
// resolves once every sink has accepted or overflowed the batch.
func (r *Router) Dispatch(ctx context.Context, batch changelog.Batch) *future.Future[error] {
	p := future.NewPromise[error]()

	if !r.running.Load() {
		p.Set(nil, ErrNotRunning)
		return p.Future()
	}
	if err := ctx.Err(); err != nil {
		p.Set(nil, err)
		return p.Future()
	}

	r.mu.RLock()
	for _, q := range r.sinks {
		select {
		case q.ch <- batch:
			telemetry.RouterQueueDepth.With(r.config.Shard, q.sink.Name()).Set(float64(len(q.ch)))
		default:
			r.overflow(q, batch)
		}
	}
	r.mu.RUnlock()

	p.Set(nil, nil)
	return p.Future()
}

func (r *Router) overflow(q *sinkQueue, batch changelog.Batch) {
	q.overflows.Add(1)
	telemetry.RouterOverflowTotal.With(r.config.Shard, q.sink.Name()).Inc()

	log.Warn().
		Str("shard", r.config.Shard).
		Str("sink", q.sink.Name()).
		Uint64("first_seq", batch.First()).
		Uint64("last_seq", batch.Last()).
		Msg("Sink queue full, batch overflowed")

	if os, ok := q.sink.(OverflowSink); ok {
		os.Overflow(batch)
	}
}

func (r *Router) consumeLoop(q *sinkQueue, stopCh chan struct{}) {
	defer r.wg.Done()

	ctx := context.Background()
	for {
		select {
		case batch := <-q.ch:
			r.consume(ctx, q, batch)
		case <-stopCh:
			for {
				select {
				case batch := <-q.ch:
					r.consume(ctx, q, batch)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) consume(ctx context.Context, q *sinkQueue, batch changelog.Batch) {
	q.sink.Consume(ctx, batch)
	q.consumed.Add(1)
	telemetry.RouterQueueDepth.With(r.config.Shard, q.sink.Name()).Set(float64(len(q.ch)))
}

// Stats returns queue statistics for every sink
func (r *Router) Stats() []SinkStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SinkStats, 0, len(r.sinks))
	for _, q := range r.sinks {
		out = append(out, SinkStats{
			Name:      q.sink.Name(),
			Depth:     len(q.ch),
			Capacity:  cap(q.ch),
			Consumed:  q.consumed.Load(),
			Overflows: q.overflows.Load(),
		})
	}
	return out
}
