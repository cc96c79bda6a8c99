// Package poller moves committed change records from a Store to a router.
//
// Delivery is at-least-once: a batch is handed off first and the checkpoint
// is advanced only after the handoff resolves, so a crash in between makes
// the next poller redeliver the same batch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/notify"
	"github.com/maxpert/ripple/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading records per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when the log is drained
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed store operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

var (
	// ErrInvariant means the store returned records out of order or at or
	// below the checkpoint. The poller stops rather than guess.
	ErrInvariant = errors.New("poller: change log ordering invariant violated")

	// ErrStopped is returned when a blocking call is interrupted by Stop
	ErrStopped = errors.New("poller: stopped")
)

// Dispatcher receives batches. The returned future resolves once the batch
// has been accepted (or explicitly overflowed) by every downstream sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch changelog.Batch) *future.Future[error]
}

// Config configures a Poller
type Config struct {
	Shard           string               // Checkpoint key and log label
	Store           changelog.Store      // Change log to read
	Dispatcher      Dispatcher           // Router receiving batches
	Wake            <-chan notify.Signal // Optional append signals
	BatchSize       int                  // Records per poll cycle
	PollInterval    time.Duration        // Sleep when the log is drained
	RetryInitial    time.Duration        // Initial retry delay
	RetryMax        time.Duration        // Max retry delay
	RetryMultiplier float64              // Backoff multiplier
}

// Poller reads one shard of the change log
type Poller struct {
	config     Config
	checkpoint atomic.Uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// New creates a poller positioned at the shard's persisted checkpoint
func New(ctx context.Context, config Config) (*Poller, error) {
	if config.Shard == "" {
		return nil, fmt.Errorf("shard name is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	seq, err := config.Store.GetCheckpoint(ctx, config.Shard)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for shard %s: %w", config.Shard, err)
	}

	p := &Poller{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.checkpoint.Store(seq)
	close(p.doneCh)

	return p, nil
}

// Shard returns the shard name
func (p *Poller) Shard() string {
	return p.config.Shard
}

// Checkpoint returns the last persisted sequence
func (p *Poller) Checkpoint() uint64 {
	return p.checkpoint.Load()
}

// Poll fetches the next batch after the checkpoint without dispatching it
func (p *Poller) Poll(ctx context.Context) (changelog.Batch, error) {
	start := time.Now()
	records, err := p.config.Store.ReadSince(ctx, p.checkpoint.Load(), p.config.BatchSize)
	telemetry.PollDurationSeconds.With(p.config.Shard).Observe(time.Since(start).Seconds())
	if err != nil {
		return changelog.Batch{}, err
	}

	prev := p.checkpoint.Load()
	for i := range records {
		if records[i].Sequence <= prev {
			return changelog.Batch{}, fmt.Errorf("%w: seq %d after %d", ErrInvariant, records[i].Sequence, prev)
		}
		prev = records[i].Sequence
	}

	return changelog.Batch{Shard: p.config.Shard, Records: records}, nil
}

// Start starts the poll goroutine
func (p *Poller) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}

	p.running.Store(true)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.setErr(nil)

	log.Info().
		Str("shard", p.config.Shard).
		Uint64("checkpoint", p.checkpoint.Load()).
		Msg("Starting change log poller")

	go p.pollLoop(p.stopCh, p.doneCh)
}

// Stop stops the poller and waits for the loop to exit
func (p *Poller) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return
	}

	log.Info().Str("shard", p.config.Shard).Msg("Stopping change log poller")

	close(p.stopCh)
	<-p.doneCh
	p.running.Store(false)
}

// Done is closed when the poll loop exits, either stopped or failed
func (p *Poller) Done() <-chan struct{} {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.doneCh
}

// Err returns the fatal error that ended the loop, if any
func (p *Poller) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Run blocks until ctx is cancelled or a fatal error occurs
func (p *Poller) Run(ctx context.Context) error {
	p.Start()
	done := p.Done()

	select {
	case <-ctx.Done():
		p.Stop()
		return nil
	case <-done:
		p.Stop()
		return p.Err()
	}
}

func (p *Poller) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// isFatal reports errors that need an operator instead of a retry
func isFatal(err error) bool {
	return errors.Is(err, changelog.ErrCheckpointCorrupt) ||
		errors.Is(err, changelog.ErrRecordCorrupt) ||
		errors.Is(err, changelog.ErrClosed) ||
		errors.Is(err, ErrInvariant)
}

func (p *Poller) pollLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	shard := p.config.Shard
	retry := p.newBackoff()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		batch, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isFatal(err) {
				log.Error().Err(err).Str("shard", shard).Uint64("checkpoint", p.checkpoint.Load()).
					Msg("Change log poller stopped on fatal error, operator intervention required")
				p.setErr(err)
				return
			}

			telemetry.PollErrorsTotal.With(shard, "read").Inc()
			delay := retry.next()
			log.Warn().Err(err).Str("shard", shard).Dur("retry_delay", delay).Msg("Failed to read change log, retrying")
			if !p.sleep(stopCh, delay) {
				return
			}
			continue
		}
		retry.reset()

		if batch.Len() == 0 {
			if !p.waitForWork(stopCh) {
				return
			}
			continue
		}

		if err := p.handoff(ctx, stopCh, batch); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			delay := retry.next()
			log.Warn().Err(err).Str("shard", shard).Uint64("first_seq", batch.First()).
				Dur("retry_delay", delay).Msg("Batch handoff failed, retrying")
			if !p.sleep(stopCh, delay) {
				return
			}
			continue
		}

		telemetry.PollBatchesTotal.With(shard).Inc()
		telemetry.PollRecordsTotal.With(shard).Add(float64(batch.Len()))
		telemetry.PollBatchSize.With(shard).Observe(float64(batch.Len()))

		if !p.commit(ctx, stopCh, batch.Last()) {
			return
		}
	}
}

// handoff dispatches a batch and waits for the router to resolve it
func (p *Poller) handoff(ctx context.Context, stopCh chan struct{}, batch changelog.Batch) error {
	fut := p.config.Dispatcher.Dispatch(ctx, batch)

	resolved := make(chan error, 1)
	go func() {
		_, err := fut.Get()
		resolved <- err
	}()

	select {
	case err := <-resolved:
		return err
	case <-stopCh:
		return ErrStopped
	}
}

// commit persists the checkpoint, retrying until it sticks or the poller stops
func (p *Poller) commit(ctx context.Context, stopCh chan struct{}, seq uint64) bool {
	retry := p.newBackoff()
	for {
		err := p.config.Store.SetCheckpoint(ctx, p.config.Shard, seq)
		if err == nil {
			p.checkpoint.Store(seq)
			telemetry.CheckpointSequence.With(p.config.Shard).Set(float64(seq))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		telemetry.PollErrorsTotal.With(p.config.Shard, "checkpoint").Inc()
		delay := retry.next()
		log.Warn().Err(err).Str("shard", p.config.Shard).Uint64("seq", seq).Dur("retry_delay", delay).
			Msg("Failed to persist checkpoint, retrying")
		if !p.sleep(stopCh, delay) {
			return false
		}
	}
}

// waitForWork sleeps for the poll interval or until an append signal arrives.
// Returns false if stopped.
func (p *Poller) waitForWork(stopCh chan struct{}) bool {
	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	wake := p.config.Wake
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	case _, ok := <-wake:
		if !ok {
			p.config.Wake = nil
		}
		return true
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (p *Poller) sleep(stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

func (p *Poller) newBackoff() *backoff {
	return &backoff{
		initial:    p.config.RetryInitial,
		max:        p.config.RetryMax,
		multiplier: p.config.RetryMultiplier,
	}
}

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	b.current = time.Duration(float64(b.current) * b.multiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

func (b *backoff) reset() {
	b.current = 0
}
