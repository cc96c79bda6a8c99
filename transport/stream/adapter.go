package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/maxpert/ripple/transport"
	"github.com/rs/zerolog/log"
)

const (
	AdapterName = "stream"

	DefaultMaxRetries      = 5
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 10 * time.Second
	DefaultRetryMultiplier = 2.0
)

// Config configures one stream adapter
type Config struct {
	Name            string
	Topics          *Topics
	MaxRetries      int // retries after the first attempt
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
}

// ConfigFrom builds an adapter config from a stream section
func ConfigFrom(sc cfg.StreamConfiguration) (Config, error) {
	topics, err := NewTopics(sc.TopicPrefix, sc.Routes)
	if err != nil {
		return Config{}, fmt.Errorf("stream %s: %w", sc.Name, err)
	}
	return Config{
		Name:         sc.Name,
		Topics:       topics,
		MaxRetries:   sc.MaxRetries,
		RetryInitial: time.Duration(sc.RetryInitMS) * time.Millisecond,
		RetryMax:     time.Duration(sc.RetryMaxMS) * time.Millisecond,
	}, nil
}

// Adapter publishes each event as one message. It buffers behind slow
// brokers (Accumulate) rather than ending the subscription.
type Adapter struct {
	config   Config
	producer Producer
	sleep    func(ctx context.Context, d time.Duration) bool
}

func NewAdapter(config Config, producer Producer) (*Adapter, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("stream adapter name is required")
	}
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if config.Topics == nil {
		config.Topics = &Topics{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	return &Adapter{
		config:   config,
		producer: producer,
		sleep:    sleepContext,
	}, nil
}

func (a *Adapter) Name() string {
	return AdapterName
}

func (a *Adapter) Policy() transport.Policy {
	return transport.Accumulate
}

func (a *Adapter) Deliver(ctx context.Context, sub *subscription.Active, ev subscription.Event) transport.Result {
	value, err := transport.NewEnvelope(ev).Marshal()
	if err != nil {
		return transport.Failed(0, fmt.Errorf("failed to encode event: %w", err))
	}

	msg := Message{
		Topic: a.config.Topics.Topic(ev.EntityType, ev.Operation),
		Key:   ev.EntityID,
		Value: value,
	}
	res := a.publishWithRetry(ctx, msg, ev.EventID)
	if res.Status == transport.StatusFailed && ctx.Err() == nil {
		a.RecordFailure(sub, ev, res.Err.Error())
	}
	return res
}

// publishWithRetry retries with capped exponential backoff, up to
// MaxRetries retries after the first attempt
func (a *Adapter) publishWithRetry(ctx context.Context, msg Message, eventID string) transport.Result {
	delay := a.config.RetryInitial
	attempts := 0

	for {
		err := a.producer.Publish(ctx, msg)
		attempts++
		if err == nil {
			telemetry.StreamPublishTotal.With(a.config.Name, "ok").Inc()
			return transport.Delivered(attempts)
		}
		if ctx.Err() != nil {
			return transport.Failed(attempts, ctx.Err())
		}

		telemetry.StreamPublishTotal.With(a.config.Name, "error").Inc()
		if attempts > a.config.MaxRetries {
			return transport.Failed(attempts, fmt.Errorf("exhausted %d retries for topic %s: %w", a.config.MaxRetries, msg.Topic, err))
		}

		log.Warn().
			Err(err).
			Str("sink", a.config.Name).
			Str("topic", msg.Topic).
			Str("event_id", eventID).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !a.sleep(ctx, delay) {
			return transport.Failed(attempts, ctx.Err())
		}

		delay = time.Duration(float64(delay) * a.config.RetryMultiplier)
		if delay > a.config.RetryMax {
			delay = a.config.RetryMax
		}
	}
}

// RecordFailure logs events the fanout layer gave up on
func (a *Adapter) RecordFailure(sub *subscription.Active, ev subscription.Event, reason string) {
	telemetry.StreamPublishTotal.With(a.config.Name, "dropped").Inc()
	log.Error().
		Str("sink", a.config.Name).
		Str("id", sub.ID).
		Str("event_id", ev.EventID).
		Uint64("seq", ev.Sequence).
		Str("reason", reason).
		Msg("Stream event dropped")
}

func (a *Adapter) Close() error {
	return a.producer.Close()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
