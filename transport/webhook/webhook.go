// Package webhook delivers subscription events as signed HTTP POSTs.
//
// Each event is attempted on a fixed schedule (immediately, then after 1s,
// 5s, 30s and 5m by default) until a 2xx response or MaxAttempts. Events
// that exhaust their attempts are parked in the Ledger as failed and stay
// there until an operator retries them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/maxpert/ripple/transport"
	"github.com/rs/zerolog/log"
)

const (
	AdapterName = "webhook"

	HeaderEventID   = "X-Ripple-Event-Id"
	HeaderAttempt   = "X-Ripple-Delivery-Attempt"
	HeaderSignature = "X-Ripple-Signature"

	signaturePrefix = "sha256="

	DefaultTimeout = 10 * time.Second
)

// DefaultSchedule is the delay before each attempt
var DefaultSchedule = []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute}

var (
	ErrUnknownDelivery = errors.New("webhook: no failed delivery with that key")
	ErrClosed          = errors.New("webhook: adapter is closed")
	ErrUnbound         = errors.New("webhook: endpoint has no active subscription")
)

// Config describes one endpoint
type Config struct {
	Name        string
	URL         string
	Secret      string
	Timeout     time.Duration // per attempt
	Schedule    []time.Duration
	MaxAttempts int
}

// ConfigFrom converts a validated webhook section
func ConfigFrom(wc cfg.WebhookConfiguration) Config {
	schedule := make([]time.Duration, len(wc.ScheduleMS))
	for i, ms := range wc.ScheduleMS {
		schedule[i] = time.Duration(ms) * time.Millisecond
	}
	return Config{
		Name:        wc.Name,
		URL:         wc.URL,
		Secret:      wc.Secret,
		Timeout:     time.Duration(wc.TimeoutMS) * time.Millisecond,
		Schedule:    schedule,
		MaxAttempts: wc.MaxAttempts,
	}
}

// Adapter posts events to one endpoint
type Adapter struct {
	config Config
	client *http.Client
	ledger *Ledger

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time

	// current subscription, used to retry attempts restored after a restart
	bound atomic.Pointer[subscription.Active]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdapter(config Config, client *http.Client, ledger *Ledger) (*Adapter, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("webhook name is required")
	}
	if !strings.HasPrefix(config.URL, "http://") && !strings.HasPrefix(config.URL, "https://") {
		return nil, fmt.Errorf("webhook %s: url must be http or https", config.Name)
	}
	if ledger == nil {
		return nil, fmt.Errorf("webhook %s: ledger is required", config.Name)
	}
	if len(config.Schedule) == 0 {
		config.Schedule = DefaultSchedule
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = len(config.Schedule)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		config: config,
		client: client,
		ledger: ledger,
		sleep:  sleepContext,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (a *Adapter) Name() string {
	return AdapterName
}

func (a *Adapter) Policy() transport.Policy {
	return transport.Accumulate
}

// Endpoint returns the configured endpoint name
func (a *Adapter) Endpoint() string {
	return a.config.Name
}

// Bind sets the subscription this endpoint currently delivers for
func (a *Adapter) Bind(sub *subscription.Active) {
	a.bound.Store(sub)
}

// delay returns the wait before attempt n (1-based); the last schedule
// entry repeats when MaxAttempts exceeds the schedule
func (a *Adapter) delay(n int) time.Duration {
	i := n - 1
	if i >= len(a.config.Schedule) {
		i = len(a.config.Schedule) - 1
	}
	return a.config.Schedule[i]
}

func (a *Adapter) Deliver(ctx context.Context, sub *subscription.Active, ev subscription.Event) transport.Result {
	body, err := transport.NewEnvelope(ev).Marshal()
	if err != nil {
		return transport.Failed(0, fmt.Errorf("failed to encode event: %w", err))
	}

	attempt := DeliveryAttempt{
		Key:            AttemptKey(a.config.Name, sub.ID, ev.EventID),
		Endpoint:       a.config.Name,
		Shard:          ev.Shard,
		EventID:        ev.EventID,
		SubscriptionID: sub.ID,
		Sequence:       ev.Sequence,
		Status:         StatusPending,
	}

	var lastErr error
	for n := 1; n <= a.config.MaxAttempts; n++ {
		if d := a.delay(n); d > 0 {
			attempt.NextRetryAt = a.now().Add(d)
			attempt.UpdatedAt = a.now()
			a.ledger.put(attempt)
			if !a.sleep(ctx, d) {
				return transport.Failed(attempt.AttemptCount, ctx.Err())
			}
		}

		attempt.AttemptCount = n
		attempt.NextRetryAt = time.Time{}
		lastErr = a.post(ctx, ev.EventID, n, body)
		attempt.UpdatedAt = a.now()

		if lastErr == nil {
			telemetry.WebhookAttemptsTotal.With(a.config.Name, "ok").Inc()
			attempt.Status = StatusDelivered
			attempt.LastError = ""
			a.ledger.put(attempt)
			return transport.Delivered(n)
		}
		if ctx.Err() != nil {
			return transport.Failed(n, ctx.Err())
		}

		telemetry.WebhookAttemptsTotal.With(a.config.Name, "error").Inc()
		attempt.LastError = lastErr.Error()
		a.ledger.put(attempt)
		log.Warn().
			Err(lastErr).
			Str("endpoint", a.config.Name).
			Str("event_id", ev.EventID).
			Int("attempt", n).
			Msg("Webhook attempt failed")
	}

	attempt.Status = StatusFailed
	a.markFailed(attempt, sub, ev)
	return transport.Failed(attempt.AttemptCount, lastErr)
}

// RecordFailure parks an event the fanout layer could not buffer
func (a *Adapter) RecordFailure(sub *subscription.Active, ev subscription.Event, reason string) {
	a.markFailed(DeliveryAttempt{
		Key:            AttemptKey(a.config.Name, sub.ID, ev.EventID),
		Endpoint:       a.config.Name,
		Shard:          ev.Shard,
		EventID:        ev.EventID,
		SubscriptionID: sub.ID,
		Sequence:       ev.Sequence,
		Status:         StatusFailed,
		LastError:      reason,
		UpdatedAt:      a.now(),
	}, sub, ev)
}

func (a *Adapter) markFailed(attempt DeliveryAttempt, sub *subscription.Active, ev subscription.Event) {
	a.ledger.fail(a, attempt, sub, ev)
	telemetry.WebhookFailedDeliveries.With(a.config.Name).Set(float64(a.ledger.FailedCount(a.config.Name)))
	log.Error().
		Str("endpoint", a.config.Name).
		Str("id", sub.ID).
		Str("event_id", ev.EventID).
		Uint64("seq", ev.Sequence).
		Int("attempts", attempt.AttemptCount).
		Str("last_error", attempt.LastError).
		Msg("Webhook delivery failed")
}

// redeliver runs a fresh attempt cycle for a failed entry. The archived
// copy is dropped once the new cycle delivers or parks the event again.
func (a *Adapter) redeliver(e failedEntry) error {
	if a.ctx.Err() != nil {
		return ErrClosed
	}
	sub := e.sub
	if sub == nil {
		sub = a.bound.Load()
	}
	if sub == nil {
		return ErrUnbound
	}
	telemetry.WebhookFailedDeliveries.With(a.config.Name).Set(float64(a.ledger.FailedCount(a.config.Name)))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res := a.Deliver(a.ctx, sub, e.event)
		switch {
		case res.Status == transport.StatusDelivered:
			a.ledger.forget(e.attempt)
		case a.ctx.Err() != nil:
			// cut short by Close; the archived copy is retried next run
		case AttemptKey(a.config.Name, sub.ID, e.event.EventID) != e.attempt.Key:
			// parked again under the new subscription's key
			a.ledger.forget(e.attempt)
		}
	}()
	return nil
}

func (a *Adapter) post(ctx context.Context, eventID string, attempt int, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, eventID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if a.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(a.config.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close stops background redeliveries
func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// Sign returns the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
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
