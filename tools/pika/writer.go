package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// record is the admin API form of a change record
type record struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	After      map[string]any `json:"after"`
	OccurredAt int64          `json:"occurred_at"`
}

// Writer appends generated create records through the admin API.
type Writer struct {
	id      int
	config  *Config
	client  *http.Client
	stats   *Stats
	counter *atomic.Uint64
	rng     *rand.Rand
}

func NewWriter(id int, config *Config, client *http.Client, stats *Stats, counter *atomic.Uint64) *Writer {
	return &Writer{
		id:      id,
		config:  config,
		client:  client,
		stats:   stats,
		counter: counter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Batch builds the next n records and reports how many pass the watched
// amount threshold
func (w *Writer) Batch(n int) ([]record, int) {
	batch := make([]record, n)
	matching := 0
	for i := range batch {
		seq := w.counter.Add(1)
		amount := 1 + w.rng.Intn(w.config.AmountMax)
		if amount > w.config.MinAmount {
			matching++
		}
		batch[i] = record{
			EntityType: w.config.EntityType,
			EntityID:   fmt.Sprintf("bench-%d-%012d", w.id, seq),
			Operation:  "create",
			After: map[string]any{
				"id":     fmt.Sprintf("bench-%d-%012d", w.id, seq),
				"amount": amount,
			},
			OccurredAt: time.Now().UnixMilli(),
		}
	}
	return batch, matching
}

// Run appends until quota records are written or ctx ends. A negative
// quota runs until ctx ends.
func (w *Writer) Run(ctx context.Context, quota int, wg *sync.WaitGroup) {
	defer wg.Done()

	written := 0
	for quota < 0 || written < quota {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n := w.config.BatchSize
		if quota >= 0 && quota-written < n {
			n = quota - written
		}
		batch, matching := w.Batch(n)

		start := time.Now()
		if err := w.append(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.stats.RecordAppendError()
			continue
		}
		w.stats.RecordAppend(n, matching, time.Since(start))
		written += n
	}
}

func (w *Writer) append(ctx context.Context, batch []record) error {
	body, err := json.Marshal(map[string]any{"records": batch})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/admin/shards/%s/records", w.config.AdminURL, w.config.Shard)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.AdminToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("append returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// executeAppend spreads the record quota over the configured writers
func executeAppend(ctx context.Context, config *Config, stats *Stats) {
	client := &http.Client{Timeout: 30 * time.Second}
	counter := &atomic.Uint64{}

	quota := config.Records
	if config.Duration > 0 {
		quota = -1
	}

	var wg sync.WaitGroup
	for i := 0; i < config.Threads; i++ {
		share := -1
		if quota >= 0 {
			share = quota / config.Threads
			if i < quota%config.Threads {
				share++
			}
		}
		wg.Add(1)
		go NewWriter(i, config, client, stats, counter).Run(ctx, share, &wg)
	}
	wg.Wait()
}
