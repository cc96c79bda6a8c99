package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks append and delivery statistics.
type Stats struct {
	appended     atomic.Uint64
	requests     atomic.Uint64
	appendErrors atomic.Uint64
	expected     atomic.Uint64 // appended records that match the watched filter

	received   atomic.Uint64
	duplicates atomic.Uint64
	outOfOrder atomic.Uint64
	streamErrs atomic.Uint64

	// Latencies in microseconds
	mu              sync.Mutex
	appendLatencies []int64
	eventLatencies  []int64
}

func NewStats() *Stats {
	return &Stats{
		appendLatencies: make([]int64, 0, 10000),
		eventLatencies:  make([]int64, 0, 100000),
	}
}

// RecordAppend records one successful append request of n records,
// matching of which pass the watched filter.
func (s *Stats) RecordAppend(n, matching int, latency time.Duration) {
	s.requests.Add(1)
	s.appended.Add(uint64(n))
	s.expected.Add(uint64(matching))

	s.mu.Lock()
	s.appendLatencies = append(s.appendLatencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) RecordAppendError() {
	s.appendErrors.Add(1)
}

// RecordEvent records one delivered event and its end-to-end latency
func (s *Stats) RecordEvent(latency time.Duration) {
	s.received.Add(1)
	if latency < 0 {
		latency = 0
	}

	s.mu.Lock()
	s.eventLatencies = append(s.eventLatencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) RecordDuplicate() {
	s.duplicates.Add(1)
}

func (s *Stats) RecordOutOfOrder() {
	s.outOfOrder.Add(1)
}

func (s *Stats) RecordStreamError() {
	s.streamErrs.Add(1)
}

// Percentiles returns p50, p90, p99 and max of a latency sample
func Percentiles(samples []int64) (p50, p90, p99, max int64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100], sorted[n-1]
}

// Snapshot is a copy of the counters
type Snapshot struct {
	Appended     uint64
	Requests     uint64
	AppendErrors uint64
	Expected     uint64
	Received     uint64
	Duplicates   uint64
	OutOfOrder   uint64
	StreamErrors uint64
}

func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Appended:     s.appended.Load(),
		Requests:     s.requests.Load(),
		AppendErrors: s.appendErrors.Load(),
		Expected:     s.expected.Load(),
		Received:     s.received.Load(),
		Duplicates:   s.duplicates.Load(),
		OutOfOrder:   s.outOfOrder.Load(),
		StreamErrors: s.streamErrs.Load(),
	}
}

// PrintFinal prints final statistics. watchers is the number of push
// subscribers, each of which should see every expected record.
func (s *Stats) PrintFinal(elapsed time.Duration, watchers int) {
	snap := s.GetSnapshot()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Append rate:   %.2f records/sec\n", float64(snap.Appended)/elapsed.Seconds())
	fmt.Printf("Delivery rate: %.2f events/sec\n", float64(snap.Received)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("Records:")
	fmt.Printf("  Appended:      %d (%d requests, %d errors)\n", snap.Appended, snap.Requests, snap.AppendErrors)
	if watchers > 0 {
		want := snap.Expected * uint64(watchers)
		fmt.Printf("  Expected:      %d (%d per watcher)\n", want, snap.Expected)
		fmt.Printf("  Received:      %d\n", snap.Received)
		fmt.Printf("  Duplicates:    %d\n", snap.Duplicates)
		fmt.Printf("  Out of order:  %d\n", snap.OutOfOrder)
		fmt.Printf("  Stream errors: %d\n", snap.StreamErrors)
	}
	fmt.Println()

	s.mu.Lock()
	ap50, ap90, ap99, amax := Percentiles(s.appendLatencies)
	ep50, ep90, ep99, emax := Percentiles(s.eventLatencies)
	s.mu.Unlock()

	fmt.Println("Latency (microseconds):")
	fmt.Printf("  Append  P50: %d  P90: %d  P99: %d  Max: %d\n", ap50, ap90, ap99, amax)
	if watchers > 0 {
		fmt.Printf("  Deliver P50: %d  P90: %d  P99: %d  Max: %d\n", ep50, ep90, ep99, emax)
	}
}
