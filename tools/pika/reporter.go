package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] appended/sec: %6d | received/sec: %6d | appended: %8d | received: %8d | errors: %4d\n",
				elapsed.Seconds(),
				snap.Appended-last.Appended,
				snap.Received-last.Received,
				snap.Appended,
				snap.Received,
				snap.AppendErrors+snap.StreamErrors,
			)

			last = snap
		}
	}
}
