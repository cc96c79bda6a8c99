package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "append":
		runCommand("append", args, false)
	case "run":
		runCommand("run", args, true)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - Ripple load and delivery latency tool

Usage:
  pika <command> [options]

Commands:
  append    Append generated records through the admin API
  run       Subscribe push watchers, append records and measure delivery
  version   Print version
  help      Show this help

Options:
  --admin-url     Admin API base URL (default: http://127.0.0.1:4750)
  --admin-token   Admin API token
  --push-addr     Push endpoint host:port (default: 127.0.0.1:4750)
  --push-secret   Push shared secret
  --push-token    Push connection_init token
  --shard         Shard to append to (default: default)
  --entity-type   Entity type of generated records (default: Order)
  --subscription  Subscription watchers open (default: OrderCreated)
  --records       Number of records to append (default: 10000)
  --duration      Duration to run (e.g., 60s), overrides --records
  --threads       Concurrent writers (default: 4)
  --batch-size    Records per append request (default: 50)
  --amount-max    Generated amounts fall in [1, amount-max] (default: 2000)
  --watchers      Push subscribers (run only, default: 2)
  --min-amount    min_amount variable for watchers (default: 10)
  --settle        Wait for late deliveries after appends finish (default: 2s)

Examples:
  pika append --admin-url=http://127.0.0.1:4750 --records=50000 --threads=8
  pika run --push-addr=127.0.0.1:4750 --watchers=4 --min-amount=1000 --duration=30s`)
}

func runCommand(name string, args []string, watch bool) {
	config := &Config{}
	fs := flag.NewFlagSet(name, flag.ExitOnError)

	fs.StringVar(&config.AdminURL, "admin-url", "http://127.0.0.1:4750", "Admin API base URL")
	fs.StringVar(&config.AdminToken, "admin-token", "", "Admin API token")
	fs.StringVar(&config.PushAddr, "push-addr", "127.0.0.1:4750", "Push endpoint host:port")
	fs.StringVar(&config.PushSecret, "push-secret", "", "Push shared secret")
	fs.StringVar(&config.PushToken, "push-token", "", "Push connection_init token")
	fs.StringVar(&config.Shard, "shard", "default", "Shard to append to")
	fs.StringVar(&config.EntityType, "entity-type", "Order", "Entity type of generated records")
	fs.StringVar(&config.Subscription, "subscription", "OrderCreated", "Subscription watchers open")
	fs.IntVar(&config.Records, "records", 10000, "Number of records to append")
	fs.DurationVar(&config.Duration, "duration", 0, "Duration to run (overrides --records)")
	fs.IntVar(&config.Threads, "threads", 4, "Concurrent writers")
	fs.IntVar(&config.BatchSize, "batch-size", 50, "Records per append request")
	fs.IntVar(&config.AmountMax, "amount-max", 2000, "Upper bound of generated amounts")
	fs.IntVar(&config.Watchers, "watchers", 2, "Push subscribers")
	fs.IntVar(&config.MinAmount, "min-amount", 10, "min_amount variable for watchers")
	fs.DurationVar(&config.Settle, "settle", 2*time.Second, "Wait for late deliveries after appends finish")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if !watch {
		config.Watchers = 0
	}

	if err := validate(config, watch); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	if err := execute(ctx, config); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

func validate(config *Config, watch bool) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if err := config.needsAdmin(); err != nil {
		return err
	}
	if watch {
		return config.needsPush()
	}
	return nil
}

func execute(ctx context.Context, config *Config) error {
	stats := NewStats()

	watchCtx, stopWatchers := context.WithCancel(ctx)
	defer stopWatchers()

	var watchers sync.WaitGroup
	if config.Watchers > 0 {
		closeConn, err := startWatchers(watchCtx, config, stats, &watchers)
		if err != nil {
			return err
		}
		defer closeConn()
		fmt.Printf("Subscribed %d watchers to %s (min_amount=%d)\n", config.Watchers, config.Subscription, config.MinAmount)
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, stats)

	appendCtx := ctx
	if config.Duration > 0 {
		var cancel context.CancelFunc
		appendCtx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	start := time.Now()
	executeAppend(appendCtx, config, stats)

	if config.Watchers > 0 {
		waitForDeliveries(ctx, stats, uint64(config.Watchers), config.Settle)
	}
	elapsed := time.Since(start)

	stopReport()
	stopWatchers()
	watchers.Wait()
	stats.PrintFinal(elapsed, config.Watchers)

	snap := stats.GetSnapshot()
	if config.Watchers > 0 && snap.Received < snap.Expected*uint64(config.Watchers) {
		return fmt.Errorf("missing deliveries: received %d of %d", snap.Received, snap.Expected*uint64(config.Watchers))
	}
	return nil
}

// waitForDeliveries returns once every watcher has seen every expected
// record or no progress was made for settle
func waitForDeliveries(ctx context.Context, stats *Stats, watchers uint64, settle time.Duration) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	last := stats.GetSnapshot().Received
	lastProgress := time.Now()
	for {
		snap := stats.GetSnapshot()
		if snap.Received >= snap.Expected*watchers {
			return
		}
		if snap.Received != last {
			last = snap.Received
			lastProgress = time.Now()
		}
		if time.Since(lastProgress) > settle {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
