package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Endpoints
	AdminURL   string
	AdminToken string
	PushAddr   string
	PushSecret string
	PushToken  string

	// Workload
	Shard        string
	EntityType   string
	Subscription string
	Records      int
	Duration     time.Duration
	Threads      int
	BatchSize    int // Records per append request
	AmountMax    int // Amounts are drawn uniformly from [1, AmountMax]

	// Watch options
	Watchers  int
	MinAmount int
	Settle    time.Duration // How long watchers wait for stragglers after writers finish
}

func (c *Config) Validate() error {
	c.AdminURL = strings.TrimRight(strings.TrimSpace(c.AdminURL), "/")

	if c.Shard == "" {
		return fmt.Errorf("shard cannot be empty")
	}

	if c.EntityType == "" {
		return fmt.Errorf("entity type cannot be empty")
	}

	if c.Records < 0 {
		return fmt.Errorf("records must be non-negative")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1")
	}

	if c.AmountMax < 1 {
		return fmt.Errorf("amount-max must be at least 1")
	}

	if c.Watchers < 0 {
		return fmt.Errorf("watchers must be non-negative")
	}

	return nil
}

// needsAdmin reports whether the command appends records
func (c *Config) needsAdmin() error {
	if c.AdminURL == "" {
		return fmt.Errorf("admin-url cannot be empty")
	}
	return nil
}

func (c *Config) needsPush() error {
	if c.PushAddr == "" {
		return fmt.Errorf("push-addr cannot be empty")
	}
	if c.Subscription == "" {
		return fmt.Errorf("subscription cannot be empty")
	}
	return nil
}
