package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Configuration {
	c := Default()
	c.NodeID = 1
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.Server.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid port %d", port)
		}
	}
}

func TestValidate_Shards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		shards []ShardConfiguration
	}{
		{"none", nil},
		{"missing name", []ShardConfiguration{{Backend: StoreMemory, BatchSize: 1, PollIntervalMS: 1}}},
		{"unknown backend", []ShardConfiguration{{Name: "a", Backend: "redis", BatchSize: 1, PollIntervalMS: 1}}},
		{"sql without dsn", []ShardConfiguration{{Name: "a", Backend: StoreSQLite, BatchSize: 1, PollIntervalMS: 1}}},
		{"zero batch", []ShardConfiguration{{Name: "a", Backend: StoreMemory, PollIntervalMS: 1}}},
		{"duplicate", []ShardConfiguration{
			{Name: "a", Backend: StoreMemory, BatchSize: 1, PollIntervalMS: 1},
			{Name: "a", Backend: StoreMemory, BatchSize: 1, PollIntervalMS: 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			Config.Shards = tt.shards
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_FanoutBounds(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Fanout.QueueSize = 100
	Config.Fanout.RetryBound = 10

	if err := Validate(); err == nil {
		t.Error("Expected error when retry bound is below queue size")
	}
}

func TestValidate_PushCompressionLevel(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, level := range []int{0, 1, 4} {
		Config = validConfig()
		Config.Push.CompressionLevel = level
		if err := Validate(); err != nil {
			t.Errorf("Expected level %d to be valid, got: %v", level, err)
		}
	}

	for _, level := range []int{-1, 5} {
		Config = validConfig()
		Config.Push.CompressionLevel = level
		if err := Validate(); err == nil {
			t.Errorf("Expected error for compression level %d", level)
		}
	}
}

func TestValidate_WebhookDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Webhooks = []WebhookConfiguration{{Name: "orders", Subscription: "OrderCreated", URL: "http://example.com/hook"}}

	if err := Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	w := Config.Webhooks[0]
	if w.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", w.MaxAttempts)
	}

	want := []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute}
	got := w.Schedule()
	if len(got) != len(want) {
		t.Fatalf("Expected %d schedule entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("schedule[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestValidate_StreamTypes(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		stream  StreamConfiguration
		wantErr bool
	}{
		{"kafka ok", StreamConfiguration{Name: "k", Type: "kafka", Subscription: "S", Brokers: []string{"localhost:9092"}}, false},
		{"kafka no brokers", StreamConfiguration{Name: "k", Type: "kafka", Subscription: "S"}, true},
		{"nats ok", StreamConfiguration{Name: "n", Type: "nats", Subscription: "S", NatsURL: "nats://localhost:4222"}, false},
		{"nats no url", StreamConfiguration{Name: "n", Type: "nats", Subscription: "S"}, true},
		{"unknown", StreamConfiguration{Name: "x", Type: "pulsar", Subscription: "S"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			Config.Streams = []StreamConfiguration{tt.stream}
			err := Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = filepath.Join(t.TempDir(), "data")

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Server.Port != 4750 {
		t.Errorf("Expected default port, got %d", Config.Server.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "ripple.toml")
	content := `
node_id = 7
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[[shards]]
name = "orders"
backend = "sqlite"
dsn = "file::memory:"
batch_size = 50
poll_interval_ms = 20

[[webhooks]]
name = "billing"
subscription = "OrderCreated"
url = "https://billing.example.com/hook"
secret = "s3cret"
variables = { min_amount = 10 }
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	Config.Shards = nil
	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node id 7, got %d", Config.NodeID)
	}
	if len(Config.Shards) != 1 || Config.Shards[0].Name != "orders" {
		t.Fatalf("Unexpected shards: %+v", Config.Shards)
	}
	if Config.Shards[0].PollInterval() != 20*time.Millisecond {
		t.Errorf("Unexpected poll interval %v", Config.Shards[0].PollInterval())
	}
	if len(Config.Webhooks) != 1 || Config.Webhooks[0].Variables["min_amount"] == nil {
		t.Fatalf("Unexpected webhooks: %+v", Config.Webhooks)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got: %v", err)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "ripple-test-data")

	Config = validConfig()
	Config.DataDir = tempDir

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}
