package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreBackend selects the change log implementation backing a shard
type StoreBackend string

const (
	StorePebble   StoreBackend = "pebble"
	StoreSQLite   StoreBackend = "sqlite"
	StoreMySQL    StoreBackend = "mysql"
	StorePostgres StoreBackend = "postgres"
	StoreMemory   StoreBackend = "memory"
)

// ShardConfiguration describes one change log partition and its poller
type ShardConfiguration struct {
	Name           string       `toml:"name"`
	Backend        StoreBackend `toml:"backend"`
	Path           string       `toml:"path"` // pebble directory, relative to data_dir when not absolute
	DSN            string       `toml:"dsn"`  // sql/postgres connection string
	Table          string       `toml:"table"`
	ListenChannel  string       `toml:"listen_channel"` // postgres NOTIFY channel used as a wake-up
	RetainRecords  uint64       `toml:"retain_records"` // records kept below the checkpoint for replay
	BatchSize      int          `toml:"batch_size"`
	PollIntervalMS int          `toml:"poll_interval_ms"`
}

// PollerConfiguration controls retry behaviour shared by all pollers
type PollerConfiguration struct {
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// RouterConfiguration controls per-sink queues
type RouterConfiguration struct {
	QueueSize int `toml:"queue_size"` // batches buffered per sink
}

// FanoutConfiguration controls per-subscription queues
type FanoutConfiguration struct {
	QueueSize  int `toml:"queue_size"`  // events buffered for push subscriptions
	RetryBound int `toml:"retry_bound"` // events buffered for retrying transports
}

// SubscriptionsConfiguration points at the compiled subscription catalog
type SubscriptionsConfiguration struct {
	DefinitionsPath string `toml:"definitions_path"`
	BindingCache    int    `toml:"binding_cache"`
	ReplayPageSize  int    `toml:"replay_page_size"`
}

// PushToken maps a bearer token to an identity for connection_init
type PushToken struct {
	Token   string         `toml:"token"`
	Subject string         `toml:"subject"`
	Roles   []string       `toml:"roles"`
	Claims  map[string]any `toml:"claims"`
}

// PushConfiguration controls the push protocol endpoint
type PushConfiguration struct {
	Enabled          bool        `toml:"enabled"`
	Secret           string      `toml:"secret"` // shared secret required in stream metadata, empty disables
	CompressionLevel int         `toml:"compression_level"` // zstd, 0 disables, 1 fastest to 4 best
	InitTimeoutMS    int         `toml:"init_timeout_ms"`
	AllowAnonymous   bool        `toml:"allow_anonymous"`
	KeepaliveSeconds int         `toml:"keepalive_seconds"`
	Tokens           []PushToken `toml:"tokens"`
}

// WebhookConfiguration is one outbound webhook endpoint bound to a subscription
type WebhookConfiguration struct {
	Name         string         `toml:"name"`
	Subscription string         `toml:"subscription"`
	URL          string         `toml:"url"`
	Secret       string         `toml:"secret"`
	TimeoutMS    int            `toml:"timeout_ms"`
	ScheduleMS   []int          `toml:"schedule_ms"`
	MaxAttempts  int            `toml:"max_attempts"`
	Variables    map[string]any `toml:"variables"`
	Subject      string         `toml:"subject"`
	Roles        []string       `toml:"roles"`
}

// StreamRoute overrides the destination for entity types matching a glob
type StreamRoute struct {
	Pattern string `toml:"pattern"`
	Topic   string `toml:"topic"`
}

// StreamConfiguration is one event-stream sink bound to a subscription
type StreamConfiguration struct {
	Name         string         `toml:"name"`
	Type         string         `toml:"type"` // "kafka" or "nats"
	Subscription string         `toml:"subscription"`
	TopicPrefix  string         `toml:"topic_prefix"`
	Brokers      []string       `toml:"brokers"`
	NatsURL      string         `toml:"nats_url"`
	MaxRetries   int            `toml:"max_retries"`
	RetryInitMS  int            `toml:"retry_initial_ms"`
	RetryMaxMS   int            `toml:"retry_max_ms"`
	Variables    map[string]any `toml:"variables"`
	Subject      string         `toml:"subject"`
	Roles        []string       `toml:"roles"`
	Routes       []StreamRoute  `toml:"routes"`
}

// ServerConfiguration controls the shared listener
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// AdminConfiguration controls the operator HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Shards        []ShardConfiguration       `toml:"shards"`
	Poller        PollerConfiguration        `toml:"poller"`
	Router        RouterConfiguration        `toml:"router"`
	Fanout        FanoutConfiguration        `toml:"fanout"`
	Subscriptions SubscriptionsConfiguration `toml:"subscriptions"`
	Push          PushConfiguration          `toml:"push"`
	Webhooks      []WebhookConfiguration     `toml:"webhooks"`
	Streams       []StreamConfiguration      `toml:"streams"`
	Server        ServerConfiguration        `toml:"server"`
	Admin         AdminConfiguration         `toml:"admin"`
	Logging       LoggingConfiguration       `toml:"logging"`
	Prometheus    PrometheusConfiguration    `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Listen port (overrides config)")
)

// DefaultWebhookSchedule is the delay before each webhook attempt
var DefaultWebhookSchedule = []int{0, 1000, 5000, 30000, 300000}

// Default configuration
var Config = Default()

// Default returns a fresh configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./ripple-data",

		Shards: []ShardConfiguration{
			{
				Name:           "default",
				Backend:        StorePebble,
				Path:           "changelog",
				RetainRecords:  100000,
				BatchSize:      100,
				PollIntervalMS: 100,
			},
		},

		Poller: PollerConfiguration{
			RetryInitialMS:  100,
			RetryMaxMS:      30000,
			RetryMultiplier: 2.0,
		},

		Router: RouterConfiguration{
			QueueSize: 1024,
		},

		Fanout: FanoutConfiguration{
			QueueSize:  256,
			RetryBound: 10000,
		},

		Subscriptions: SubscriptionsConfiguration{
			DefinitionsPath: "subscriptions.json",
			BindingCache:    4096,
			ReplayPageSize:  500,
		},

		Push: PushConfiguration{
			Enabled:          true,
			CompressionLevel: 1,
			InitTimeoutMS:    10000,
			KeepaliveSeconds: 30,
		},

		Server: ServerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        4750,
		},

		Admin: AdminConfiguration{
			Enabled: true,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("ripple")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	if len(Config.Shards) == 0 {
		return fmt.Errorf("at least one shard must be configured")
	}

	seen := make(map[string]bool, len(Config.Shards))
	for i := range Config.Shards {
		s := &Config.Shards[i]
		if s.Name == "" {
			return fmt.Errorf("shard %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate shard name: %s", s.Name)
		}
		seen[s.Name] = true

		switch s.Backend {
		case StorePebble, StoreMemory:
		case StoreSQLite, StoreMySQL, StorePostgres:
			if s.DSN == "" {
				return fmt.Errorf("shard %s: dsn is required for backend %s", s.Name, s.Backend)
			}
		default:
			return fmt.Errorf("shard %s: unknown backend %q", s.Name, s.Backend)
		}

		if s.BatchSize < 1 {
			return fmt.Errorf("shard %s: batch size must be >= 1", s.Name)
		}
		if s.PollIntervalMS < 1 {
			return fmt.Errorf("shard %s: poll interval must be >= 1ms", s.Name)
		}
	}

	if Config.Poller.RetryInitialMS < 1 {
		return fmt.Errorf("poller retry initial must be >= 1ms")
	}
	if Config.Poller.RetryMaxMS < Config.Poller.RetryInitialMS {
		return fmt.Errorf("poller retry max must be >= retry initial")
	}
	if Config.Poller.RetryMultiplier < 1 {
		return fmt.Errorf("poller retry multiplier must be >= 1")
	}

	if Config.Router.QueueSize < 1 {
		return fmt.Errorf("router queue size must be >= 1")
	}
	if Config.Fanout.QueueSize < 1 {
		return fmt.Errorf("fanout queue size must be >= 1")
	}
	if Config.Fanout.RetryBound < Config.Fanout.QueueSize {
		return fmt.Errorf("fanout retry bound must be >= queue size")
	}

	if Config.Push.Enabled && Config.Push.InitTimeoutMS < 1 {
		return fmt.Errorf("push init timeout must be >= 1ms")
	}
	if Config.Push.CompressionLevel < 0 || Config.Push.CompressionLevel > 4 {
		return fmt.Errorf("push compression level must be between 0 and 4")
	}

	for i := range Config.Webhooks {
		w := &Config.Webhooks[i]
		if w.Name == "" || w.Subscription == "" || w.URL == "" {
			return fmt.Errorf("webhook %d: name, subscription and url are required", i)
		}
		if len(w.ScheduleMS) == 0 {
			w.ScheduleMS = append([]int(nil), DefaultWebhookSchedule...)
		}
		if w.MaxAttempts == 0 {
			w.MaxAttempts = len(w.ScheduleMS)
		}
		if w.MaxAttempts < 1 {
			return fmt.Errorf("webhook %s: max attempts must be >= 1", w.Name)
		}
		if w.TimeoutMS == 0 {
			w.TimeoutMS = 10000
		}
	}

	for i := range Config.Streams {
		s := &Config.Streams[i]
		if s.Name == "" || s.Subscription == "" {
			return fmt.Errorf("stream %d: name and subscription are required", i)
		}
		switch s.Type {
		case "kafka":
			if len(s.Brokers) == 0 {
				return fmt.Errorf("stream %s: kafka requires brokers", s.Name)
			}
		case "nats":
			if s.NatsURL == "" {
				return fmt.Errorf("stream %s: nats requires nats_url", s.Name)
			}
		default:
			return fmt.Errorf("stream %s: unknown type %q", s.Name, s.Type)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("stream %s: max retries must be >= 0", s.Name)
		}
	}

	return nil
}

// PollInterval returns the shard poll interval as a duration
func (s ShardConfiguration) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// Schedule returns the webhook retry schedule as durations
func (w WebhookConfiguration) Schedule() []time.Duration {
	out := make([]time.Duration, len(w.ScheduleMS))
	for i, ms := range w.ScheduleMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}
