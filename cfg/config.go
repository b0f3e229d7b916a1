package cfg

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Role selects which control loop the process runs
type Role string

const (
	RolePublisher Role = "publisher" // Drains the change stream into the broker
	RoleConsumer  Role = "consumer"  // Applies broker messages to the sink table
)

// BrokerConfiguration controls the broker client shared by both roles
type BrokerConfiguration struct {
	Driver                      string   `toml:"driver"` // "kafka-go" or "franz-go"
	Addresses                   []string `toml:"addresses"`
	Topic                       string   `toml:"topic"`
	ClientID                    string   `toml:"client_id"` // Auto-generated from machine ID when empty
	GroupID                     string   `toml:"group_id"`
	ConnectMaxRetries           int      `toml:"connect_max_retries"`
	ConnectRetryIntervalSeconds int      `toml:"connect_retry_interval_seconds"`
	ProbeTimeoutSeconds         int      `toml:"probe_timeout_seconds"`
	MessageTimeoutMS            int      `toml:"message_timeout_ms"`
	Retries                     int      `toml:"retries"`
	RetryBackoffMS              int      `toml:"retry_backoff_ms"`
	RequiredAcks                string   `toml:"required_acks"` // "all", "one" or "none"
	Compression                 string   `toml:"compression"`   // "none", "gzip", "snappy", "lz4" or "zstd"
}

// SourceConfiguration describes the change-stream source database
type SourceConfiguration struct {
	Dialect      string `toml:"dialect"` // "sqlite3", "mysql" or "postgres"
	DSN          string `toml:"dsn"`
	StreamName   string `toml:"stream_name"`
	KeyColumn    string `toml:"key_column"`    // Drains only snapshotted keys when set
	HoldingTable string `toml:"holding_table"` // Temporary snapshot table name
}

// PublisherConfiguration controls batch serialization and delivery draining
type PublisherConfiguration struct {
	Codec                  string   `toml:"codec"` // "json" or "msgpack"
	KeyByStream            bool     `toml:"key_by_stream"`
	ExcludeColumns         []string `toml:"exclude_columns"` // Glob patterns, e.g. "METADATA$*"
	DeliveryPollCount      int      `toml:"delivery_poll_count"`
	DeliveryPollIntervalMS int      `toml:"delivery_poll_interval_ms"`
	FlushTimeoutSeconds    int      `toml:"flush_timeout_seconds"`
	RetainUndelivered      bool     `toml:"retain_undelivered"`
}

// SinkConfiguration describes the table consumed messages are written to
type SinkConfiguration struct {
	Dialect            string `toml:"dialect"`
	DSN                string `toml:"dsn"`
	TargetTable        string `toml:"target_table"` // database.schema.table
	MetadataColumn     string `toml:"metadata_column"`
	ContentColumn      string `toml:"content_column"`
	StatementCacheSize int    `toml:"statement_cache_size"`
}

// ConsumerConfiguration controls polling and backoff on the consume side
type ConsumerConfiguration struct {
	PollTimeoutMS               int     `toml:"poll_timeout_ms"`
	RetryInitialMS              int     `toml:"retry_initial_ms"`
	RetryMaxMS                  int     `toml:"retry_max_ms"`
	RetryMultiplier             float64 `toml:"retry_multiplier"`
	MaxConsecutiveApplyFailures int     `toml:"max_consecutive_apply_failures"` // 0 disables escalation
}

// JobConfiguration holds the publisher sleep intervals
type JobConfiguration struct {
	SuccessSleepSeconds int `toml:"success_sleep_seconds"`
	ErrorSleepSeconds   int `toml:"error_sleep_seconds"`
}

// SpoolConfiguration controls on-disk retention of undelivered batches
type SpoolConfiguration struct {
	Enabled bool   `toml:"enabled"`
	DataDir string `toml:"data_dir"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Level  string `toml:"level"`  // "debug", "info", "warn" or "error"
	Format string `toml:"format"` // "console" or "json"
}

// AdminConfiguration for the health/status/metrics HTTP endpoint
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Role Role `toml:"role"`

	Broker    BrokerConfiguration    `toml:"broker"`
	Source    SourceConfiguration    `toml:"source"`
	Publisher PublisherConfiguration `toml:"publisher"`
	Sink      SinkConfiguration      `toml:"sink"`
	Consumer  ConsumerConfiguration  `toml:"consumer"`
	Job       JobConfiguration       `toml:"job"`
	Spool     SpoolConfiguration     `toml:"spool"`
	Logging   LoggingConfiguration   `toml:"logging"`
	Admin     AdminConfiguration     `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	RoleFlag       = flag.String("role", "", "Process role: publisher or consumer (overrides config)")
)

// Default returns a fresh copy of the default configuration
func Default() *Configuration {
	return &Configuration{
		Role: RolePublisher,

		Broker: BrokerConfiguration{
			Driver:                      "kafka-go",
			Addresses:                   []string{"localhost:9092"},
			Topic:                       "cdc_events",
			GroupID:                     "cdc-relay-consumer",
			ConnectMaxRetries:           5,
			ConnectRetryIntervalSeconds: 10,
			ProbeTimeoutSeconds:         10,
			MessageTimeoutMS:            30000,
			Retries:                     3,
			RetryBackoffMS:              1000,
			RequiredAcks:                "all",
			Compression:                 "none",
		},

		Source: SourceConfiguration{
			Dialect:      "sqlite3",
			DSN:          "file:source.db",
			HoldingTable: "cdc_relay_holding",
		},

		Publisher: PublisherConfiguration{
			Codec:                  "json",
			DeliveryPollCount:      30,
			DeliveryPollIntervalMS: 1000,
			FlushTimeoutSeconds:    30,
			RetainUndelivered:      true,
		},

		Sink: SinkConfiguration{
			Dialect:            "sqlite3",
			DSN:                "file:sink.db",
			MetadataColumn:     "RECORD_METADATA",
			ContentColumn:      "RECORD_CONTENT",
			StatementCacheSize: 16,
		},

		Consumer: ConsumerConfiguration{
			PollTimeoutMS:               1000,
			RetryInitialMS:              100,
			RetryMaxMS:                  30000,
			RetryMultiplier:             2.0,
			MaxConsecutiveApplyFailures: 10,
		},

		Job: JobConfiguration{
			SuccessSleepSeconds: 60,
			ErrorSleepSeconds:   120,
		},

		Spool: SpoolConfiguration{
			Enabled: false,
			DataDir: "./cdc-relay-data",
		},

		Logging: LoggingConfiguration{
			Level:  "info",
			Format: "console",
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI and environment overrides
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

	if *RoleFlag != "" {
		Config.Role = Role(*RoleFlag)
	}

	if err := ApplyEnv(Config, os.LookupEnv); err != nil {
		return err
	}

	if Config.Broker.ClientID == "" {
		Config.Broker.ClientID = generateClientID(Config.Role)
		log.Info().Str("client_id", Config.Broker.ClientID).Msg("Auto-generated client ID")
	}

	if Config.Spool.Enabled {
		if err := os.MkdirAll(Config.Spool.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	return nil
}

// ApplyEnv overlays the recognized environment variables onto c
func ApplyEnv(c *Configuration, lookup func(string) (string, bool)) error {
	if v, ok := lookup("BROKER_ADDRESSES"); ok && v != "" {
		c.Broker.Addresses = splitList(v)
	}
	if v, ok := lookup("BROKER_DRIVER"); ok && v != "" {
		c.Broker.Driver = v
	}
	if v, ok := lookup("TOPIC_NAME"); ok && v != "" {
		c.Broker.Topic = v
	}
	if v, ok := lookup("STREAM_NAME"); ok && v != "" {
		c.Source.StreamName = v
	}
	if v, ok := lookup("SOURCE_DSN"); ok && v != "" {
		c.Source.DSN = v
	}
	if v, ok := lookup("TARGET_TABLE"); ok && v != "" {
		c.Sink.TargetTable = v
	}
	if v, ok := lookup("SINK_DSN"); ok && v != "" {
		c.Sink.DSN = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"JOB_SUCCESS_SLEEP_SECONDS", &c.Job.SuccessSleepSeconds},
		{"JOB_ERROR_SLEEP_SECONDS", &c.Job.ErrorSleepSeconds},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.name, v, err)
		}
		*e.dst = n
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// generateClientID derives a stable client ID from the machine ID
func generateClientID(role Role) string {
	id, err := machineid.ProtectedID("cdc-relay")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read machine ID, using role-only client ID")
		return fmt.Sprintf("cdc-relay-%s", role)
	}
	return fmt.Sprintf("cdc-relay-%s-%08x", role, uint32(xxhash.Sum64String(id)))
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	switch c.Role {
	case RolePublisher, RoleConsumer:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	if len(c.Broker.Addresses) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker topic is required")
	}
	if c.Broker.ConnectMaxRetries < 1 {
		return fmt.Errorf("connect max retries must be >= 1")
	}
	if c.Broker.ConnectRetryIntervalSeconds < 0 {
		return fmt.Errorf("connect retry interval must be >= 0")
	}
	if c.Broker.ProbeTimeoutSeconds < 1 {
		return fmt.Errorf("probe timeout must be >= 1 second")
	}

	validAcks := map[string]bool{"all": true, "one": true, "none": true}
	if !validAcks[c.Broker.RequiredAcks] {
		return fmt.Errorf("invalid required acks: %s", c.Broker.RequiredAcks)
	}

	validCompression := map[string]bool{"none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true}
	if !validCompression[c.Broker.Compression] {
		return fmt.Errorf("invalid compression: %s", c.Broker.Compression)
	}

	validDialects := map[string]bool{"sqlite3": true, "mysql": true, "postgres": true}

	switch c.Role {
	case RolePublisher:
		if c.Source.StreamName == "" {
			return fmt.Errorf("source stream name is required")
		}
		if !validDialects[c.Source.Dialect] {
			return fmt.Errorf("invalid source dialect: %s", c.Source.Dialect)
		}
		// Server databases see rows committed after the snapshot; only a
		// keyed drain limits the delete to what was read
		if c.Source.Dialect != "sqlite3" && c.Source.KeyColumn == "" {
			return fmt.Errorf("source key column is required for %s", c.Source.Dialect)
		}
		if c.Source.DSN == "" {
			return fmt.Errorf("source dsn is required")
		}
		if c.Source.HoldingTable == "" {
			return fmt.Errorf("source holding table is required")
		}
		if c.Publisher.Codec != "json" && c.Publisher.Codec != "msgpack" {
			return fmt.Errorf("invalid publisher codec: %s", c.Publisher.Codec)
		}
		if c.Publisher.DeliveryPollCount < 0 {
			return fmt.Errorf("delivery poll count must be >= 0")
		}
		if c.Publisher.FlushTimeoutSeconds < 1 {
			return fmt.Errorf("flush timeout must be >= 1 second")
		}
		if c.Spool.Enabled && c.Spool.DataDir == "" {
			return fmt.Errorf("spool data dir is required when spool is enabled")
		}

	case RoleConsumer:
		if c.Sink.TargetTable == "" {
			return fmt.Errorf("sink target table is required")
		}
		if !validDialects[c.Sink.Dialect] {
			return fmt.Errorf("invalid sink dialect: %s", c.Sink.Dialect)
		}
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink dsn is required")
		}
		if c.Sink.MetadataColumn == "" || c.Sink.ContentColumn == "" {
			return fmt.Errorf("sink metadata and content columns are required")
		}
		if c.Broker.GroupID == "" {
			return fmt.Errorf("consumer group id is required")
		}
		if c.Consumer.PollTimeoutMS < 1 {
			return fmt.Errorf("poll timeout must be >= 1ms")
		}
		if c.Consumer.RetryMultiplier < 1 {
			return fmt.Errorf("retry multiplier must be >= 1")
		}
		if c.Consumer.MaxConsecutiveApplyFailures < 0 {
			return fmt.Errorf("max consecutive apply failures must be >= 0")
		}
	}

	if c.Job.SuccessSleepSeconds < 0 {
		return fmt.Errorf("job success sleep must be >= 0")
	}
	if c.Job.ErrorSleepSeconds < 0 {
		return fmt.Errorf("job error sleep must be >= 0")
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	return nil
}

// Durations derived from the integer settings.

func (b BrokerConfiguration) ConnectRetryInterval() time.Duration {
	return time.Duration(b.ConnectRetryIntervalSeconds) * time.Second
}

func (b BrokerConfiguration) ProbeTimeout() time.Duration {
	return time.Duration(b.ProbeTimeoutSeconds) * time.Second
}

func (b BrokerConfiguration) MessageTimeout() time.Duration {
	return time.Duration(b.MessageTimeoutMS) * time.Millisecond
}

func (b BrokerConfiguration) RetryBackoff() time.Duration {
	return time.Duration(b.RetryBackoffMS) * time.Millisecond
}

func (p PublisherConfiguration) DeliveryPollInterval() time.Duration {
	return time.Duration(p.DeliveryPollIntervalMS) * time.Millisecond
}

func (p PublisherConfiguration) FlushTimeout() time.Duration {
	return time.Duration(p.FlushTimeoutSeconds) * time.Second
}

func (c ConsumerConfiguration) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func (c ConsumerConfiguration) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMS) * time.Millisecond
}

func (c ConsumerConfiguration) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

func (j JobConfiguration) SuccessSleep() time.Duration {
	return time.Duration(j.SuccessSleepSeconds) * time.Second
}

func (j JobConfiguration) ErrorSleep() time.Duration {
	return time.Duration(j.ErrorSleepSeconds) * time.Second
}

// LogSummary logs every recognized option for the active role
func (c *Configuration) LogSummary() {
	log.Info().
		Str("role", string(c.Role)).
		Str("driver", c.Broker.Driver).
		Strs("broker_addresses", c.Broker.Addresses).
		Str("topic", c.Broker.Topic).
		Str("client_id", c.Broker.ClientID).
		Int("job_success_sleep_seconds", c.Job.SuccessSleepSeconds).
		Int("job_error_sleep_seconds", c.Job.ErrorSleepSeconds).
		Str("log_level", c.Logging.Level).
		Msg("Configuration")

	switch c.Role {
	case RolePublisher:
		log.Info().
			Str("dialect", c.Source.Dialect).
			Str("stream_name", c.Source.StreamName).
			Str("key_column", c.Source.KeyColumn).
			Str("codec", c.Publisher.Codec).
			Strs("exclude_columns", c.Publisher.ExcludeColumns).
			Int("delivery_poll_count", c.Publisher.DeliveryPollCount).
			Int("flush_timeout_seconds", c.Publisher.FlushTimeoutSeconds).
			Bool("retain_undelivered", c.Publisher.RetainUndelivered).
			Bool("spool", c.Spool.Enabled).
			Msg("Publisher configuration")
	case RoleConsumer:
		log.Info().
			Str("dialect", c.Sink.Dialect).
			Str("target_table", c.Sink.TargetTable).
			Str("group_id", c.Broker.GroupID).
			Int("poll_timeout_ms", c.Consumer.PollTimeoutMS).
			Int("max_consecutive_apply_failures", c.Consumer.MaxConsecutiveApplyFailures).
			Msg("Consumer configuration")
	}
}
