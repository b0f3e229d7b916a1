package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validPublisher() *Configuration {
	c := Default()
	c.Role = RolePublisher
	c.Source.StreamName = "ORDERS_STREAM"
	return c
}

func validConsumer() *Configuration {
	c := Default()
	c.Role = RoleConsumer
	c.Sink.TargetTable = "main.main.orders_sink"
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, c := range []*Configuration{validPublisher(), validConsumer()} {
		Config = c
		if err := Validate(); err != nil {
			t.Errorf("Expected no error for valid %s config, got: %v", c.Role, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"unknown role", func(c *Configuration) { c.Role = "relay" }},
		{"no brokers", func(c *Configuration) { c.Broker.Addresses = nil }},
		{"no topic", func(c *Configuration) { c.Broker.Topic = "" }},
		{"zero retries", func(c *Configuration) { c.Broker.ConnectMaxRetries = 0 }},
		{"bad acks", func(c *Configuration) { c.Broker.RequiredAcks = "quorum" }},
		{"bad compression", func(c *Configuration) { c.Broker.Compression = "brotli" }},
		{"no stream", func(c *Configuration) { c.Source.StreamName = "" }},
		{"bad source dialect", func(c *Configuration) { c.Source.Dialect = "snowflake" }},
		{"postgres without key", func(c *Configuration) { c.Source.Dialect = "postgres"; c.Source.KeyColumn = "" }},
		{"mysql without key", func(c *Configuration) { c.Source.Dialect = "mysql"; c.Source.KeyColumn = "" }},
		{"bad codec", func(c *Configuration) { c.Publisher.Codec = "avro" }},
		{"zero flush timeout", func(c *Configuration) { c.Publisher.FlushTimeoutSeconds = 0 }},
		{"spool without dir", func(c *Configuration) { c.Spool.Enabled = true; c.Spool.DataDir = "" }},
		{"negative sleep", func(c *Configuration) { c.Job.ErrorSleepSeconds = -1 }},
		{"admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validPublisher()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_KeyedServerSource(t *testing.T) {
	c := validPublisher()
	c.Source.Dialect = "postgres"
	c.Source.DSN = "postgres://relay@localhost/app"
	c.Source.KeyColumn = "ID"
	if err := c.Validate(); err != nil {
		t.Errorf("Expected keyed postgres source to be valid, got: %v", err)
	}

	c.Source.Dialect = "sqlite3"
	c.Source.KeyColumn = ""
	if err := c.Validate(); err != nil {
		t.Errorf("Expected unkeyed sqlite source to be valid, got: %v", err)
	}
}

func TestValidate_ConsumerRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"no target", func(c *Configuration) { c.Sink.TargetTable = "" }},
		{"no group", func(c *Configuration) { c.Broker.GroupID = "" }},
		{"no content column", func(c *Configuration) { c.Sink.ContentColumn = "" }},
		{"multiplier below one", func(c *Configuration) { c.Consumer.RetryMultiplier = 0.5 }},
		{"negative failure bound", func(c *Configuration) { c.Consumer.MaxConsecutiveApplyFailures = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConsumer()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}

	// Publisher-only settings are ignored for consumers
	c := validConsumer()
	c.Source.StreamName = ""
	if err := c.Validate(); err != nil {
		t.Errorf("Expected consumer to ignore missing stream name, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BROKER_ADDRESSES":          "kafka-1:9092, kafka-2:9092,,",
		"TOPIC_NAME":                "orders",
		"STREAM_NAME":               "ORDERS_STREAM",
		"TARGET_TABLE":              "db.public.orders",
		"JOB_SUCCESS_SLEEP_SECONDS": "5",
		"JOB_ERROR_SLEEP_SECONDS":   "7",
		"LOG_LEVEL":                 "DEBUG",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	if err := ApplyEnv(c, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if len(c.Broker.Addresses) != 2 || c.Broker.Addresses[1] != "kafka-2:9092" {
		t.Errorf("Expected two trimmed broker addresses, got %v", c.Broker.Addresses)
	}
	if c.Broker.Topic != "orders" {
		t.Errorf("Expected topic orders, got %s", c.Broker.Topic)
	}
	if c.Source.StreamName != "ORDERS_STREAM" {
		t.Errorf("Expected stream ORDERS_STREAM, got %s", c.Source.StreamName)
	}
	if c.Sink.TargetTable != "db.public.orders" {
		t.Errorf("Expected target db.public.orders, got %s", c.Sink.TargetTable)
	}
	if c.Job.SuccessSleep() != 5*time.Second || c.Job.ErrorSleep() != 7*time.Second {
		t.Errorf("Unexpected job sleeps: %v %v", c.Job.SuccessSleep(), c.Job.ErrorSleep())
	}
	if c.Logging.Level != "debug" {
		t.Errorf("Expected lowercased log level, got %s", c.Logging.Level)
	}
}

func TestApplyEnv_InvalidInteger(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "JOB_ERROR_SLEEP_SECONDS" {
			return "two minutes", true
		}
		return "", false
	}
	if err := ApplyEnv(Default(), lookup); err == nil {
		t.Error("Expected error for non-numeric sleep")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	content := `
role = "consumer"

[broker]
driver = "franz-go"
addresses = ["broker:9092"]
topic = "changes"
client_id = "fixed-client"

[sink]
target_table = "main.main.sink"

[consumer]
poll_timeout_ms = 250
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.Role != RoleConsumer {
		t.Errorf("Expected consumer role, got %s", Config.Role)
	}
	if Config.Broker.Driver != "franz-go" {
		t.Errorf("Expected franz-go driver, got %s", Config.Broker.Driver)
	}
	if Config.Broker.ClientID != "fixed-client" {
		t.Errorf("Expected configured client id to be kept, got %s", Config.Broker.ClientID)
	}
	if Config.Consumer.PollTimeout() != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll timeout, got %v", Config.Consumer.PollTimeout())
	}
	// Untouched sections keep their defaults
	if Config.Sink.ContentColumn != "RECORD_CONTENT" {
		t.Errorf("Expected default content column, got %s", Config.Sink.ContentColumn)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	if err := Load(filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.Broker.Topic != "cdc_events" {
		t.Errorf("Expected default topic, got %s", Config.Broker.Topic)
	}
	if Config.Broker.ClientID == "" {
		t.Error("Expected client id to be generated")
	}
}

func TestDefaultDurations(t *testing.T) {
	c := Default()
	if c.Broker.ConnectRetryInterval() != 10*time.Second {
		t.Errorf("Expected 10s retry interval, got %v", c.Broker.ConnectRetryInterval())
	}
	if c.Publisher.FlushTimeout() != 30*time.Second {
		t.Errorf("Expected 30s flush timeout, got %v", c.Publisher.FlushTimeout())
	}
	if c.Job.SuccessSleep() != time.Minute {
		t.Errorf("Expected 60s success sleep, got %v", c.Job.SuccessSleep())
	}
}
