package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the relay's configuration. Fields with an env tag can be
// overridden from the environment; the unprefixed names are the ones every
// deployed masterbox already sets.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Backend   BackendConfig   `yaml:"backend"`
	Relay     RelayConfig     `yaml:"relay"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig identifies this masterbox.
type NodeConfig struct {
	// MACAddress is the hardware identifier reported to the cloud and the
	// backend. When empty it is discovered from the network interfaces.
	MACAddress string `yaml:"mac_address" env:"MAC_ADDRESS"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	// URL, when set, is used verbatim as the broker address (e.g. "tcp://localhost:1883")
	// and takes precedence over Host/Port/TLS.
	URL      string `yaml:"url" env:"MQTT_URL"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"RELAY_MQTT_USERNAME"`
	Password string `yaml:"password" env:"RELAY_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP server settings for the REST endpoints and local peers.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port" env:"PORT,strict"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the local peer channel.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// CloudConfig contains settings for the outbound cloud socket.
type CloudConfig struct {
	// URL is the cloud socket endpoint (ws:// or wss://).
	URL string `yaml:"url" env:"CLOUD_SOCKET_URL"`

	// Token is the shared secret passed through in the auth payload.
	Token string `yaml:"token" env:"MASTERBOX_SECRET_ACCESS_TOKEN"`

	// ReconnectDelay is the wait after a disconnect before the single
	// reconnect attempt (seconds). Default: 15
	ReconnectDelay int `yaml:"reconnect_delay"`

	// BootstrapRetryDelay is the wait between bootstrap attempts while the
	// node is unassigned or the backend is unreachable (seconds). Default: 60
	BootstrapRetryDelay int `yaml:"bootstrap_retry_delay"`

	// HandshakeTimeout bounds the websocket dial (seconds). Default: 10
	HandshakeTimeout int `yaml:"handshake_timeout"`
}

// BackendConfig contains settings for the backend REST API.
type BackendConfig struct {
	URL            string               `yaml:"url" env:"API_URL"`
	Timeout        int                  `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig guards outbound backend calls.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// 0 disables the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open (seconds).
	ResetTimeout int `yaml:"reset_timeout"`
}

// RelayConfig contains relay engine settings.
type RelayConfig struct {
	// QueueSize is the capacity of the engine's event queue.
	QueueSize int `yaml:"queue_size"`

	// CloudBatchInterval coalesces telemetry sent to cloud subscribers
	// (milliseconds). 0 sends every bus message immediately.
	CloudBatchInterval int `yaml:"cloud_batch_interval"`
}

// DatabaseConfig contains SQLite settings for the link journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path" env:"RELAY_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token" env:"RELAY_INFLUXDB_TOKEN"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level" env:"RELAY_LOG_LEVEL"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load builds the configuration in three layers: defaults, then the YAML
// file at path (a missing file is fine for env-only deployments), then the
// environment. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Env-only deployment
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "masterbox-relay",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 1 << 20,
			PingInterval:   25,
			PongTimeout:    20,
		},
		Cloud: CloudConfig{
			ReconnectDelay:      15,
			BootstrapRetryDelay: 60,
			HandshakeTimeout:    10,
		},
		Backend: BackendConfig{
			Timeout: 30,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30,
			},
		},
		Relay: RelayConfig{
			QueueSize: 1024,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/relay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides copies every set environment variable named in an env
// tag onto cfg. Unset variables leave the file value alone.
func applyEnvOverrides(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.Broker.URL != "" || c.MQTT.Broker.Host != "", "mqtt.broker.url or mqtt.broker.host is required (set MQTT_URL)")
	check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
	check(c.Backend.URL != "", "backend.url is required (set API_URL)")
	check(c.Cloud.URL != "", "cloud.url is required (set CLOUD_SOCKET_URL)")
	check(c.Cloud.Token != "", "cloud.token is required (set MASTERBOX_SECRET_ACCESS_TOKEN)")
	check(c.Cloud.ReconnectDelay > 0, "cloud.reconnect_delay must be positive")
	check(c.Cloud.BootstrapRetryDelay > 0, "cloud.bootstrap_retry_delay must be positive")
	check(c.Relay.QueueSize > 0, "relay.queue_size must be positive")
	check(c.Relay.CloudBatchInterval >= 0, "relay.cloud_batch_interval must not be negative")
	check(!c.Database.Enabled || c.Database.Path != "", "database.path is required when the database is enabled")
	check(!strings.EqualFold(c.Logging.Output, "file") || c.Logging.File.Path != "", "logging.file.path is required when logging.output is file")

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Durations. Config values are plain integers so the YAML stays readable.

func (t APITimeoutConfig) ReadTimeout() time.Duration  { return seconds(t.Read) }
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }
func (t APITimeoutConfig) IdleTimeout() time.Duration  { return seconds(t.Idle) }

func (c CloudConfig) GetReconnectDelay() time.Duration      { return seconds(c.ReconnectDelay) }
func (c CloudConfig) GetBootstrapRetryDelay() time.Duration { return seconds(c.BootstrapRetryDelay) }
func (c CloudConfig) GetHandshakeTimeout() time.Duration    { return seconds(c.HandshakeTimeout) }

func (c BackendConfig) GetTimeout() time.Duration { return seconds(c.Timeout) }

// GetCloudBatchInterval is in milliseconds, unlike the other durations.
func (c RelayConfig) GetCloudBatchInterval() time.Duration {
	return time.Duration(c.CloudBatchInterval) * time.Millisecond
}
