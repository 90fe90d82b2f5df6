package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
node:
  mac_address: "aa:bb:cc:dd:ee:ff"
mqtt:
  broker:
    url: "tcp://broker.local:1883"
  qos: 1
api:
  port: 3000
cloud:
  url: "wss://cloud.example.com/socket"
  token: "secret"
backend:
  url: "https://api.example.com"
database:
  path: "/tmp/relay.db"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.MACAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Node.MACAddress = %q, want %q", cfg.Node.MACAddress, "aa:bb:cc:dd:ee:ff")
	}
	if cfg.MQTT.Broker.URL != "tcp://broker.local:1883" {
		t.Errorf("MQTT.Broker.URL = %q", cfg.MQTT.Broker.URL)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}

	// Defaults survive partial YAML
	if cfg.Cloud.ReconnectDelay != 15 {
		t.Errorf("Cloud.ReconnectDelay = %d, want 15", cfg.Cloud.ReconnectDelay)
	}
	if cfg.Cloud.BootstrapRetryDelay != 60 {
		t.Errorf("Cloud.BootstrapRetryDelay = %d, want 60", cfg.Cloud.BootstrapRetryDelay)
	}
	if cfg.WebSocket.Path != "/ws" {
		t.Errorf("WebSocket.Path = %q, want /ws", cfg.WebSocket.Path)
	}
	if cfg.Relay.CloudBatchInterval != 0 {
		t.Errorf("Relay.CloudBatchInterval = %d, want 0", cfg.Relay.CloudBatchInterval)
	}
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("API_URL", "https://api.example.com")
	t.Setenv("CLOUD_SOCKET_URL", "wss://cloud.example.com")
	t.Setenv("MASTERBOX_SECRET_ACCESS_TOKEN", "token")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.URL != "https://api.example.com" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.API.Port != 3000 {
		t.Errorf("API.Port = %d, want 3000", cfg.API.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "cloud: [unterminated"))
	if err == nil {
		t.Fatal("Load() should fail on invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing error", err)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, "mqtt:\n  qos: 5\n"))
	if err == nil {
		t.Fatal("Load() should fail validation")
	}
	if !strings.Contains(err.Error(), "validating config") {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Backend.URL = "https://api.example.com"
		cfg.Cloud.URL = "wss://cloud.example.com"
		cfg.Cloud.Token = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing backend url",
			mutate:  func(c *Config) { c.Backend.URL = "" },
			wantErr: "backend.url",
		},
		{
			name:    "missing cloud url",
			mutate:  func(c *Config) { c.Cloud.URL = "" },
			wantErr: "cloud.url",
		},
		{
			name:    "missing cloud token",
			mutate:  func(c *Config) { c.Cloud.Token = "" },
			wantErr: "cloud.token",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "no broker address",
			mutate: func(c *Config) {
				c.MQTT.Broker.URL = ""
				c.MQTT.Broker.Host = ""
			},
			wantErr: "mqtt.broker",
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "zero reconnect delay",
			mutate:  func(c *Config) { c.Cloud.ReconnectDelay = 0 },
			wantErr: "cloud.reconnect_delay",
		},
		{
			name:    "negative batch interval",
			mutate:  func(c *Config) { c.Relay.CloudBatchInterval = -1 },
			wantErr: "relay.cloud_batch_interval",
		},
		{
			name: "database disabled without path",
			mutate: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Path = ""
			},
		},
		{
			name:    "database enabled without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "file logging without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "logging.file.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Cloud:   CloudConfig{ReconnectDelay: 15, BootstrapRetryDelay: 60, HandshakeTimeout: 10},
		Backend: BackendConfig{Timeout: 5},
		Relay:   RelayConfig{CloudBatchInterval: 250},
	}

	if got := cfg.API.Timeouts.ReadTimeout().Seconds(); got != 30 {
		t.Errorf("ReadTimeout() = %v, want 30", got)
	}
	if got := cfg.API.Timeouts.WriteTimeout().Seconds(); got != 45 {
		t.Errorf("WriteTimeout() = %v, want 45", got)
	}
	if got := cfg.API.Timeouts.IdleTimeout().Seconds(); got != 60 {
		t.Errorf("IdleTimeout() = %v, want 60", got)
	}
	if got := cfg.Cloud.GetReconnectDelay(); got != 15*time.Second {
		t.Errorf("GetReconnectDelay() = %v, want 15s", got)
	}
	if got := cfg.Cloud.GetBootstrapRetryDelay(); got != time.Minute {
		t.Errorf("GetBootstrapRetryDelay() = %v, want 1m", got)
	}
	if got := cfg.Cloud.GetHandshakeTimeout(); got != 10*time.Second {
		t.Errorf("GetHandshakeTimeout() = %v, want 10s", got)
	}
	if got := cfg.Backend.GetTimeout(); got != 5*time.Second {
		t.Errorf("Backend.GetTimeout() = %v, want 5s", got)
	}
	if got := cfg.Relay.GetCloudBatchInterval(); got != 250*time.Millisecond {
		t.Errorf("GetCloudBatchInterval() = %v, want 250ms", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("MQTT_URL", "tcp://mqtt.example.com:1883")
	t.Setenv("RELAY_MQTT_USERNAME", "testuser")
	t.Setenv("RELAY_MQTT_PASSWORD", "testpass")
	t.Setenv("API_URL", "https://api.example.com")
	t.Setenv("CLOUD_SOCKET_URL", "wss://cloud.example.com")
	t.Setenv("MASTERBOX_SECRET_ACCESS_TOKEN", "mb-secret")
	t.Setenv("MAC_ADDRESS", "11:22:33:44:55:66")
	t.Setenv("PORT", "4000")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_DATABASE_PATH", "/custom/path.db")
	t.Setenv("RELAY_INFLUXDB_TOKEN", "influx-token")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"MQTT.Broker.URL", cfg.MQTT.Broker.URL, "tcp://mqtt.example.com:1883"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"Backend.URL", cfg.Backend.URL, "https://api.example.com"},
		{"Cloud.URL", cfg.Cloud.URL, "wss://cloud.example.com"},
		{"Cloud.Token", cfg.Cloud.Token, "mb-secret"},
		{"Node.MACAddress", cfg.Node.MACAddress, "11:22:33:44:55:66"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "influx-token"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	if cfg.API.Port != 4000 {
		t.Errorf("API.Port = %d, want 4000", cfg.API.Port)
	}
}

func TestApplyEnvOverrides_NothingSet(t *testing.T) {
	cfg := defaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}
	if cfg.API.Port != 3000 {
		t.Errorf("API.Port = %d, want 3000", cfg.API.Port)
	}
}

func TestApplyEnvOverrides_KeepsFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cloud.Token != "secret" || cfg.Database.Path != "/tmp/relay.db" {
		t.Errorf("file values lost: token=%q db=%q", cfg.Cloud.Token, cfg.Database.Path)
	}

	t.Setenv("PORT", "4100")
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}
	if cfg.API.Port != 4100 || cfg.Cloud.Token != "secret" {
		t.Errorf("port=%d token=%q, want 4100 and file token", cfg.API.Port, cfg.Cloud.Token)
	}
}

func TestApplyEnvOverrides_BadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if err := applyEnvOverrides(defaultConfig()); err == nil {
		t.Error("applyEnvOverrides() should reject a non-numeric PORT")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 3000 {
		t.Errorf("defaultConfig API.Port = %d, want 3000", cfg.API.Port)
	}
	if cfg.InfluxDB.Enabled {
		t.Error("defaultConfig should leave InfluxDB disabled")
	}
}
