package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Marchog Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Router      RouterConfig      `yaml:"router"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Health      HealthConfig      `yaml:"health"`
	Automation  AutomationConfig  `yaml:"automation"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Security    SecurityConfig    `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// Enabled false runs the core with device sessions only.
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Topics    MQTTTopicsConfig    `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// MQTTTopicsConfig controls the topic hierarchy shared by the bus and the router.
type MQTTTopicsConfig struct {
	// Root is the first segment of every topic (e.g. "marchog/screen/lobby-1").
	Root string `yaml:"root"`

	// Retained lists topic patterns, relative to Root, whose last payload is
	// held and replayed to new subscribers.
	Retained []string `yaml:"retained"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
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

// WebSocketConfig contains device session endpoint settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
	// RegisterTimeout bounds how long a new session may stay silent before
	// sending its register message.
	RegisterTimeout int `yaml:"register_timeout"`
}

// RouterConfig contains inbound queue settings shared by device sessions
// and the bus listener.
type RouterConfig struct {
	// QueueSize bounds messages waiting for the router. Session reads
	// block while it is full; bus messages beyond it are dropped.
	QueueSize int `yaml:"queue_size"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HealthConfig contains heartbeat staleness settings (seconds).
type HealthConfig struct {
	SweepInterval   int  `yaml:"sweep_interval"`
	StaleThreshold  int  `yaml:"stale_threshold"`
	RecoveryNotices bool `yaml:"recovery_notices"`
}

// AutomationConfig contains schedule evaluation settings.
type AutomationConfig struct {
	// TickInterval is how often schedule triggers are checked (seconds).
	TickInterval int `yaml:"tick_interval"`
	// Timezone is the IANA zone schedule expressions are evaluated in.
	Timezone string `yaml:"timezone"`
}

// DefinitionsConfig points at the scene/automation/layout source.
type DefinitionsConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for the command API.
// An empty secret leaves the command API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// minJWTSecretLength is the shortest secret accepted when one is configured.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file in the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: MARCHOG_SECTION_KEY
// For example: MARCHOG_DATABASE_PATH, MARCHOG_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// A missing .env is the normal case in production.
	_ = godotenv.Load() //nolint:errcheck // optional file

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, used when no file is supplied.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Marchog",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/marchog.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "marchog-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
				MaxAttempts:  0,
			},
			Topics: MQTTTopicsConfig{
				Root:     "marchog",
				Retained: []string{"state/+", "heartbeat/+", "presence/+"},
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8082,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:            "/ws/device",
			MaxMessageSize:  65536,
			PingInterval:    30,
			PongTimeout:     10,
			SendBuffer:      256,
			RegisterTimeout: 10,
		},
		Router: RouterConfig{
			QueueSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Health: HealthConfig{
			SweepInterval:   30,
			StaleThreshold:  90,
			RecoveryNotices: true,
		},
		Automation: AutomationConfig{
			TickInterval: 1,
			Timezone:     "UTC",
		},
		Definitions: DefinitionsConfig{
			Path: "configs/definitions.yaml",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MARCHOG_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MARCHOG_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MARCHOG_MQTT_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Enabled = enabled
		}
	}
	if v := os.Getenv("MARCHOG_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MARCHOG_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MARCHOG_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MARCHOG_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MARCHOG_MQTT_TOPIC_ROOT"); v != "" {
		cfg.MQTT.Topics.Root = v
	}

	// API
	if v := os.Getenv("MARCHOG_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MARCHOG_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Router
	if v := os.Getenv("MARCHOG_ROUTER_QUEUE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Router.QueueSize = size
		}
	}

	// InfluxDB
	if v := os.Getenv("MARCHOG_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Definitions
	if v := os.Getenv("MARCHOG_DEFINITIONS_PATH"); v != "" {
		cfg.Definitions.Path = v
	}

	// Logging
	if v := os.Getenv("MARCHOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security
	if v := os.Getenv("MARCHOG_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Topics.Root == "" || strings.ContainsAny(c.MQTT.Topics.Root, "/+#") {
		errs = append(errs, "mqtt.topics.root must be a single non-empty segment")
	}
	if c.MQTT.Reconnect.InitialDelay > c.MQTT.Reconnect.MaxDelay {
		errs = append(errs, "mqtt.reconnect.initial_delay must not exceed max_delay")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, "websocket.send_buffer must be positive")
	}

	if c.Router.QueueSize < 1 {
		errs = append(errs, "router.queue_size must be positive")
	}

	if c.Health.SweepInterval < 1 {
		errs = append(errs, "health.sweep_interval must be positive")
	}
	if c.Health.StaleThreshold < 1 {
		errs = append(errs, "health.stale_threshold must be positive")
	}

	if c.Automation.TickInterval < 1 {
		errs = append(errs, "automation.tick_interval must be positive")
	}
	if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("automation.timezone %q is not a known zone", c.Automation.Timezone))
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters when set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// SweepInterval returns the health sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Health.SweepInterval) * time.Second
}

// StaleThreshold returns the heartbeat age after which a device is stale.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Health.StaleThreshold) * time.Second
}

// TickInterval returns the automation schedule check period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Automation.TickInterval) * time.Second
}

// Location returns the schedule timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Automation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
