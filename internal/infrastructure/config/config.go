package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for SmartLock Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	CA        CAConfig        `yaml:"ca"`
	OTA       OTAConfig       `yaml:"ota"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings for the HTTP listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains control-plane security settings.
type SecurityConfig struct {
	JWT   JWTConfig   `yaml:"jwt"`
	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig holds the management API's admin credentials.
// PasswordHash is an Argon2id PHC string, never a plaintext password.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// JWTConfig contains JWT token settings for the management API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// CAConfig contains certificate authority settings.
type CAConfig struct {
	// KeysDir is the directory holding ca-key.pem and ca-cert.pem.
	// Created on first run if absent.
	KeysDir string `yaml:"keys_dir"`
}

// OTAConfig contains firmware distribution settings.
type OTAConfig struct {
	// SigningKeyFile is the PEM-encoded RSA private key used to sign
	// firmware digests. Distinct from the CA key.
	SigningKeyFile string `yaml:"signing_key_file"`

	// FirmwareDir is where uploaded firmware binaries are stored.
	FirmwareDir string `yaml:"firmware_dir"`

	// MaxUploadBytes limits the size of an uploaded firmware image.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// DownloadBaseURL is the externally reachable prefix embedded in
	// OTA manifests, e.g. "http://192.168.1.10:8080/api/v1/ota/download".
	DownloadBaseURL string `yaml:"download_base_url"`

	// RolloutTimeout is how long a rollout may sit in pending/in_progress
	// before the reaper marks it failed.
	RolloutTimeout time.Duration `yaml:"rollout_timeout"`

	// ReaperInterval is how often the stale-rollout reaper runs.
	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

// AlertConfig contains failed-attempt detection settings.
type AlertConfig struct {
	// FailureThreshold is the failed-attempt count that triggers an alert.
	FailureThreshold int `yaml:"failure_threshold"`

	// WindowMinutes is the trailing window the threshold applies to.
	WindowMinutes int `yaml:"window_minutes"`

	// CooldownMinutes is the minimum gap between alerts for one device.
	CooldownMinutes int `yaml:"cooldown_minutes"`

	// SweepInterval is how often expired cooldown entries are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SMARTLOCK_SECTION_KEY
// For example: SMARTLOCK_DATABASE_PATH, SMARTLOCK_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/smartlock.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "smartlock-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Admin: AdminConfig{
				Username: "admin",
			},
		},
		CA: CAConfig{
			KeysDir: "./keys",
		},
		OTA: OTAConfig{
			SigningKeyFile:  "./keys/ota-sign.pem",
			FirmwareDir:     "./data/firmware",
			MaxUploadBytes:  8 << 20, // ESP32 app partitions top out well below this
			DownloadBaseURL: "http://localhost:8080/api/v1/ota/download",
			RolloutTimeout:  30 * time.Minute,
			ReaperInterval:  5 * time.Minute,
		},
		Alerts: AlertConfig{
			FailureThreshold: 3,
			WindowMinutes:    3,
			CooldownMinutes:  5,
			SweepInterval:    time.Hour,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SMARTLOCK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SMARTLOCK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SMARTLOCK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SMARTLOCK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SMARTLOCK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("SMARTLOCK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Key material
	if v := os.Getenv("SMARTLOCK_CA_KEYS_DIR"); v != "" {
		cfg.CA.KeysDir = v
	}
	if v := os.Getenv("SMARTLOCK_OTA_SIGNING_KEY"); v != "" {
		cfg.OTA.SigningKeyFile = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("SMARTLOCK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("SMARTLOCK_ADMIN_USERNAME"); v != "" {
		cfg.Security.Admin.Username = v
	}
	if v := os.Getenv("SMARTLOCK_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Security.Admin.PasswordHash = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.CA.KeysDir == "" {
		errs = append(errs, "ca.keys_dir is required")
	}

	if c.OTA.SigningKeyFile == "" {
		errs = append(errs, "ota.signing_key_file is required")
	}
	if c.OTA.FirmwareDir == "" {
		errs = append(errs, "ota.firmware_dir is required")
	}
	if c.OTA.MaxUploadBytes <= 0 {
		errs = append(errs, "ota.max_upload_bytes must be positive")
	}

	if c.Alerts.FailureThreshold < 1 {
		errs = append(errs, "alerts.failure_threshold must be at least 1")
	}
	if c.Alerts.WindowMinutes < 1 {
		errs = append(errs, "alerts.window_minutes must be at least 1")
	}
	if c.Alerts.CooldownMinutes < 1 {
		errs = append(errs, "alerts.cooldown_minutes must be at least 1")
	}

	// Weak or empty secrets would let an attacker forge tokens and reach
	// privileged operations on physical locks.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set SMARTLOCK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Security.Admin.Username == "" {
		errs = append(errs, "security.admin.username is required")
	}
	if c.Security.Admin.PasswordHash == "" {
		errs = append(errs, "security.admin.password_hash is required (set SMARTLOCK_ADMIN_PASSWORD_HASH environment variable)")
	} else if !strings.HasPrefix(c.Security.Admin.PasswordHash, "$argon2id$") {
		errs = append(errs, "security.admin.password_hash must be an argon2id PHC string, not a plaintext password")
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

// AlertWindow returns the failure-count window as a Duration.
func (c *AlertConfig) AlertWindow() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// AlertCooldown returns the per-device alert cooldown as a Duration.
func (c *AlertConfig) AlertCooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
