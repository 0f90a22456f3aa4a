package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the main application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Detector DetectorConfig `mapstructure:"detector"`
	Session  SessionConfig  `mapstructure:"session"`
	Camera   CameraConfig   `mapstructure:"camera"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	I18n     I18nConfig     `mapstructure:"i18n"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	DataDir       string   `mapstructure:"data_dir"`
	Timezone      string   `mapstructure:"timezone"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	SessionSecret string   `mapstructure:"session_secret"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// DBConfig holds settings for the detection archive
type DBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// DetectorConfig holds settings for the remote detection service
type DetectorConfig struct {
	URL            string        `mapstructure:"url"`
	HealthPath     string        `mapstructure:"health_path"`
	DetectPath     string        `mapstructure:"detect_path"`
	APIKey         string        `mapstructure:"api_key"`
	DetectTimeout  time.Duration `mapstructure:"detect_timeout"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"` // 0 disables background checks
}

// SessionConfig holds settings for the detection session
type SessionConfig struct {
	HistoryCapacity int    `mapstructure:"history_capacity"`
	DefaultMode     string `mapstructure:"default_mode"`
}

// CameraConfig holds settings for the local capture device
type CameraConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	DeviceID     int  `mapstructure:"device_id"`
	MaxDimension int  `mapstructure:"max_dimension"` // frames are downscaled to fit this size
	JPEGQuality  int  `mapstructure:"jpeg_quality"`
}

// MQTTConfig holds settings for the MQTT publisher
type MQTTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Broker        string `mapstructure:"broker"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	ClientID      string `mapstructure:"client_id"`
	TopicPrefix   string `mapstructure:"topic_prefix"`
	HomeAssistant bool   `mapstructure:"homeassistant"` // publish discovery configs
}

// CleanupConfig holds settings for archive retention
type CleanupConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

// I18nConfig holds localization settings
type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// MetricsConfig holds Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads the configuration from an optional .env file, the config file,
// environment variables and defaults
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Environment variables override the file
	v.SetEnvPrefix("WASTESORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if cfg.Server.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.Server.SessionSecret = secret
		log.Warn("server.session_secret is not set, using a random secret. Language preferences are reset on restart.")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the session cannot run with
func (c *Config) Validate() error {
	if c.Detector.URL == "" {
		return errors.New("detector.url must not be empty")
	}
	if c.Session.HistoryCapacity <= 0 {
		return fmt.Errorf("session.history_capacity must be positive, got %d", c.Session.HistoryCapacity)
	}
	if c.Detector.DetectTimeout <= 0 {
		return fmt.Errorf("detector.detect_timeout must be positive, got %s", c.Detector.DetectTimeout)
	}
	if c.Detector.HealthTimeout <= 0 {
		return fmt.Errorf("detector.health_timeout must be positive, got %s", c.Detector.HealthTimeout)
	}
	switch c.Session.DefaultMode {
	case "single", "multi":
	default:
		return fmt.Errorf("session.default_mode must be single or multi, got %q", c.Session.DefaultMode)
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// setDefaults sets the default values for every known key
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.timezone", "UTC")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.session_secret", "")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", "text")

	// Archive
	v.SetDefault("db.enabled", true)
	v.SetDefault("db.file", "/data/wastesort.db")

	// Detection service
	v.SetDefault("detector.url", "http://localhost:5001")
	v.SetDefault("detector.health_path", "/health")
	v.SetDefault("detector.detect_path", "/detect")
	v.SetDefault("detector.api_key", "")
	v.SetDefault("detector.detect_timeout", 20*time.Second)
	v.SetDefault("detector.health_timeout", 5*time.Second)
	v.SetDefault("detector.health_interval", time.Duration(0))

	// Session
	v.SetDefault("session.history_capacity", 10)
	v.SetDefault("session.default_mode", "single")

	// Camera
	v.SetDefault("camera.enabled", false)
	v.SetDefault("camera.device_id", 0)
	v.SetDefault("camera.max_dimension", 640)
	v.SetDefault("camera.jpeg_quality", 80)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "wastesort-go")
	v.SetDefault("mqtt.topic_prefix", "wastesort")
	v.SetDefault("mqtt.homeassistant", false)

	// Cleanup
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval", 24*time.Hour)

	// I18n
	v.SetDefault("i18n.default_language", "en")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// ensureDirectories makes sure that all required directories exist
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.Enabled && cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
