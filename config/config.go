package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	DataDir     string `mapstructure:"data_dir"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
	SnapshotURL string `mapstructure:"snapshot_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds database settings.
type DBConfig struct {
	File string `mapstructure:"file"` // SQLite database file
}

// StreamConfig holds camera stream acquisition settings.
type StreamConfig struct {
	ConnectRetries  int           `mapstructure:"connect_retries"`  // attempts before a session start fails
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`    // wait between connect attempts
	StaggerInterval time.Duration `mapstructure:"stagger_interval"` // per-camera startup stagger unit
	StaggerSlots    int           `mapstructure:"stagger_slots"`    // camera_id % slots selects the stagger delay
	ActiveCheck     time.Duration `mapstructure:"active_check"`     // how often the loop re-reads camera.is_active
	DisplayWidth    int           `mapstructure:"display_width"`
	DisplayHeight   int           `mapstructure:"display_height"`
}

// DetectionConfig holds uniform classifier settings.
type DetectionConfig struct {
	ModelPath           string  `mapstructure:"model_path"`
	ConfigPath          string  `mapstructure:"config_path"`
	ClassesPath         string  `mapstructure:"classes_path"`         // one label per line; optional
	InputSize           int     `mapstructure:"input_size"`           // square inference resolution
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"` // floor applied at inference time
	NMSThreshold        float64 `mapstructure:"nms_threshold"`
	Backend             string  `mapstructure:"backend"` // "default", "cuda", "opencl"
}

// TrackingConfig holds identity tracker settings.
type TrackingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	MaxAge      int     `mapstructure:"max_age"`      // frames a lost track stays alive
	ConfirmHits int     `mapstructure:"confirm_hits"` // consecutive associations before a track is confirmed
	IoUFloor    float64 `mapstructure:"iou_floor"`    // minimum overlap for motion association
	MaxCosine   float64 `mapstructure:"max_cosine"`   // appearance distance gate
}

// EscalationConfig holds the warning/violation policy knobs.
type EscalationConfig struct {
	RecordThreshold    float64       `mapstructure:"record_threshold"`     // floor for persisting any detection
	SnapshotThreshold  float64       `mapstructure:"snapshot_threshold"`   // stricter floor for violation images
	Cooldown           time.Duration `mapstructure:"cooldown"`             // fallback dedup window
	WarningThreshold   int           `mapstructure:"warning_threshold"`    // warnings before a violation is kept
	WarningExpiryDays  int           `mapstructure:"warning_expiry_days"`  // rolling window for active warnings
	AdminFlagThreshold int           `mapstructure:"admin_flag_threshold"` // identified violations before auto-flagging
}

// MQTTConfig holds settings for the event publisher.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// CleanupConfig holds background maintenance settings.
type CleanupConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RetentionDays int           `mapstructure:"retention_days"` // unidentified snapshots older than this are purged
}

// Load reads configuration from file, environment variables and defaults.
func Load(configPath string) (*Config, error) {
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

	// Environment variables overlay the file values.
	v.AutomaticEnv()
	v.SetEnvPrefix("GATEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.snapshot_dir", "/data/snapshots")
	v.SetDefault("server.snapshot_url", "/snapshots")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/gatewatch.log")

	// DB
	v.SetDefault("db.file", "/data/gatewatch.db")

	// Stream acquisition
	v.SetDefault("stream.connect_retries", 3)
	v.SetDefault("stream.retry_backoff", "2s")
	v.SetDefault("stream.stagger_interval", "500ms")
	v.SetDefault("stream.stagger_slots", 4)
	v.SetDefault("stream.active_check", "5s")
	v.SetDefault("stream.display_width", 800)
	v.SetDefault("stream.display_height", 450)

	// Detection
	v.SetDefault("detection.model_path", "models/uniform/yolov4-uniform.weights")
	v.SetDefault("detection.config_path", "models/uniform/yolov4-uniform.cfg")
	v.SetDefault("detection.classes_path", "models/uniform/classes.txt")
	v.SetDefault("detection.input_size", 416)
	v.SetDefault("detection.confidence_threshold", 0.4)
	v.SetDefault("detection.nms_threshold", 0.45)
	v.SetDefault("detection.backend", "default")

	// Tracking
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.max_age", 30)
	v.SetDefault("tracking.confirm_hits", 3)
	v.SetDefault("tracking.iou_floor", 0.3)
	v.SetDefault("tracking.max_cosine", 0.3)

	// Escalation policy
	v.SetDefault("escalation.record_threshold", 0.5)
	v.SetDefault("escalation.snapshot_threshold", 0.6)
	v.SetDefault("escalation.cooldown", "3s")
	v.SetDefault("escalation.warning_threshold", 2)
	v.SetDefault("escalation.warning_expiry_days", 30)
	v.SetDefault("escalation.admin_flag_threshold", 3)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "gatewatch")
	v.SetDefault("mqtt.topic", "gatewatch/events")

	// Cleanup
	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.retention_days", 30)
}

// ensureDirectories makes sure all required directories exist.
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Server.SnapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	logDir := filepath.Dir(cfg.Log.File)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if cfg.DB.File != "" {
		dbDir := filepath.Dir(cfg.DB.File)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
