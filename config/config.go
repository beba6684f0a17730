package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Detector DetectorConfig `mapstructure:"detector"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Frigate  FrigateConfig  `mapstructure:"frigate"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	DataDir     string `mapstructure:"data_dir"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
	SnapshotURL string `mapstructure:"snapshot_url"`
	Timezone    string `mapstructure:"timezone"`
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

// Detector backends
const (
	BackendONNX   = "onnx"
	BackendOpenCV = "opencv"
)

// DetectorConfig configures the object-detection model and the predictor around it.
type DetectorConfig struct {
	Backend             string  `mapstructure:"backend"`     // "onnx" or "opencv"
	ModelPath           string  `mapstructure:"model_path"`  // .onnx, .pb, .weights ...
	ConfigPath          string  `mapstructure:"config_path"` // opencv only (.pbtxt, .cfg)
	LabelsPath          string  `mapstructure:"labels_path"` // optional, one label per line
	InputWidth          int     `mapstructure:"input_width"`
	InputHeight         int     `mapstructure:"input_height"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	NMSThreshold        float64 `mapstructure:"nms_threshold"`
	Workers             int     `mapstructure:"workers"`
	TargetLabel         string  `mapstructure:"target_label"`
	UseGPU              bool    `mapstructure:"use_gpu"`
	NetBackend          string  `mapstructure:"net_backend"` // opencv: "default", "cuda", "opencl"
	NetTarget           string  `mapstructure:"net_target"`  // opencv: "cpu", "cuda", "opencl"
	SharedLibraryPath   string  `mapstructure:"shared_library_path"`
	InputName           string  `mapstructure:"input_name"`
	OutputName          string  `mapstructure:"output_name"`
}

// MQTTConfig configures the optional MQTT integration.
type MQTTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Broker        string `mapstructure:"broker"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	ClientID      string `mapstructure:"client_id"`
	SnapshotTopic string `mapstructure:"snapshot_topic"` // raw image payloads to analyse
	ResultTopic   string `mapstructure:"result_topic"`   // verdicts are published here
	StatusTopic   string `mapstructure:"status_topic"`   // online/offline, retained

	HomeAssistant HomeAssistantConfig `mapstructure:"home_assistant"`
}

// HomeAssistantConfig controls MQTT discovery for Home Assistant.
type HomeAssistantConfig struct {
	Discovery       bool   `mapstructure:"discovery"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// FrigateConfig configures event-driven analysis of Frigate NVR snapshots.
// Events arrive over MQTT, so it needs the MQTT integration.
type FrigateConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Host       string   `mapstructure:"host"`
	EventTopic string   `mapstructure:"event_topic"`
	Labels     []string `mapstructure:"labels"`  // empty means every label
	Cameras    []string `mapstructure:"cameras"` // empty means every camera
}

// CleanupConfig holds retention settings.
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// Load reads the configuration from file, environment and defaults.
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

	v.SetEnvPrefix("PERSON_DETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Detector.Backend = strings.ToLower(cfg.Detector.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case BackendONNX, BackendOpenCV:
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if c.Detector.InputWidth <= 0 || c.Detector.InputHeight <= 0 {
		return fmt.Errorf("detector input size must be positive, got %dx%d",
			c.Detector.InputWidth, c.Detector.InputHeight)
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("detector confidence_threshold must be within [0,1], got %v",
			c.Detector.ConfidenceThreshold)
	}
	if c.Detector.NMSThreshold < 0 || c.Detector.NMSThreshold > 1 {
		return fmt.Errorf("detector nms_threshold must be within [0,1], got %v",
			c.Detector.NMSThreshold)
	}
	if c.Detector.TargetLabel == "" {
		return fmt.Errorf("detector target_label must not be empty")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt is enabled but no broker is configured")
	}
	if c.Frigate.Enabled {
		if !c.MQTT.Enabled {
			return fmt.Errorf("frigate integration requires mqtt to be enabled")
		}
		if c.Frigate.Host == "" {
			return fmt.Errorf("frigate is enabled but no host is configured")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.snapshot_dir", "/data/snapshots")
	v.SetDefault("server.snapshot_url", "/snapshots")
	v.SetDefault("server.timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/person-detect.log")

	v.SetDefault("db.file", "/data/person-detect.db")

	// YOLO exports default to 640x640
	v.SetDefault("detector.backend", BackendONNX)
	v.SetDefault("detector.model_path", "/models/yolov8n.onnx")
	v.SetDefault("detector.config_path", "")
	v.SetDefault("detector.labels_path", "")
	v.SetDefault("detector.input_width", 640)
	v.SetDefault("detector.input_height", 640)
	v.SetDefault("detector.confidence_threshold", 0.5)
	v.SetDefault("detector.nms_threshold", 0.45)
	v.SetDefault("detector.workers", 1)
	v.SetDefault("detector.target_label", "person")
	v.SetDefault("detector.use_gpu", false)
	v.SetDefault("detector.net_backend", "default")
	v.SetDefault("detector.net_target", "cpu")
	v.SetDefault("detector.shared_library_path", "")
	v.SetDefault("detector.input_name", "images")
	v.SetDefault("detector.output_name", "output0")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "person-detect-go")
	v.SetDefault("mqtt.snapshot_topic", "frigate/+/person/snapshot")
	v.SetDefault("mqtt.result_topic", "person-detect/result")
	v.SetDefault("mqtt.status_topic", "person-detect/status")
	v.SetDefault("mqtt.home_assistant.discovery", false)
	v.SetDefault("mqtt.home_assistant.discovery_prefix", "homeassistant")

	v.SetDefault("frigate.enabled", false)
	v.SetDefault("frigate.host", "http://frigate:5000")
	v.SetDefault("frigate.event_topic", "frigate/events")
	v.SetDefault("frigate.labels", []string{"person"})
	v.SetDefault("frigate.cameras", []string{})

	v.SetDefault("cleanup.retention_days", 30)
}

func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Server.SnapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
