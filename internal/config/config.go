// Package config loads platewatch settings and the persisted camera registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the configuration file.
const (
	EnvVisionAPIKey = "PLATEWATCH_VISION_API_KEY"
	EnvMQTTBroker   = "PLATEWATCH_MQTT_BROKER"
	EnvAWSRegion    = "AWS_REGION"
	EnvLogLevel     = "PLATEWATCH_LOG_LEVEL"
)

// Config represents the complete platewatch configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DataDir      string `yaml:"data_dir"`
	RegistryPath string `yaml:"registry_path"` // defaults to <data_dir>/cameras.json
	RoiDir       string `yaml:"roi_dir"`       // defaults to <data_dir>/roi
	DBPath       string `yaml:"db_path"`       // defaults to <data_dir>/platewatch.db
	DebugDir     string `yaml:"debug_dir"`     // empty disables crop dumps
	StaticDir    string `yaml:"static_dir"`    // web UI, searched for when empty
	LogLevel     string `yaml:"log_level"`
	LogPretty    bool   `yaml:"log_pretty"`
	Tray         bool   `yaml:"tray"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	OCR      OCRConfig      `yaml:"ocr"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Hooks    HooksConfig    `yaml:"hooks"`
}

// PipelineConfig contains per-camera pipeline settings.
type PipelineConfig struct {
	TickIntervalMs int     `yaml:"tick_interval_ms"` // display refresh period
	GateIntervalMs int     `yaml:"gate_interval_ms"` // minimum spacing between recognitions per camera
	DedupThreshold float64 `yaml:"dedup_threshold"`  // mean abs pixel difference, 0-255
	DisplayWidth   int     `yaml:"display_width"`
	DisplayHeight  int     `yaml:"display_height"`
}

// OCRConfig selects and configures the text recognition backend.
type OCRConfig struct {
	Provider          string `yaml:"provider"` // vision, rekognition, tesseract
	VisionEndpoint    string `yaml:"vision_endpoint"`
	VisionAPIKey      string `yaml:"vision_api_key"`
	AWSRegion         string `yaml:"aws_region"`
	TesseractLanguage string `yaml:"tesseract_language"`
	TimeoutMs         int    `yaml:"timeout_ms"` // 0 means no timeout
}

// MQTTConfig contains outbound plate event settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// HooksConfig locates the external programs run for recognized plates.
type HooksConfig struct {
	Dir       string `yaml:"dir"` // defaults to <data_dir>/hooks
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	dataDir := ".platewatch"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".platewatch")
	}

	return Config{
		ListenAddr: ":8080",
		DataDir:    dataDir,
		LogLevel:   "info",
		Pipeline: PipelineConfig{
			TickIntervalMs: 33,
			GateIntervalMs: 1000,
			DedupThreshold: 20,
			DisplayWidth:   640,
			DisplayHeight:  480,
		},
		OCR: OCRConfig{
			Provider:          "vision",
			VisionEndpoint:    "https://vision.googleapis.com/v1/images:annotate",
			AWSRegion:         "us-east-1",
			TesseractLanguage: "eng",
		},
		MQTT: MQTTConfig{
			ClientID:    "platewatch",
			TopicPrefix: "platewatch/plates",
			QoS:         1,
		},
		Hooks: HooksConfig{
			TimeoutMs: 5000,
		},
	}
}

// Load reads a YAML configuration file on top of DefaultConfig, then applies
// .env and environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}
	cfg.applyEnv()

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvVisionAPIKey); ok {
		c.OCR.VisionAPIKey = v
	}
	if v, ok := os.LookupEnv(EnvMQTTBroker); ok {
		c.MQTT.Broker = v
	}
	if v, ok := os.LookupEnv(EnvAWSRegion); ok && v != "" {
		c.OCR.AWSRegion = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

// Resolve fills file locations that were left empty from DataDir.
func (c *Config) Resolve() {
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.DataDir, "cameras.json")
	}
	if c.RoiDir == "" {
		c.RoiDir = filepath.Join(c.DataDir, "roi")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "platewatch.db")
	}
	if c.Hooks.Dir == "" {
		c.Hooks.Dir = filepath.Join(c.DataDir, "hooks")
	}
}

// Validate rejects unusable settings and clamps the rest to defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}

	p := &c.Pipeline
	if p.TickIntervalMs <= 0 {
		p.TickIntervalMs = defaults.Pipeline.TickIntervalMs
	}
	if p.GateIntervalMs <= 0 {
		p.GateIntervalMs = defaults.Pipeline.GateIntervalMs
	}
	if p.DedupThreshold <= 0 || p.DedupThreshold > 255 {
		p.DedupThreshold = defaults.Pipeline.DedupThreshold
	}
	if p.DisplayWidth <= 0 || p.DisplayHeight <= 0 {
		p.DisplayWidth = defaults.Pipeline.DisplayWidth
		p.DisplayHeight = defaults.Pipeline.DisplayHeight
	}

	switch c.OCR.Provider {
	case "":
		c.OCR.Provider = defaults.OCR.Provider
	case "vision", "rekognition", "tesseract":
	default:
		return fmt.Errorf("unknown ocr provider %q", c.OCR.Provider)
	}
	if c.OCR.TimeoutMs < 0 {
		return fmt.Errorf("ocr timeout_ms must not be negative, got %d", c.OCR.TimeoutMs)
	}

	if c.Hooks.TimeoutMs <= 0 {
		c.Hooks.TimeoutMs = defaults.Hooks.TimeoutMs
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaults.MQTT.TopicPrefix
	}

	return nil
}

// TickInterval returns the coordinating loop period.
func (p PipelineConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// GateInterval returns the minimum spacing between recognitions per camera.
func (p PipelineConfig) GateInterval() time.Duration {
	return time.Duration(p.GateIntervalMs) * time.Millisecond
}

// Timeout returns the OCR call timeout, zero for none.
func (o OCRConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// String returns a log-safe summary of the broker target.
func (m MQTTConfig) String() string {
	if m.Broker == "" {
		return "disabled"
	}
	return RedactURL(m.Broker) + " (qos " + strconv.Itoa(int(m.QoS)) + ")"
}

// Timeout returns the per-run hook timeout.
func (h HooksConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}
