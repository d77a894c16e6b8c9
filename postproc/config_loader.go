package postproc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	Dedup     DedupConfig    `yaml:"dedup" json:"dedup"`
	Features  FeatureConfig  `yaml:"features" json:"features"`
	Positions PositionConfig `yaml:"positions" json:"positions"`
	Workers   int            `yaml:"workers,omitempty" json:"workers,omitempty"`
	Log       LogConfig      `yaml:"log" json:"log"`
	MQTT      MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Render    RenderConfig   `yaml:"render" json:"render"`
}

// DedupConfig selects the duplicate-removal pass
type DedupConfig struct {
	Window int64     `yaml:"window" json:"window"` // samples
	Mode   DedupMode `yaml:"mode" json:"mode"`     // "time" or "amplitude"
}

// FeatureConfig controls feature consolidation and the probe neighborhoods
type FeatureConfig struct {
	NearestChans int     `yaml:"nearestChans" json:"nearestChans"`
	Dmin         float64 `yaml:"dmin,omitempty" json:"dmin,omitempty"`
	Dminx        float64 `yaml:"dminx,omitempty" json:"dminx,omitempty"`
}

// PositionConfig controls the spike position estimator
type PositionConfig struct {
	Limit float64 `yaml:"limit" json:"limit"`
}

// LogConfig controls the logger built by the CLI
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // "text" or "json"
}

// MQTTConfig holds MQTT connection settings for run summaries.
// An empty Broker disables publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS           byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	NoRetain      bool   `yaml:"noRetain,omitempty" json:"noRetain,omitempty"`
}

// RenderConfig controls the position map renderer
type RenderConfig struct {
	Padding    float64 `yaml:"padding,omitempty" json:"padding,omitempty"`       // probe units
	DotRadius  float64 `yaml:"dotRadius,omitempty" json:"dotRadius,omitempty"`   // probe units
	Resolution float64 `yaml:"resolution,omitempty" json:"resolution,omitempty"` // PNG DPI
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Dedup:     DedupConfig{Window: DefaultDedupWindow, Mode: DedupTimeWindow},
		Features:  FeatureConfig{NearestChans: 10},
		Positions: PositionConfig{Limit: DefaultPositionLimit},
		Workers:   1,
		Log:       LogConfig{Level: "info", Format: "text"},
		MQTT:      MQTTConfig{PublishPrefix: "ks4"},
		Render:    RenderConfig{Padding: 20, DotRadius: 1.5, Resolution: 150},
	}
}

// LoadConfig loads the configuration from a YAML file. Fields absent from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive, got %d", c.Dedup.Window)
	}
	switch c.Dedup.Mode {
	case DedupTimeWindow, DedupAmplitude:
	default:
		return fmt.Errorf("dedup.mode must be %q or %q, got %q", DedupTimeWindow, DedupAmplitude, c.Dedup.Mode)
	}
	if c.Features.NearestChans <= 0 {
		return fmt.Errorf("features.nearestChans must be positive, got %d", c.Features.NearestChans)
	}
	if c.Features.Dmin < 0 || c.Features.Dminx < 0 {
		return fmt.Errorf("features.dmin and features.dminx must not be negative")
	}
	if c.Positions.Limit < 0 {
		return fmt.Errorf("positions.limit must not be negative, got %g", c.Positions.Limit)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// ApplyEnv overrides MQTT settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
