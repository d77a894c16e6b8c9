package postproc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Dedup.Window != DefaultDedupWindow {
		t.Errorf("Dedup.Window = %d, want %d", cfg.Dedup.Window, DefaultDedupWindow)
	}
	if cfg.Dedup.Mode != DedupTimeWindow {
		t.Errorf("Dedup.Mode = %q, want %q", cfg.Dedup.Mode, DedupTimeWindow)
	}
	if cfg.Positions.Limit != DefaultPositionLimit {
		t.Errorf("Positions.Limit = %g, want %g", cfg.Positions.Limit, DefaultPositionLimit)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("MQTT.Broker = %q, want empty", cfg.MQTT.Broker)
	}
}

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %q, want it to mention the missing file", err)
	}
}

func TestLoadConfig_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `dedup:
  mode: amplitude
features:
  nearestChans: 6
  dmin: 40
workers: 4
mqtt:
  broker: tcp://localhost:1883
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Dedup.Mode != DedupAmplitude {
		t.Errorf("Dedup.Mode = %q, want amplitude", cfg.Dedup.Mode)
	}
	if cfg.Dedup.Window != DefaultDedupWindow {
		t.Errorf("Dedup.Window = %d, want default %d", cfg.Dedup.Window, DefaultDedupWindow)
	}
	if cfg.Features.NearestChans != 6 || cfg.Features.Dmin != 40 {
		t.Errorf("Features = %+v, want nearestChans 6, dmin 40", cfg.Features)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.MQTT.PublishPrefix != "ks4" {
		t.Errorf("MQTT.PublishPrefix = %q, want default ks4", cfg.MQTT.PublishPrefix)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "dedup: [unclosed"},
		{"zero window", "dedup:\n  window: 0\n"},
		{"unknown mode", "dedup:\n  mode: fastest\n"},
		{"zero nearest chans", "features:\n  nearestChans: 0\n"},
		{"negative dmin", "features:\n  dmin: -1\n"},
		{"negative limit", "positions:\n  limit: -5\n"},
		{"negative workers", "workers: -2\n"},
		{"qos out of range", "mqtt:\n  qos: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Errorf("LoadConfig(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dedup.Window = 30
	cfg.Features.Dminx = 32
	cfg.Log.Format = "json"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Dedup.Window != 30 || loaded.Features.Dminx != 32 || loaded.Log.Format != "json" {
		t.Errorf("loaded config = %+v, want saved values back", loaded)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_CLIENT_ID", "sorter-1")
	t.Setenv("MQTT_USERNAME", "user")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_PUBLISH_PREFIX", "lab")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	want := MQTTConfig{
		Broker:        "tcp://broker:1883",
		PublishPrefix: "lab",
		ClientID:      "sorter-1",
		Username:      "user",
		Password:      "secret",
	}
	if cfg.MQTT != want {
		t.Errorf("MQTT = %+v, want %+v", cfg.MQTT, want)
	}
}
