package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	// Create a temporary directory for test files
	tempDir, err := os.MkdirTemp("", "aurad-config-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	t.Run("Valid Config", func(t *testing.T) {
		configContent := `
audio:
  device: "hw:1,0"
  sample_rate: 44100
  dsp_frame_count: 10
  buffer_cycles: 3
  frames_per_cycle: 25
  meter_ms: 50

midi:
  enable: true
  client_name: "aurad-test"

surface:
  enable: true
  instance: "MC Mix - 1"
  port: 49168

web:
  port: 8090
  bind_address: "127.0.0.1"

storage:
  database_path: "/tmp/aurad.db"
  max_events: 5000

logging:
  level: "debug"
  console: true
`
		configPath := filepath.Join(tempDir, "valid.yaml")
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if config.Audio.Device != "hw:1,0" {
			t.Errorf("Expected device hw:1,0, got %s", config.Audio.Device)
		}
		if config.Audio.SampleRate != 44100 {
			t.Errorf("Expected sample rate 44100, got %d", config.Audio.SampleRate)
		}
		if config.Audio.DSPFrameCount != 10 {
			t.Errorf("Expected dsp_frame_count 10, got %d", config.Audio.DSPFrameCount)
		}
		if !config.MIDI.Enable {
			t.Errorf("Expected MIDI enabled")
		}
		if config.Surface.Instance != "MC Mix - 1" {
			t.Errorf("Expected surface instance 'MC Mix - 1', got %s", config.Surface.Instance)
		}
		if config.Web.Port != 8090 {
			t.Errorf("Expected web port 8090, got %d", config.Web.Port)
		}
		if config.Logging.Level != "debug" {
			t.Errorf("Expected logging level debug, got %s", config.Logging.Level)
		}

		if err := config.Validate(); err != nil {
			t.Errorf("Expected valid config, got: %v", err)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "minimal.yaml")
		if err := os.WriteFile(configPath, []byte("audio: {}\n"), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if config.Audio.SampleRate != 48000 {
			t.Errorf("Expected default sample rate 48000, got %d", config.Audio.SampleRate)
		}
		if config.Audio.PeriodsPerBuffer != 2 {
			t.Errorf("Expected default periods_per_buffer 2, got %d", config.Audio.PeriodsPerBuffer)
		}
		if config.Surface.ServiceType != "_EuConProxy._tcp" {
			t.Errorf("Expected default service type _EuConProxy._tcp, got %s", config.Surface.ServiceType)
		}
		if config.Surface.TicksPerHeartbeat != 80 {
			t.Errorf("Expected default ticks_per_heartbeat 80, got %d", config.Surface.TicksPerHeartbeat)
		}
		if config.Surface.Channels != 8 {
			t.Errorf("Expected default surface channels 8, got %d", config.Surface.Channels)
		}
		if config.MIDI.SysExBuffer != 1024 {
			t.Errorf("Expected default sysex_buffer 1024, got %d", config.MIDI.SysExBuffer)
		}
		if config.Logging.Level != "info" {
			t.Errorf("Expected default logging level info, got %s", config.Logging.Level)
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(tempDir, "nope.yaml"))
		if err == nil {
			t.Fatal("Expected an error for a missing file")
		}
		if !strings.Contains(err.Error(), "failed to read config file") {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("Malformed YAML", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "bad.yaml")
		if err := os.WriteFile(configPath, []byte("audio: [\n"), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}

		_, err := LoadConfig(configPath)
		if err == nil {
			t.Fatal("Expected an error for malformed YAML")
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.applyDefaults()
		return c
	}

	t.Run("Bad DSP Frame Count", func(t *testing.T) {
		c := base()
		c.Audio.DSPFrameCount = -1
		if err := c.Validate(); err == nil {
			t.Error("Expected an error for negative dsp_frame_count")
		}
	})

	t.Run("Bad Buffer Cycles", func(t *testing.T) {
		c := base()
		c.Audio.BufferCycles = 1
		if err := c.Validate(); err == nil {
			t.Error("Expected an error for buffer_cycles below 2")
		}
	})

	t.Run("Bad Surface Port", func(t *testing.T) {
		c := base()
		c.Surface.Enable = true
		c.Surface.Port = 100000
		if err := c.Validate(); err == nil {
			t.Error("Expected an error for out of range surface port")
		}
	})

	t.Run("Bad Channel Count", func(t *testing.T) {
		c := base()
		c.Surface.Channels = 65
		if err := c.Validate(); err == nil {
			t.Error("Expected an error for too many surface channels")
		}
	})
}
