package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config represents the aurad configuration
type Config struct {
	Audio struct {
		// Device selection. Empty means the first enumerated device.
		Device string `yaml:"device"`

		// Core timing parameters
		SampleRate     int `yaml:"sample_rate"`
		DSPFrameCount  int `yaml:"dsp_frame_count"` // frames handed to the app per cycle
		BufferCycles   int `yaml:"buffer_cycles"`   // hardware cycles buffered per channel
		FramesPerCycle int `yaml:"frames_per_cycle"`

		// Driver tuning
		PeriodsPerBuffer int `yaml:"periods_per_buffer"`

		// Meter window in milliseconds (clamped to 10..1000)
		MeterMs int `yaml:"meter_ms"`

		// Use the mock driver instead of real hardware (testing/headless)
		UseMock bool `yaml:"use_mock"`
	} `yaml:"audio"`

	MIDI struct {
		Enable      bool   `yaml:"enable"`
		ClientName  string `yaml:"client_name"`
		SysExBuffer int    `yaml:"sysex_buffer"` // parser buffer in bytes
	} `yaml:"midi"`

	Surface struct {
		Enable            bool   `yaml:"enable"`
		Instance          string `yaml:"instance"`     // service instance name
		ServiceType       string `yaml:"service_type"` // e.g. _EuConProxy._tcp
		Domain            string `yaml:"domain"`
		Interface         string `yaml:"interface"` // network interface to advertise on
		Port              int    `yaml:"port"`
		TicksPerHeartbeat int    `yaml:"ticks_per_heartbeat"`
		Channels          int    `yaml:"channels"`
	} `yaml:"surface"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxEvents    int    `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		File       string `yaml:"file"`        // log file path
		MaxSize    int    `yaml:"max_size"`    // maximum size in MB
		MaxBackups int    `yaml:"max_backups"` // number of old log files to keep
		MaxAge     int    `yaml:"max_age"`     // maximum age in days
		Compress   bool   `yaml:"compress"`    // compress old log files
		Console    bool   `yaml:"console"`     // also log to console/stdout
		Structured bool   `yaml:"structured"`  // use structured JSON logging
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in defaults for any missing values
func (c *Config) applyDefaults() {
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.DSPFrameCount == 0 {
		c.Audio.DSPFrameCount = 64
	}
	if c.Audio.BufferCycles == 0 {
		c.Audio.BufferCycles = 3
	}
	if c.Audio.FramesPerCycle == 0 {
		c.Audio.FramesPerCycle = 512
	}
	if c.Audio.PeriodsPerBuffer == 0 {
		c.Audio.PeriodsPerBuffer = 2
	}
	if c.Audio.MeterMs == 0 {
		c.Audio.MeterMs = 50
	}

	if c.MIDI.ClientName == "" {
		c.MIDI.ClientName = "aurad"
	}
	if c.MIDI.SysExBuffer == 0 {
		c.MIDI.SysExBuffer = 1024
	}

	if c.Surface.Instance == "" {
		c.Surface.Instance = "MC Mix"
	}
	if c.Surface.ServiceType == "" {
		c.Surface.ServiceType = "_EuConProxy._tcp"
	}
	if c.Surface.Domain == "" {
		c.Surface.Domain = "local"
	}
	if c.Surface.Port == 0 {
		c.Surface.Port = 49168
	}
	if c.Surface.TicksPerHeartbeat == 0 {
		// The session tick interval is 50ms, so 80 ticks is 4 seconds.
		c.Surface.TicksPerHeartbeat = 80
	}
	if c.Surface.Channels == 0 {
		c.Surface.Channels = 8
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}

	if c.Storage.MaxEvents == 0 {
		c.Storage.MaxEvents = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100 // 100MB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30 // 30 days
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Audio.DSPFrameCount <= 0 {
		return fmt.Errorf("audio dsp_frame_count must be positive")
	}
	if c.Audio.BufferCycles < 2 {
		return fmt.Errorf("audio buffer_cycles must be at least 2")
	}
	if c.Audio.MeterMs < 0 {
		return fmt.Errorf("audio meter_ms cannot be negative")
	}
	if c.Surface.Enable && (c.Surface.Port <= 0 || c.Surface.Port > 65535) {
		return fmt.Errorf("surface port %d is out of range", c.Surface.Port)
	}
	if c.Surface.Channels < 1 || c.Surface.Channels > 64 {
		return fmt.Errorf("surface channels must be between 1 and 64")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web port %d is out of range", c.Web.Port)
	}
	return nil
}
