package engine

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/aurad/pkg/audio"
	"github.com/dougsko/aurad/pkg/config"
	"github.com/dougsko/aurad/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "aurad-engine-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfgYAML := `
audio:
  use_mock: true
  sample_rate: 48000
  dsp_frame_count: 32
  buffer_cycles: 3
  frames_per_cycle: 64
  meter_ms: 50
storage:
  database_path: ` + filepath.Join(dir, "events.db") + `
logging:
  level: "error"
  console: true
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfgYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func TestEngineLifecycle(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewCoreEngine(cfg)
	if err != nil {
		t.Fatalf("NewCoreEngine failed: %v", err)
	}

	// loop the input straight to the output
	e.SetProcessFunc(func(in, out [][]audio.Sample, iTime, oTime audio.TimeSpec) {
		for c := range out {
			if out[c] == nil {
				continue
			}
			if c < len(in) && in[c] != nil {
				copy(out[c], in[c])
			}
		}
	})

	mock := e.MockDriver()
	if mock == nil {
		t.Fatal("expected the mock driver to be active")
	}
	mock.SetGenerator(func(ch, frame int) audio.Sample {
		return audio.Sample(0.25 * math.Sin(2*math.Pi*440*float64(frame)/48000))
	})

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// let a few hardware cycles through
	deadline := time.Now().Add(2 * time.Second)
	for mock.CycleCount() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mock.CycleCount() < 10 {
		t.Fatal("mock driver produced no cycles")
	}

	st := e.Status("test")
	if len(st.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(st.Devices))
	}
	if !st.Devices[0].Started {
		t.Error("device should report started")
	}
	if st.Audio == nil {
		t.Fatal("expected audio status")
	}

	// the monitor saw the input signal
	snap := e.Monitor().Snapshot()
	if snap.RMSLevel <= -90 {
		t.Errorf("monitor RMS did not register a signal: %f dB", snap.RMSLevel)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestEngineXrunRecovery(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewCoreEngine(cfg)
	if err != nil {
		t.Fatalf("NewCoreEngine failed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	mock := e.MockDriver()

	deadline := time.Now().Add(2 * time.Second)
	for mock.CycleCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	before := mock.CycleCount()

	mock.InjectXrun()

	// the driver must resume producing packets within one poll interval
	deadline = time.Now().Add(2 * time.Second)
	for mock.CycleCount() < before+3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mock.CycleCount() < before+3 {
		t.Fatal("driver did not resume after the injected xrun")
	}
	if mock.ErrorCount() != 1 {
		t.Errorf("expected exactly 1 recorded xrun, got %d", mock.ErrorCount())
	}
}

func TestEngineFlagControl(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewCoreEngine(cfg)
	if err != nil {
		t.Fatalf("NewCoreEngine failed: %v", err)
	}
	defer e.Stop()

	if err := e.SetChannelFlag(flagReq(0, "out", "mute", true)); err != nil {
		t.Fatalf("SetChannelFlag failed: %v", err)
	}
	if !e.Buffer().IsMuteEnabled(0, 0, audio.FlagOut) {
		t.Error("mute flag did not apply")
	}

	if err := e.SetChannelFlag(flagReq(0, "out", "mute", false)); err != nil {
		t.Fatalf("SetChannelFlag failed: %v", err)
	}
	if e.Buffer().IsMuteEnabled(0, 0, audio.FlagOut) {
		t.Error("mute flag did not clear")
	}

	if err := e.SetChannelFlag(flagReq(0, "sideways", "mute", true)); err == nil {
		t.Error("expected an error for an invalid side")
	}
	if err := e.SetChannelFlag(flagReq(0, "in", "sparkle", true)); err == nil {
		t.Error("expected an error for an unknown flag")
	}
}

func flagReq(ch int, side, flag string, enable bool) protocol.ChannelFlagsRequest {
	return protocol.ChannelFlagsRequest{Channel: ch, Side: side, Flag: flag, Enable: enable}
}
