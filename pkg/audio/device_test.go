package audio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dougsko/aurad/pkg/cwerr"
)

// fakeDriver is a minimal Driver for registry tests.
type fakeDriver struct {
	name    string
	devCnt  int
	started map[int]bool
	setupN  int
}

func newFakeDriver(name string, devCnt int) *fakeDriver {
	return &fakeDriver{name: name, devCnt: devCnt, started: make(map[int]bool)}
}

func (d *fakeDriver) DeviceCount() int { return d.devCnt }
func (d *fakeDriver) DeviceLabel(devIdx int) string {
	return fmt.Sprintf("%s-%d", d.name, devIdx)
}
func (d *fakeDriver) DeviceChannelCount(devIdx int, input bool) int {
	if input {
		return 2
	}
	return 4
}
func (d *fakeDriver) DeviceSampleRate(devIdx int) float64             { return 48000 }
func (d *fakeDriver) DeviceFramesPerCycle(devIdx int, input bool) int { return 512 }
func (d *fakeDriver) DeviceSetup(devIdx int, srate float64, fpc int, cb PacketFunc, cbArg interface{}) error {
	d.setupN++
	return nil
}
func (d *fakeDriver) DeviceStart(devIdx int) error {
	d.started[devIdx] = true
	return nil
}
func (d *fakeDriver) DeviceStop(devIdx int) error {
	d.started[devIdx] = false
	return nil
}
func (d *fakeDriver) DeviceIsStarted(devIdx int) bool        { return d.started[devIdx] }
func (d *fakeDriver) DeviceRealTimeReport(devIdx int) string { return d.name }

func TestDeviceManager(t *testing.T) {
	m := NewDeviceManager()
	a := newFakeDriver("alpha", 2)
	b := newFakeDriver("beta", 3)

	m.RegisterDriver(a)
	m.RegisterDriver(b)
	m.RegisterDriver(newFakeDriver("empty", 0)) // skipped

	t.Run("Global Index Space", func(t *testing.T) {
		if m.DeviceCount() != 5 {
			t.Fatalf("expected 5 devices, got %d", m.DeviceCount())
		}
		if got := m.Label(0); got != "alpha-0" {
			t.Errorf("device 0: got %s", got)
		}
		if got := m.Label(1); got != "alpha-1" {
			t.Errorf("device 1: got %s", got)
		}
		if got := m.Label(2); got != "beta-0" {
			t.Errorf("device 2: got %s", got)
		}
		if got := m.Label(4); got != "beta-2" {
			t.Errorf("device 4: got %s", got)
		}
	})

	t.Run("Label Lookup Is Byte Exact", func(t *testing.T) {
		if idx := m.LabelToIndex("beta-1"); idx != 3 {
			t.Errorf("expected index 3, got %d", idx)
		}
		if idx := m.LabelToIndex("beta-1 "); idx != InvalidIdx {
			t.Errorf("expected InvalidIdx for padded label, got %d", idx)
		}
		if idx := m.LabelToIndex("nope"); idx != InvalidIdx {
			t.Errorf("expected InvalidIdx, got %d", idx)
		}
	})

	t.Run("Dispatch Resolves Local Index", func(t *testing.T) {
		if err := m.Start(3); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if !b.started[1] {
			t.Error("beta local device 1 should have started")
		}
		if !m.IsStarted(3) {
			t.Error("global device 3 should report started")
		}
		if m.IsStarted(0) {
			t.Error("global device 0 should not report started")
		}
		if err := m.Stop(3); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	})

	t.Run("Unknown Index", func(t *testing.T) {
		err := m.Start(17)
		if err == nil {
			t.Fatal("expected an error for an unknown device index")
		}
		if !errors.Is(err, cwerr.ErrInvalidArg) {
			t.Errorf("expected ErrInvalidArg, got %v", err)
		}
	})

	t.Run("Setup Dispatch", func(t *testing.T) {
		if err := m.Setup(1, 48000, 256, nil, nil); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if a.setupN != 1 {
			t.Errorf("expected 1 setup on alpha, got %d", a.setupN)
		}
	})
}
