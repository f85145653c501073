package audio

import (
	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/logging"
)

// Driver is the capability set a back-end exposes to the device manager.
// Device indexes are driver-local; the manager maps them into the flat
// global namespace.
type Driver interface {
	DeviceCount() int
	DeviceLabel(devIdx int) string
	DeviceChannelCount(devIdx int, input bool) int
	DeviceSampleRate(devIdx int) float64
	DeviceFramesPerCycle(devIdx int, input bool) int

	// DeviceSetup configures a device. All devices must be set up before
	// they are started. framesPerCycle is a request; the actual per-cycle
	// frame count may differ and is reported by DeviceFramesPerCycle. A
	// started device is stopped before reconfiguration.
	DeviceSetup(devIdx int, srate float64, framesPerCycle int, cb PacketFunc, cbArg interface{}) error

	DeviceStart(devIdx int) error
	DeviceStop(devIdx int) error
	DeviceIsStarted(devIdx int) bool
	DeviceRealTimeReport(devIdx int) string
}

type driverEntry struct {
	begIdx int
	endIdx int
	drv    Driver
}

// DeviceManager presents a unified flat device-index namespace backed by
// one or more drivers. The registry is immutable once the manager is
// shared with other threads: register all drivers before starting anything.
type DeviceManager struct {
	drivers []driverEntry
	nextIdx int
}

// NewDeviceManager creates an empty device manager.
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{}
}

// RegisterDriver appends a driver to the registry, assigning it the next
// contiguous range of global device indexes. Drivers without devices are
// skipped.
func (m *DeviceManager) RegisterDriver(drv Driver) {
	n := drv.DeviceCount()
	if n <= 0 {
		return
	}
	m.drivers = append(m.drivers, driverEntry{
		begIdx: m.nextIdx,
		endIdx: m.nextIdx + n - 1,
		drv:    drv,
	})
	m.nextIdx += n
}

// DeviceCount returns the number of devices across all registered drivers.
func (m *DeviceManager) DeviceCount() int { return m.nextIdx }

func (m *DeviceManager) resolve(devIdx int) (Driver, int, error) {
	for _, e := range m.drivers {
		if e.begIdx <= devIdx && devIdx <= e.endIdx {
			return e.drv, devIdx - e.begIdx, nil
		}
	}
	return nil, 0, cwerr.Arg("unknown audio device index %d", devIdx)
}

// LabelToIndex returns the global index of the device whose label matches
// byte-exactly, or InvalidIdx.
func (m *DeviceManager) LabelToIndex(label string) int {
	for i := 0; i < m.DeviceCount(); i++ {
		if m.Label(i) == label {
			return i
		}
	}
	return InvalidIdx
}

// Label returns the driver-supplied label of a device.
func (m *DeviceManager) Label(devIdx int) string {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return ""
	}
	return drv.DeviceLabel(local)
}

// ChannelCount returns the input or output channel count of a device.
func (m *DeviceManager) ChannelCount(devIdx int, input bool) int {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return 0
	}
	return drv.DeviceChannelCount(local, input)
}

// SampleRate returns the device sample rate.
func (m *DeviceManager) SampleRate(devIdx int) float64 {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return 0
	}
	return drv.DeviceSampleRate(local)
}

// FramesPerCycle returns the per-callback frame count of a device side.
func (m *DeviceManager) FramesPerCycle(devIdx int, input bool) int {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return 0
	}
	return drv.DeviceFramesPerCycle(local, input)
}

// Setup configures a device through its driver.
func (m *DeviceManager) Setup(devIdx int, srate float64, framesPerCycle int, cb PacketFunc, cbArg interface{}) error {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return err
	}
	return drv.DeviceSetup(local, srate, framesPerCycle, cb, cbArg)
}

// Start starts a device.
func (m *DeviceManager) Start(devIdx int) error {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return err
	}
	return drv.DeviceStart(local)
}

// Stop stops a device.
func (m *DeviceManager) Stop(devIdx int) error {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return err
	}
	return drv.DeviceStop(local)
}

// IsStarted reports whether a device is running.
func (m *DeviceManager) IsStarted(devIdx int) bool {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return false
	}
	return drv.DeviceIsStarted(local)
}

// RealTimeReport returns the driver's runtime counters for a device:
// callback counts, error counts and stream state.
func (m *DeviceManager) RealTimeReport(devIdx int) string {
	drv, local, err := m.resolve(devIdx)
	if err != nil {
		return ""
	}
	return drv.DeviceRealTimeReport(local)
}

// Report logs a one line summary of every registered device.
func (m *DeviceManager) Report() {
	for i := 0; i < m.DeviceCount(); i++ {
		logging.Infof("audio", "%8.1f in:%d (%d) out:%d (%d) %s",
			m.SampleRate(i),
			m.ChannelCount(i, true), m.FramesPerCycle(i, true),
			m.ChannelCount(i, false), m.FramesPerCycle(i, false),
			m.Label(i))
	}
}
