//go:build !linux || !cgo

package hardware

import (
	"github.com/dougsko/aurad/pkg/audio"
	"github.com/dougsko/aurad/pkg/cwerr"
)

// ALSADriver is only available on Linux. Other platforms run against the
// mock driver.
type ALSADriver struct{}

// NewALSADriver reports that no ALSA support is compiled in.
func NewALSADriver() (*ALSADriver, error) {
	return nil, cwerr.ErrResourceNotAvailable
}

// Close is a no-op on non-Linux platforms.
func (p *ALSADriver) Close() error { return nil }

// audio.Driver stubs so the type satisfies the interface everywhere.

func (p *ALSADriver) DeviceCount() int                                { return 0 }
func (p *ALSADriver) DeviceLabel(devIdx int) string                   { return "" }
func (p *ALSADriver) DeviceChannelCount(devIdx int, input bool) int   { return 0 }
func (p *ALSADriver) DeviceSampleRate(devIdx int) float64             { return 0 }
func (p *ALSADriver) DeviceFramesPerCycle(devIdx int, input bool) int { return 0 }
func (p *ALSADriver) DeviceSetup(devIdx int, srate float64, framesPerCycle int, cb audio.PacketFunc, cbArg interface{}) error {
	return cwerr.ErrResourceNotAvailable
}
func (p *ALSADriver) DeviceStart(devIdx int) error           { return cwerr.ErrResourceNotAvailable }
func (p *ALSADriver) DeviceStop(devIdx int) error            { return cwerr.ErrResourceNotAvailable }
func (p *ALSADriver) DeviceIsStarted(devIdx int) bool        { return false }
func (p *ALSADriver) DeviceRealTimeReport(devIdx int) string { return "" }
