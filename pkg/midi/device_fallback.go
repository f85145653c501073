//go:build !linux || !cgo

package midi

import "github.com/dougsko/aurad/pkg/cwerr"

// Device requires the ALSA sequencer; only Linux is supported.
type Device struct{}

// NewDevice reports that no MIDI support is compiled in.
func NewDevice(appName string, parserBufByteCnt int, cb CbFunc) (*Device, error) {
	return nil, cwerr.ErrResourceNotAvailable
}

func (d *Device) Close() error                                        { return nil }
func (d *Device) Count() int                                          { return 0 }
func (d *Device) Name(devIdx int) string                              { return "" }
func (d *Device) NameToIndex(name string) int                         { return -1 }
func (d *Device) PortCount(devIdx int, input bool) int                { return 0 }
func (d *Device) PortName(devIdx int, input bool, portIdx int) string { return "" }
func (d *Device) PortNameToIndex(devIdx int, input bool, name string) int {
	return -1
}
func (d *Device) Send(devIdx, portIdx int, status, d0, d1 byte) error {
	return cwerr.ErrResourceNotAvailable
}
func (d *Device) SendData(devIdx, portIdx int, data []byte) error {
	return cwerr.ErrResourceNotAvailable
}
func (d *Device) InstallCallback(devIdx, portIdx int, cb CbFunc) int { return 0 }
func (d *Device) ErrorCount() uint32                                 { return 0 }
func (d *Device) EventCount() uint64                                 { return 0 }
func (d *Device) Report() string                                     { return "" }
