// Package audio implements the real-time audio core: the lock-free
// ring-buffer engine that mediates between driver callback threads and the
// application thread, the flat device-index namespace over registered
// driver back-ends, and a level/spectrum monitor for the web interface.
package audio

// Sample is the canonical sample type exchanged with driver back-ends.
// All drivers convert to and from single precision float in [-1,+1].
type Sample = float32

// TimeSpec is a driver-supplied hardware timestamp.
type TimeSpec struct {
	Sec  int64 `json:"sec"`
	NSec int64 `json:"nsec"`
}

// IsZero returns true if the timestamp has not been set.
func (t TimeSpec) IsZero() bool {
	return t.Sec == 0 && t.NSec == 0
}

// AddFrames returns the timestamp advanced by frameCnt frames at the given
// sample rate.
func (t TimeSpec) AddFrames(frameCnt int, srate float64) TimeSpec {
	secs := float64(frameCnt) / srate
	whole := int64(secs)
	frac := secs - float64(whole)

	out := TimeSpec{
		Sec:  t.Sec + whole,
		NSec: t.NSec + int64(frac*1e9),
	}
	if out.NSec >= 1e9 {
		out.NSec -= 1e9
		out.Sec++
	}
	return out
}

// Packet flags
const (
	PacketInterleaved = 0x01 // samples are interleaved
	PacketFloat       = 0x02 // samples are single precision float
)

// Packet is the unit of audio exchanged between a driver back-end and the
// ring-buffer engine. Samples holds ChCount*FrameCount interleaved samples.
// On output the callee may reduce FrameCount if fewer frames are available;
// the driver must notice and substitute silence.
type Packet struct {
	DeviceIdx     int
	BeginCh       int
	ChCount       int
	FrameCount    int
	BitsPerSample int
	Flags         uint32
	Samples       []Sample
	CbArg         interface{}
	Timestamp     TimeSpec
}

// PacketFunc is the driver callback signature. in holds full packets coming
// from the ADC; out holds empty packets to be filled for the DAC. The call
// is made from a driver thread, never from the application thread.
type PacketFunc func(in []Packet, out []Packet)

// InvalidIdx marks an unused device or channel index.
const InvalidIdx = -1
