package audio

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/dougsko/aurad/pkg/logging"
)

// Channel flags. In/Out select a side; the remaining bits are per-channel
// feature switches. Enable is combined with the feature bits by the
// EnableX helpers to turn the selected feature on or off.
const (
	FlagIn      = 0x01 // identify an input channel
	FlagOut     = 0x02 // identify an output channel
	FlagEnable  = 0x04 // set to enable, clear to disable
	FlagChannel = 0x08 // channel on/off
	FlagMute    = 0x10 // mute this channel
	FlagTone    = 0x20 // generate a test tone on this channel
	FlagMeter   = 0x40 // collect meter data
	FlagPass    = 0x80 // copy input through to the same-indexed output
)

const featureMask = FlagChannel | FlagMute | FlagTone | FlagMeter | FlagPass

const (
	inSide  = 0
	outSide = 1
)

/*
The buffer is driven by two kinds of threads: driver threads and the one
application thread. Driver threads only call Update. The application thread
picks up input and provides output via Get/GetIO and then calls Advance.

Per channel:

	          inIdx   outIdx  fillCnt
	input  ch: driver  app     both
	output ch: app     driver  both

inIdx and outIdx each have exactly one writer and need no synchronization.
fillCnt has two writers and is the only atomic on the hot path.
*/
type channel struct {
	flags     uint32
	buf       []Sample
	inIdx     int
	outIdx    int
	fillCnt   atomic.Uint32
	tonePhase uint64
	toneHz    float64
	gain      float64
	meter     []Sample // per-update mean-square window
	meterIdx  int
}

func (ch *channel) init(n, meterN int) {
	ch.buf = nil
	if n > 0 {
		ch.buf = make([]Sample, n)
	}
	ch.inIdx = 0
	ch.outIdx = 0
	ch.fillCnt.Store(0)
	ch.flags = 0
	if n > 0 {
		ch.flags = FlagChannel
	}
	ch.toneHz = 1000
	ch.tonePhase = 0
	ch.gain = 1.0
	ch.meter = make([]Sample, meterN)
	ch.meterIdx = 0
}

// meterValue is sqrt of the mean of the mean-square window.
func (ch *channel) meterValue() Sample {
	if len(ch.meter) == 0 {
		return 0
	}
	var sum float64
	for _, m := range ch.meter {
		sum += float64(m)
	}
	return Sample(math.Sqrt(sum / float64(len(ch.meter))))
}

// sine writes the channel test tone into two buffer segments, advancing the
// continuous tone phase.
func (ch *channel) sine(b0 []Sample, n0 int, b1 []Sample, n1 int, stride int, srate float64) {
	w := 2.0 * math.Pi * ch.toneHz / srate
	for i := 0; i < n0; i++ {
		b0[i*stride] = Sample(ch.gain * math.Sin(w*float64(ch.tonePhase)))
		ch.tonePhase++
	}
	for i := 0; i < n1; i++ {
		b1[i*stride] = Sample(ch.gain * math.Sin(w*float64(ch.tonePhase)))
		ch.tonePhase++
	}
}

// meanSquare computes the mean of the squared samples of b taken with the
// given stride.
func meanSquare(b []Sample, frameCnt, stride int) Sample {
	if frameCnt == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < frameCnt; i++ {
		s := float64(b[i*stride])
		sum += s * s
	}
	return Sample(sum / float64(frameCnt))
}

type ioSide struct {
	chans          []channel
	n              int // channel buffer length, a multiple of dspFrameCnt
	srate          float64
	framesPerCycle int
	dspFrameCnt    int
	faultCnt       atomic.Uint32 // overruns (input) or underruns (output)

	// Base timestamp for the side. Written once per run by the driver
	// thread; tsValid is the release/acquire gate for readers.
	timeStamp  TimeSpec
	tsValid    atomic.Bool
	ioFrameCnt atomic.Uint32 // frames consumed/produced since timeStamp
}

func (io *ioSide) init(srate float64, framesPerCycle, chCnt, n, meterN, dspFrameCnt int) {
	io.chans = make([]channel, chCnt)
	io.n = n
	io.srate = srate
	io.framesPerCycle = framesPerCycle
	io.dspFrameCnt = dspFrameCnt
	io.faultCnt.Store(0)
	io.timeStamp = TimeSpec{}
	io.tsValid.Store(false)
	io.ioFrameCnt.Store(0)

	for i := range io.chans {
		io.chans[i].init(n, meterN)
	}
}

// baseTime returns the side's base timestamp, or a zero TimeSpec if the
// driver has not delivered a timestamped packet yet.
func (io *ioSide) baseTime() TimeSpec {
	if !io.tsValid.Load() {
		return TimeSpec{}
	}
	return io.timeStamp
}

type bufDev struct {
	io [2]ioSide
}

// Buffer is the per-device, per-channel ring-buffer matrix between the
// driver threads and the application thread. No locks are taken on the
// audio path; see the concurrency notes on channel.
type Buffer struct {
	devs    []bufDev
	meterMs int

	zeroBuf []Sample // silence source for disabled/muted channels
}

// NewBuffer allocates a buffer handling devCnt devices. meterMs is the
// length of the meter window in milliseconds, limited to 10..1000.
func NewBuffer(devCnt, meterMs int) *Buffer {
	b := &Buffer{
		devs: make([]bufDev, devCnt),
	}
	b.SetMeterMs(meterMs)
	return b
}

// Close releases the buffer. The caller must have stopped all devices
// feeding Update first.
func (b *Buffer) Close() {
	b.devs = nil
	b.zeroBuf = nil
}

// MeterMs returns the meter window period.
func (b *Buffer) MeterMs() int { return b.meterMs }

// SetMeterMs sets the meter window period, limited to 10..1000 ms. It only
// affects devices set up after the call.
func (b *Buffer) SetMeterMs(meterMs int) {
	if meterMs < 10 {
		meterMs = 10
	}
	if meterMs > 1000 {
		meterMs = 1000
	}
	b.meterMs = meterMs
}

// roundUp returns n rounded up to the next multiple of m.
func roundUp(n, m int) int {
	if m <= 0 || n%m == 0 {
		return n
	}
	return n + m - n%m
}

// Setup initializes both sides of a device. Each side's channel buffer
// holds cycleCnt hardware cycles rounded up to a multiple of dspFrameCnt so
// Get windows never wrap.
func (b *Buffer) Setup(devIdx int, srate float64, dspFrameCnt, cycleCnt, inChCnt, inFramesPerCycle, outChCnt, outFramesPerCycle int) error {
	if devIdx < 0 || devIdx >= len(b.devs) {
		return fmt.Errorf("audio buffer setup: device index %d out of range", devIdx)
	}
	if dspFrameCnt <= 0 {
		return fmt.Errorf("audio buffer setup: dspFrameCnt must be positive")
	}

	iBufN := roundUp(cycleCnt*inFramesPerCycle, dspFrameCnt)
	oBufN := roundUp(cycleCnt*outFramesPerCycle, dspFrameCnt)

	meterN := 1
	if outFramesPerCycle > 0 {
		meterN = int(srate * float64(b.meterMs) / (1000.0 * float64(outFramesPerCycle)))
		if meterN < 1 {
			meterN = 1
		}
	}

	dev := &b.devs[devIdx]
	dev.io[inSide].init(srate, inFramesPerCycle, inChCnt, iBufN, meterN, dspFrameCnt)
	dev.io[outSide].init(srate, outFramesPerCycle, outChCnt, oBufN, meterN, dspFrameCnt)

	if max := maxInt(inFramesPerCycle, outFramesPerCycle); max > len(b.zeroBuf) {
		b.zeroBuf = make([]Sample, max)
	}

	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PrimeOutput pre-fills every output channel of a device with
// cycleCnt*framesPerCycle frames of silence so playback can start without
// an immediate underrun.
func (b *Buffer) PrimeOutput(devIdx, cycleCnt int) error {
	if devIdx < 0 || devIdx >= len(b.devs) {
		return fmt.Errorf("audio buffer prime: device index %d out of range", devIdx)
	}

	op := &b.devs[devIdx].io[outSide]

	// Round up to a dsp boundary so Get windows stay aligned afterwards.
	frames := roundUp(op.framesPerCycle*cycleCnt, op.dspFrameCnt)
	if frames > op.n {
		return fmt.Errorf("audio buffer prime: %d frames exceeds buffer length %d", frames, op.n)
	}

	for i := range op.chans {
		ch := &op.chans[i]
		for j := range ch.buf {
			ch.buf[j] = 0
		}
		ch.outIdx = 0
		ch.inIdx = frames % op.n
		ch.fillCnt.Store(uint32(frames))
	}
	return nil
}

// OnPortEnable resets both sides' timestamp tracking when a device is
// re-enabled so the next Update establishes a fresh base timestamp.
func (b *Buffer) OnPortEnable(devIdx int, enable bool) {
	if devIdx < 0 || devIdx >= len(b.devs) || !enable {
		return
	}
	for s := 0; s < 2; s++ {
		io := &b.devs[devIdx].io[s]
		io.tsValid.Store(false)
		io.timeStamp = TimeSpec{}
		io.ioFrameCnt.Store(0)
	}
}

// Update transfers incoming packets into the input channel buffers and
// fills outgoing packets from the output channel buffers. It is called from
// driver threads only; it is safe for input and output to arrive from
// different threads. Output packets may have FrameCount reduced when the
// buffer cannot supply a full cycle.
func (b *Buffer) Update(inPkts []Packet, outPkts []Packet) {
	for i := range inPkts {
		b.updateInput(&inPkts[i])
	}
	for i := range outPkts {
		b.updateOutput(&outPkts[i])
	}
}

func (b *Buffer) updateInput(pp *Packet) {
	if pp.DeviceIdx < 0 || pp.DeviceIdx >= len(b.devs) {
		return
	}
	ip := &b.devs[pp.DeviceIdx].io[inSide]

	// The first timestamped packet of a run establishes the base time.
	if !ip.tsValid.Load() && !pp.Timestamp.IsZero() {
		ip.timeStamp = pp.Timestamp
		ip.tsValid.Store(true)
	}

	if pp.FrameCount <= 0 {
		return
	}

	for j := 0; j < pp.ChCount; j++ {
		chIdx := pp.BeginCh + j
		if chIdx >= len(ip.chans) {
			break
		}
		ch := &ip.chans[chIdx]

		// Drop the packet for this channel rather than overflow.
		if int(ch.fillCnt.Load())+pp.FrameCount > ip.n {
			ip.faultCnt.Add(1)
			continue
		}

		// Split into a segment to the end of the buffer and a wrapped
		// remainder.
		n0 := ip.n - ch.inIdx
		n1 := 0
		if n0 < pp.FrameCount {
			n1 = pp.FrameCount - n0
		} else {
			n0 = pp.FrameCount
		}

		enabled := ch.flags&FlagChannel != 0 && ch.flags&FlagMute == 0

		src := b.zeroBuf
		stride := 1
		if enabled {
			src = pp.Samples[j:]
			stride = pp.ChCount
		}

		if ch.flags&FlagMeter != 0 && len(ch.meter) > 0 {
			ch.meter[ch.meterIdx] = meanSquare(src, pp.FrameCount, stride)
			ch.meterIdx = (ch.meterIdx + 1) % len(ch.meter)
		}

		if enabled && ch.flags&FlagTone != 0 {
			ch.sine(ch.buf[ch.inIdx:], n0, ch.buf, n1, 1, ip.srate)
		} else {
			gain := Sample(ch.gain)
			dst := ch.buf[ch.inIdx:]
			for i := 0; i < n0; i++ {
				dst[i] = gain * src[i*stride]
			}
			for i := 0; i < n1; i++ {
				ch.buf[i] = gain * src[(n0+i)*stride]
			}
		}

		if n1 > 0 {
			ch.inIdx = n1
		} else {
			ch.inIdx = (ch.inIdx + n0) % ip.n
		}
		ch.fillCnt.Add(uint32(pp.FrameCount))
	}
}

func (b *Buffer) updateOutput(pp *Packet) {
	if pp.DeviceIdx < 0 || pp.DeviceIdx >= len(b.devs) {
		return
	}
	op := &b.devs[pp.DeviceIdx].io[outSide]

	if !op.tsValid.Load() && !pp.Timestamp.IsZero() {
		op.timeStamp = pp.Timestamp
		op.tsValid.Store(true)
	}

	if pp.FrameCount <= 0 {
		return
	}

	for j := 0; j < pp.ChCount; j++ {
		chIdx := pp.BeginCh + j
		if chIdx >= len(op.chans) {
			break
		}
		ch := &op.chans[chIdx]

		// fillCnt may concurrently grow from the app thread; read once.
		fill := int(ch.fillCnt.Load())

		if pp.FrameCount > fill {
			op.faultCnt.Add(1)

			// An empty buffer yields silence for this channel.
			if fill == 0 {
				for f := 0; f < pp.FrameCount; f++ {
					pp.Samples[f*pp.ChCount+j] = 0
				}
				continue
			}

			// Otherwise hand back what we have. The driver sees the
			// reduced frame count and substitutes silence.
			pp.FrameCount = fill
		}

		n0 := op.n - ch.outIdx
		n1 := 0
		if n0 < pp.FrameCount {
			n1 = pp.FrameCount - n0
		} else {
			n0 = pp.FrameCount
		}

		enabled := ch.flags&FlagChannel != 0 && ch.flags&FlagMute == 0
		dst := pp.Samples[j:]

		if enabled && ch.flags&FlagTone != 0 {
			var b1 []Sample
			if n1 > 0 {
				b1 = dst[n0*pp.ChCount:]
			}
			ch.sine(dst, n0, b1, n1, pp.ChCount, op.srate)
		} else {
			gain := Sample(ch.gain)
			src := b.zeroBuf
			if enabled {
				src = ch.buf[ch.outIdx:]
			}
			for i := 0; i < n0; i++ {
				dst[i*pp.ChCount] = gain * src[i]
			}
			if n1 > 0 {
				src = b.zeroBuf
				if enabled {
					src = ch.buf
				}
				for i := 0; i < n1; i++ {
					dst[(n0+i)*pp.ChCount] = gain * src[i]
				}
			}
		}

		if ch.flags&FlagMeter != 0 && len(ch.meter) > 0 {
			ch.meter[ch.meterIdx] = meanSquare(pp.Samples[j:], pp.FrameCount, pp.ChCount)
			ch.meterIdx = (ch.meterIdx + 1) % len(ch.meter)
		}

		if n1 > 0 {
			ch.outIdx = n1
		} else {
			ch.outIdx = (ch.outIdx + n0) % op.n
		}
		ch.fillCnt.Add(^uint32(pp.FrameCount - 1)) // subtract
	}
}

func (b *Buffer) side(devIdx int, flags uint32) *ioSide {
	if devIdx < 0 || devIdx >= len(b.devs) {
		return nil
	}
	if flags&FlagIn != 0 {
		return &b.devs[devIdx].io[inSide]
	}
	return &b.devs[devIdx].io[outSide]
}

// ChannelCount returns the channel count of a device side.
func (b *Buffer) ChannelCount(devIdx int, flags uint32) int {
	io := b.side(devIdx, flags)
	if io == nil {
		return 0
	}
	return len(io.chans)
}

// SetFlag applies feature flag changes to one channel, or to every channel
// on the selected side(s) when chIdx is InvalidIdx. Combine FlagIn/FlagOut
// with feature bits and FlagEnable (set = on, clear = off).
func (b *Buffer) SetFlag(devIdx, chIdx int, flags uint32) {
	if devIdx < 0 || devIdx >= len(b.devs) {
		return
	}
	if flags&FlagIn != 0 {
		b.setSideFlag(&b.devs[devIdx].io[inSide], chIdx, flags)
	}
	if flags&FlagOut != 0 {
		b.setSideFlag(&b.devs[devIdx].io[outSide], chIdx, flags)
	}
}

func (b *Buffer) setSideFlag(io *ioSide, chIdx int, flags uint32) {
	beg, end := chIdx, chIdx+1
	if chIdx == InvalidIdx {
		beg, end = 0, len(io.chans)
	}
	if beg < 0 || end > len(io.chans) {
		return
	}
	bits := flags & featureMask
	for i := beg; i < end; i++ {
		if flags&FlagEnable != 0 {
			io.chans[i].flags |= bits
		} else {
			io.chans[i].flags &^= bits
		}
	}
}

// IsFlag returns true if every feature bit in flags is set on the channel.
func (b *Buffer) IsFlag(devIdx, chIdx int, flags uint32) bool {
	io := b.side(devIdx, flags)
	if io == nil || chIdx < 0 || chIdx >= len(io.chans) {
		return false
	}
	bits := flags & featureMask
	return io.chans[chIdx].flags&bits == bits
}

// EnableChannel turns a channel on or off.
func (b *Buffer) EnableChannel(devIdx, chIdx int, flags uint32) {
	b.SetFlag(devIdx, chIdx, flags|FlagChannel)
}

// IsChannelEnabled returns true if the channel is on.
func (b *Buffer) IsChannelEnabled(devIdx, chIdx int, flags uint32) bool {
	return b.IsFlag(devIdx, chIdx, flags|FlagChannel)
}

// EnableTone switches the channel test tone.
func (b *Buffer) EnableTone(devIdx, chIdx int, flags uint32) {
	b.SetFlag(devIdx, chIdx, flags|FlagTone)
}

// IsToneEnabled returns true if the test tone is on.
func (b *Buffer) IsToneEnabled(devIdx, chIdx int, flags uint32) bool {
	return b.IsFlag(devIdx, chIdx, flags|FlagTone)
}

// EnableMute switches channel muting.
func (b *Buffer) EnableMute(devIdx, chIdx int, flags uint32) {
	b.SetFlag(devIdx, chIdx, flags|FlagMute)
}

// IsMuteEnabled returns true if the channel is muted.
func (b *Buffer) IsMuteEnabled(devIdx, chIdx int, flags uint32) bool {
	return b.IsFlag(devIdx, chIdx, flags|FlagMute)
}

// EnablePass switches input-to-output pass-through. Pass-through takes
// effect inside GetIO.
func (b *Buffer) EnablePass(devIdx, chIdx int, flags uint32) {
	b.SetFlag(devIdx, chIdx, flags|FlagPass)
}

// IsPassEnabled returns true if pass-through is on.
func (b *Buffer) IsPassEnabled(devIdx, chIdx int, flags uint32) bool {
	return b.IsFlag(devIdx, chIdx, flags|FlagPass)
}

// EnableMeter switches meter data collection.
func (b *Buffer) EnableMeter(devIdx, chIdx int, flags uint32) {
	b.SetFlag(devIdx, chIdx, flags|FlagMeter)
}

// IsMeterEnabled returns true if metering is on.
func (b *Buffer) IsMeterEnabled(devIdx, chIdx int, flags uint32) bool {
	return b.IsFlag(devIdx, chIdx, flags|FlagMeter)
}

// SetGain sets the channel gain. chIdx of InvalidIdx applies it to all
// channels on the side.
func (b *Buffer) SetGain(devIdx, chIdx int, flags uint32, gain float64) {
	io := b.side(devIdx, flags)
	if io == nil {
		return
	}
	beg, end := chIdx, chIdx+1
	if chIdx == InvalidIdx {
		beg, end = 0, len(io.chans)
	}
	if beg < 0 || end > len(io.chans) {
		return
	}
	for i := beg; i < end; i++ {
		io.chans[i].gain = gain
	}
}

// Gain returns the current gain of a channel.
func (b *Buffer) Gain(devIdx, chIdx int, flags uint32) float64 {
	io := b.side(devIdx, flags)
	if io == nil || chIdx < 0 || chIdx >= len(io.chans) {
		return 0
	}
	return io.chans[chIdx].gain
}

// SetToneHz sets the test-tone frequency of a channel.
func (b *Buffer) SetToneHz(devIdx, chIdx int, flags uint32, hz float64) {
	io := b.side(devIdx, flags)
	if io == nil || chIdx < 0 || chIdx >= len(io.chans) {
		return
	}
	io.chans[chIdx].toneHz = hz
}

// Meter returns the current RMS meter value of a channel.
func (b *Buffer) Meter(devIdx, chIdx int, flags uint32) Sample {
	io := b.side(devIdx, flags)
	if io == nil || chIdx < 0 || chIdx >= len(io.chans) {
		return 0
	}
	return io.chans[chIdx].meterValue()
}

// Status copies the meter values of a side into meters and returns the
// number written along with the side's fault count.
func (b *Buffer) Status(devIdx int, flags uint32, meters []float64) (int, uint32) {
	io := b.side(devIdx, flags)
	if io == nil {
		return 0, 0
	}
	n := len(io.chans)
	if len(meters) < n {
		n = len(meters)
	}
	for i := 0; i < n; i++ {
		meters[i] = float64(io.chans[i].meterValue())
	}
	return n, io.faultCnt.Load()
}

// IsDeviceReady reports whether every channel of the selected side(s) can
// complete a Get/Advance cycle: inputs need dspFrameCnt buffered frames,
// outputs need dspFrameCnt free frames. The check is advisory; a false
// negative resolves on the next driver cycle.
func (b *Buffer) IsDeviceReady(devIdx int, flags uint32) bool {
	if devIdx < 0 || devIdx >= len(b.devs) {
		return false
	}

	if flags&FlagIn != 0 {
		io := &b.devs[devIdx].io[inSide]
		for i := range io.chans {
			if int(io.chans[i].fillCnt.Load()) < io.dspFrameCnt {
				return false
			}
		}
	}

	if flags&FlagOut != 0 {
		io := &b.devs[devIdx].io[outSide]
		for i := range io.chans {
			if io.n-int(io.chans[i].fillCnt.Load()) < io.dspFrameCnt {
				return false
			}
		}
	}

	return true
}

// Get fills bufs with per-channel windows of dspFrameCnt samples at the
// consumer cursor of the selected side, or nil for disabled channels. The
// call does not change any internal state. flags must hold FlagIn or
// FlagOut but not both.
func (b *Buffer) Get(devIdx int, flags uint32, bufs [][]Sample) {
	if devIdx == InvalidIdx || devIdx < 0 || devIdx >= len(b.devs) {
		for i := range bufs {
			bufs[i] = nil
		}
		return
	}

	io := b.side(devIdx, flags)
	n := len(io.chans)
	if len(bufs) < n {
		n = len(bufs)
	}

	for i := 0; i < n; i++ {
		ch := &io.chans[i]
		if ch.flags&FlagChannel == 0 {
			bufs[i] = nil
			continue
		}
		offs := ch.inIdx
		if flags&FlagIn != 0 {
			offs = ch.outIdx
		}
		bufs[i] = ch.buf[offs : offs+io.dspFrameCnt]
	}
	for i := n; i < len(bufs); i++ {
		bufs[i] = nil
	}
}

// GetIO combines Get on an input and an output device, implements
// pass-through, and computes the side timestamps.
//
// Channels marked for pass-through (on either side) are copied input to
// output and the output slot is set to nil so the caller cannot overwrite
// the copy. All other enabled output channels are zeroed. Disabled slots
// are nil. The timestamp pointers are optional.
func (b *Buffer) GetIO(iDevIdx int, iBufs [][]Sample, iTime *TimeSpec, oDevIdx int, oBufs [][]Sample, oTime *TimeSpec) {
	b.Get(iDevIdx, FlagIn, iBufs)
	b.Get(oDevIdx, FlagOut, oBufs)

	i := 0

	if iDevIdx != InvalidIdx && oDevIdx != InvalidIdx {
		ip := &b.devs[iDevIdx].io[inSide]
		op := &b.devs[oDevIdx].io[outSide]

		minCh := len(iBufs)
		if len(oBufs) < minCh {
			minCh = len(oBufs)
		}
		frmCnt := ip.dspFrameCnt
		if op.dspFrameCnt < frmCnt {
			frmCnt = op.dspFrameCnt
		}

		if iTime != nil {
			*iTime = ip.baseTime().AddFrames(int(ip.ioFrameCnt.Load()), ip.srate)
		}
		if oTime != nil {
			*oTime = op.baseTime().AddFrames(int(op.ioFrameCnt.Load()), op.srate)
		}

		for ; i < minCh; i++ {
			if oBufs[i] == nil {
				continue
			}
			passFl := i < len(ip.chans) && ip.chans[i].flags&FlagPass != 0 ||
				i < len(op.chans) && op.chans[i].flags&FlagPass != 0

			if passFl && iBufs[i] != nil {
				copy(oBufs[i][:frmCnt], iBufs[i][:frmCnt])
				oBufs[i] = nil
			} else {
				zero(oBufs[i][:frmCnt])
			}
		}
	}

	if oDevIdx != InvalidIdx {
		op := &b.devs[oDevIdx].io[outSide]

		if oTime != nil {
			*oTime = op.baseTime().AddFrames(int(op.ioFrameCnt.Load()), op.srate)
		}

		for ; i < len(oBufs); i++ {
			if oBufs[i] != nil {
				zero(oBufs[i][:op.dspFrameCnt])
			}
		}
	}
}

func zero(b []Sample) {
	for i := range b {
		b[i] = 0
	}
}

// Advance completes one application cycle on the selected side(s): input
// consumer cursors move forward by dspFrameCnt and the fill counts drop;
// output producer cursors move forward and the fill counts rise. Only the
// application thread may call Advance.
func (b *Buffer) Advance(devIdx int, flags uint32) {
	if devIdx == InvalidIdx || devIdx < 0 || devIdx >= len(b.devs) {
		return
	}

	if flags&FlagIn != 0 {
		io := &b.devs[devIdx].io[inSide]
		for i := range io.chans {
			ch := &io.chans[i]
			ch.outIdx = (ch.outIdx + io.dspFrameCnt) % io.n
			ch.fillCnt.Add(^uint32(io.dspFrameCnt - 1)) // subtract
		}
		if io.tsValid.Load() {
			io.ioFrameCnt.Add(uint32(io.dspFrameCnt))
		}
	}

	if flags&FlagOut != 0 {
		io := &b.devs[devIdx].io[outSide]
		for i := range io.chans {
			ch := &io.chans[i]
			ch.inIdx = (ch.inIdx + io.dspFrameCnt) % io.n
			ch.fillCnt.Add(uint32(io.dspFrameCnt))
		}
		if io.tsValid.Load() {
			io.ioFrameCnt.Add(uint32(io.dspFrameCnt))
		}
	}
}

// InputToOutput copies all available samples from an input device to an
// output device. It is the canonical Get/Advance usage loop.
func (b *Buffer) InputToOutput(iDevIdx, oDevIdx int) {
	if iDevIdx == InvalidIdx || oDevIdx == InvalidIdx {
		return
	}

	iChCnt := b.ChannelCount(iDevIdx, FlagIn)
	oChCnt := b.ChannelCount(oDevIdx, FlagOut)
	chCnt := minInt(iChCnt, oChCnt)
	if chCnt == 0 {
		logging.Warn("audio", "inputToOutput requires non-zero channel counts on both devices")
		return
	}

	iBufs := make([][]Sample, iChCnt)
	oBufs := make([][]Sample, oChCnt)
	dspFrameCnt := b.devs[iDevIdx].io[inSide].dspFrameCnt

	for b.IsDeviceReady(iDevIdx, FlagIn) && b.IsDeviceReady(oDevIdx, FlagOut) {
		b.Get(iDevIdx, FlagIn, iBufs)
		b.Get(oDevIdx, FlagOut, oBufs)

		for i := 0; i < chCnt; i++ {
			if oBufs[i] == nil {
				continue
			}
			if iBufs[i] != nil {
				copy(oBufs[i][:dspFrameCnt], iBufs[i][:dspFrameCnt])
			} else {
				zero(oBufs[i][:dspFrameCnt])
			}
		}

		b.Advance(iDevIdx, FlagIn)
		b.Advance(oDevIdx, FlagOut)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Report logs the aggregate buffer state of every device.
func (b *Buffer) Report() {
	for d := range b.devs {
		for s := 0; s < 2; s++ {
			io := &b.devs[d].io[s]

			var inSum, outSum, fillSum int
			var meterSum float64
			for i := range io.chans {
				ch := &io.chans[i]
				inSum += ch.inIdx
				outSum += ch.outIdx
				fillSum += int(ch.fillCnt.Load())
				meterSum += float64(ch.meterValue())
			}

			label, fault := "IN ", "over"
			if s == outSide {
				label, fault = "OUT", "under"
			}
			meterAvg := 0.0
			if len(io.chans) > 0 {
				meterAvg = meterSum / float64(len(io.chans))
			}
			logging.Infof("audio", "%d : %s - i:%7d o:%7d f:%7d n:%7d %s:%d meter:%f",
				d, label, inSum, outSum, fillSum, io.n, fault, io.faultCnt.Load(), meterAvg)
		}
	}
}
