package hardware

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/aurad/pkg/audio"
	"github.com/dougsko/aurad/pkg/logging"
)

// MockDriver is a deterministic audio.Driver used for tests and headless
// operation. A single goroutine plays the role of the hardware: on every
// cycle tick it delivers one input packet and requests one output packet,
// mirroring the polling ALSA driver's packet semantics.
type MockDriver struct {
	mutex sync.Mutex

	label          string
	srate          float64
	chCnt          int
	framesPerCycle int
	cycleInterval  time.Duration

	cb    audio.PacketFunc
	cbArg interface{}

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	cycleCnt atomic.Uint64
	errCnt   atomic.Uint32
	xrunReq  atomic.Bool

	// generator produces the input sample for (channel, frame index);
	// nil yields silence.
	generator func(ch, frame int) audio.Sample
	frameIdx  int

	// sink receives every output packet pulled from the callback; nil
	// discards.
	sink func(pkt *audio.Packet)
}

// NewMockDriver creates a mock device with the given geometry. A zero
// cycleInterval disables the timer thread; cycles are then driven manually
// with RunCycle, which tests rely on for determinism.
func NewMockDriver(label string, srate float64, chCnt, framesPerCycle int, cycleInterval time.Duration) *MockDriver {
	return &MockDriver{
		label:          label,
		srate:          srate,
		chCnt:          chCnt,
		framesPerCycle: framesPerCycle,
		cycleInterval:  cycleInterval,
	}
}

// SetGenerator installs the input signal source.
func (d *MockDriver) SetGenerator(fn func(ch, frame int) audio.Sample) {
	d.mutex.Lock()
	d.generator = fn
	d.mutex.Unlock()
}

// SetSink installs the output packet consumer.
func (d *MockDriver) SetSink(fn func(pkt *audio.Packet)) {
	d.mutex.Lock()
	d.sink = fn
	d.mutex.Unlock()
}

// InjectXrun makes the next cycle behave like an ALSA -EPIPE: the cycle's
// input data is lost, the error counter increments once and delivery
// resumes on the following cycle.
func (d *MockDriver) InjectXrun() {
	d.xrunReq.Store(true)
}

// ErrorCount returns the number of simulated xruns taken.
func (d *MockDriver) ErrorCount() uint32 { return d.errCnt.Load() }

// CycleCount returns the number of completed cycles.
func (d *MockDriver) CycleCount() uint64 { return d.cycleCnt.Load() }

// RunCycle drives one hardware cycle synchronously.
func (d *MockDriver) RunCycle() {
	d.mutex.Lock()
	cb := d.cb
	cbArg := d.cbArg
	gen := d.generator
	sink := d.sink
	d.mutex.Unlock()

	if cb == nil {
		return
	}

	if d.xrunReq.CompareAndSwap(true, false) {
		// Overrun: the period is dropped, recovery re-prepares the
		// stream. The generator still advances, like real hardware
		// whose clock does not stop.
		d.errCnt.Add(1)
		d.mutex.Lock()
		d.frameIdx += d.framesPerCycle
		d.mutex.Unlock()
		return
	}

	now := time.Now()
	ts := audio.TimeSpec{Sec: now.Unix(), NSec: int64(now.Nanosecond())}

	in := audio.Packet{
		DeviceIdx:     0,
		BeginCh:       0,
		ChCount:       d.chCnt,
		FrameCount:    d.framesPerCycle,
		BitsPerSample: 32,
		Flags:         audio.PacketInterleaved | audio.PacketFloat,
		Samples:       make([]audio.Sample, d.chCnt*d.framesPerCycle),
		CbArg:         cbArg,
		Timestamp:     ts,
	}

	d.mutex.Lock()
	base := d.frameIdx
	d.frameIdx += d.framesPerCycle
	d.mutex.Unlock()

	if gen != nil {
		for f := 0; f < d.framesPerCycle; f++ {
			for c := 0; c < d.chCnt; c++ {
				in.Samples[f*d.chCnt+c] = gen(c, base+f)
			}
		}
	}

	out := audio.Packet{
		DeviceIdx:     0,
		BeginCh:       0,
		ChCount:       d.chCnt,
		FrameCount:    d.framesPerCycle,
		BitsPerSample: 32,
		Flags:         audio.PacketInterleaved | audio.PacketFloat,
		Samples:       make([]audio.Sample, d.chCnt*d.framesPerCycle),
		CbArg:         cbArg,
		Timestamp:     ts,
	}

	cb([]audio.Packet{in}, nil)
	cb(nil, []audio.Packet{out})

	if sink != nil {
		sink(&out)
	}

	d.cycleCnt.Add(1)
}

func (d *MockDriver) worker() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.RunCycle()
		}
	}
}

// audio.Driver implementation

func (d *MockDriver) DeviceCount() int { return 1 }

func (d *MockDriver) DeviceLabel(devIdx int) string { return d.label }

func (d *MockDriver) DeviceChannelCount(devIdx int, input bool) int { return d.chCnt }

func (d *MockDriver) DeviceSampleRate(devIdx int) float64 { return d.srate }

func (d *MockDriver) DeviceFramesPerCycle(devIdx int, input bool) int { return d.framesPerCycle }

func (d *MockDriver) DeviceSetup(devIdx int, srate float64, framesPerCycle int, cb audio.PacketFunc, cbArg interface{}) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.running {
		return fmt.Errorf("mock device is running; stop it before setup")
	}
	d.srate = srate
	d.framesPerCycle = framesPerCycle
	d.cb = cb
	d.cbArg = cbArg
	return nil
}

func (d *MockDriver) DeviceStart(devIdx int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.running {
		return nil
	}
	if d.cb == nil {
		return fmt.Errorf("mock device has no callback; call setup first")
	}

	d.running = true
	if d.cycleInterval > 0 {
		d.stopChan = make(chan struct{})
		d.wg.Add(1)
		go d.worker()
	}
	logging.Debugf("hardware", "mock device '%s' started", d.label)
	return nil
}

func (d *MockDriver) DeviceStop(devIdx int) error {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return nil
	}
	d.running = false
	stop := d.stopChan
	d.stopChan = nil
	d.mutex.Unlock()

	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	logging.Debugf("hardware", "mock device '%s' stopped", d.label)
	return nil
}

func (d *MockDriver) DeviceIsStarted(devIdx int) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.running
}

func (d *MockDriver) DeviceRealTimeReport(devIdx int) string {
	return fmt.Sprintf("mock cb:%d err:%d state:%s",
		d.cycleCnt.Load(), d.errCnt.Load(),
		map[bool]string{true: "running", false: "setup"}[d.DeviceIsStarted(devIdx)])
}
