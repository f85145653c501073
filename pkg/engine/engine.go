// Package engine composes the audio, MIDI, mDNS and control-surface
// subsystems into the running daemon core: the driver callbacks feed the
// ring buffer, an application goroutine services it, and the surface
// session maps fader state onto channel gains and mutes.
package engine

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/aurad/pkg/audio"
	"github.com/dougsko/aurad/pkg/config"
	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/eucon"
	"github.com/dougsko/aurad/pkg/hardware"
	"github.com/dougsko/aurad/pkg/logging"
	"github.com/dougsko/aurad/pkg/mdns"
	"github.com/dougsko/aurad/pkg/midi"
	"github.com/dougsko/aurad/pkg/protocol"
	"github.com/dougsko/aurad/pkg/storage"
)

// ProcessFunc is the application audio processor. It receives the input
// and output channel windows of one dsp cycle; nil slots are disabled or
// pass-through channels. It runs on the engine's audio goroutine.
type ProcessFunc func(in, out [][]audio.Sample, inTime, outTime audio.TimeSpec)

// CoreEngine owns every subsystem of the daemon.
type CoreEngine struct {
	cfg *config.Config

	buf     *audio.Buffer
	devices *audio.DeviceManager
	alsa    *hardware.ALSADriver
	mock    *hardware.MockDriver

	midiDev *midi.Device

	responder *mdns.Responder
	fader     *eucon.Fader
	session   *eucon.Session

	events  *storage.EventLog
	monitor *audio.Monitor

	devIdx int // active device, global index
	inCh   int
	outCh  int

	process ProcessFunc

	startTime time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	running bool

	lastInFaults  uint32
	lastOutFaults uint32
}

// NewCoreEngine builds the engine from configuration. Hardware is probed
// but not started.
func NewCoreEngine(cfg *config.Config) (*CoreEngine, error) {
	e := &CoreEngine{
		cfg:      cfg,
		buf:      audio.NewBuffer(1, cfg.Audio.MeterMs),
		devices:  audio.NewDeviceManager(),
		devIdx:   audio.InvalidIdx,
		stopChan: make(chan struct{}),
	}

	events, err := storage.NewEventLog(cfg.Storage.DatabasePath, cfg.Storage.MaxEvents)
	if err != nil {
		return nil, err
	}
	e.events = events

	if err := e.setupAudio(); err != nil {
		e.events.Close()
		return nil, err
	}

	if cfg.MIDI.Enable {
		e.setupMIDI()
	}
	if cfg.Surface.Enable {
		if err := e.setupSurface(); err != nil {
			logging.Errorf("engine", "surface setup failed: %v", err)
		}
	}

	e.monitor = audio.NewMonitor(cfg.Audio.SampleRate, 1024)

	return e, nil
}

// SetProcessFunc installs the application audio processor. Must be called
// before Start.
func (e *CoreEngine) SetProcessFunc(fn ProcessFunc) { e.process = fn }

// setupAudio registers the driver back-ends and configures the selected
// device.
func (e *CoreEngine) setupAudio() error {
	cfg := e.cfg

	if !cfg.Audio.UseMock {
		alsa, err := hardware.NewALSADriver()
		if err != nil {
			logging.Warnf("engine", "ALSA unavailable (%v), using the mock driver", err)
		} else if alsa.DeviceCount() == 0 {
			logging.Warn("engine", "no ALSA devices found, using the mock driver")
			alsa.Close()
		} else {
			e.alsa = alsa
			e.devices.RegisterDriver(alsa)
		}
	}

	if e.devices.DeviceCount() == 0 {
		e.mock = hardware.NewMockDriver("mock: loopback", float64(cfg.Audio.SampleRate),
			2, cfg.Audio.FramesPerCycle, 10*time.Millisecond)
		e.devices.RegisterDriver(e.mock)
	}

	e.devices.Report()

	// resolve the configured device label, else take the first device
	e.devIdx = 0
	if cfg.Audio.Device != "" {
		if idx := e.devices.LabelToIndex(cfg.Audio.Device); idx != audio.InvalidIdx {
			e.devIdx = idx
		} else {
			return cwerr.Arg("audio device '%s' not found", cfg.Audio.Device)
		}
	}

	devIdx := e.devIdx
	if err := e.devices.Setup(devIdx, float64(cfg.Audio.SampleRate),
		cfg.Audio.FramesPerCycle, e.audioDeviceCallback, nil); err != nil {
		return fmt.Errorf("audio device setup failed: %w", err)
	}

	// the driver may have negotiated different cycle sizes
	inFpc := e.devices.FramesPerCycle(devIdx, true)
	outFpc := e.devices.FramesPerCycle(devIdx, false)
	e.inCh = e.devices.ChannelCount(devIdx, true)
	e.outCh = e.devices.ChannelCount(devIdx, false)

	if err := e.buf.Setup(0, float64(cfg.Audio.SampleRate), cfg.Audio.DSPFrameCount,
		cfg.Audio.BufferCycles, e.inCh, inFpc, e.outCh, outFpc); err != nil {
		return err
	}
	if err := e.buf.PrimeOutput(0, cfg.Audio.BufferCycles-1); err != nil {
		return err
	}

	logging.Infof("engine", "audio device %d '%s' in:%d out:%d fpc:%d/%d dsp:%d",
		devIdx, e.devices.Label(devIdx), e.inCh, e.outCh, inFpc, outFpc,
		cfg.Audio.DSPFrameCount)
	return nil
}

// audioDeviceCallback runs on the driver thread; it remaps the driver's
// local device index into the buffer's device slot and transfers samples.
func (e *CoreEngine) audioDeviceCallback(in []audio.Packet, out []audio.Packet) {
	for i := range in {
		in[i].DeviceIdx = 0
	}
	for i := range out {
		out[i].DeviceIdx = 0
	}
	e.buf.Update(in, out)
}

func (e *CoreEngine) setupMIDI() {
	dev, err := midi.NewDevice(e.cfg.MIDI.ClientName, e.cfg.MIDI.SysExBuffer, e.onMIDIPackets)
	if err != nil {
		logging.Warnf("engine", "MIDI unavailable: %v", err)
		return
	}
	e.midiDev = dev
	logging.Infof("engine", "MIDI ready with %d devices", dev.Count())
}

// onMIDIPackets is the default MIDI subscriber: controller messages drive
// the output channel gains so a knob box can act as a monitor mixer.
func (e *CoreEngine) onMIDIPackets(pkts []midi.Packet) {
	for _, pkt := range pkts {
		for _, m := range pkt.Msgs {
			if m.Status&0xf0 != midi.StatusCtl {
				continue
			}
			ch := int(m.Status & 0x0f)
			if ch < e.outCh {
				e.buf.SetGain(0, ch, audio.FlagOut, float64(m.D1)/127.0)
			}
		}
	}
}

func (e *CoreEngine) setupSurface() error {
	cfg := e.cfg

	mac, ip, hostname, err := hostInfo(cfg.Surface.Interface)
	if err != nil {
		return err
	}

	svc := mdns.Service{
		Instance: cfg.Surface.Instance,
		Type:     cfg.Surface.ServiceType,
		Domain:   cfg.Surface.Domain,
		HostName: hostname + "." + cfg.Surface.Domain,
		HostIPv4: ip,
		HostPort: uint16(cfg.Surface.Port),
		HostMAC:  mac,
		TXT: []string{
			fmt.Sprintf("lmac=%02X-%02X-%02X-%02X-%02X-%02X",
				mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]),
			"dummy=0",
		},
	}

	responder, err := mdns.NewResponder(svc, cfg.Surface.Interface)
	if err != nil {
		return err
	}

	e.fader = eucon.NewFader(mac, ip, cfg.Surface.TicksPerHeartbeat,
		cfg.Surface.Channels, nil, e.onSurfaceControl)

	session, err := eucon.NewSession(fmt.Sprintf(":%d", cfg.Surface.Port), e.fader)
	if err != nil {
		responder.Close()
		return err
	}

	e.responder = responder
	e.session = session
	return nil
}

// onSurfaceControl maps surface control changes onto the ring buffer:
// fader position scales the output channel gain, the mute switch mutes it.
func (e *CoreEngine) onSurfaceControl(msg [3]byte) {
	typeID := msg[0] >> 4
	ch := int(msg[0] & 0x0f)
	value := int(msg[1])<<7 | int(msg[2])

	if ch >= e.outCh {
		return
	}

	switch typeID {
	case eucon.PhysFader:
		e.buf.SetGain(0, ch, audio.FlagOut, float64(value)/16383.0)
		e.logEvent(storage.EventSurface, "", ch, float64(value), "fader")
	case eucon.PhysMute:
		flags := uint32(audio.FlagOut)
		if value != 0 {
			flags |= audio.FlagEnable
		}
		e.buf.EnableMute(0, ch, flags)
		e.logEvent(storage.EventSurface, "", ch, float64(value), "mute")
	}
}

func (e *CoreEngine) logEvent(category, device string, channel int, value float64, detail string) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(category, device, channel, value, detail); err != nil {
		logging.Warnf("engine", "event append failed: %v", err)
	}
}

// Start brings the subsystems up: device, application loop, responder and
// surface session.
func (e *CoreEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.devices.Start(e.devIdx); err != nil {
		return fmt.Errorf("audio device start failed: %w", err)
	}

	if e.responder != nil {
		if err := e.responder.Start(); err != nil {
			return err
		}
	}
	if e.session != nil {
		e.session.Start()
	}

	e.startTime = time.Now()
	e.stopChan = make(chan struct{})
	e.wg.Add(1)
	go e.audioLoop()

	e.running = true
	e.logEvent(storage.EventLifecycle, e.devices.Label(e.devIdx), -1, 0, "started")
	logging.Info("engine", "core engine started")
	return nil
}

// Stop shuts everything down in dependency order: devices stop feeding
// the buffer, the application loop exits, then the network subsystems and
// storage close.
func (e *CoreEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	if err := e.devices.Stop(e.devIdx); err != nil {
		logging.Warnf("engine", "audio device stop failed: %v", err)
	}

	close(e.stopChan)
	e.wg.Wait()

	if e.session != nil {
		e.session.Close()
	}
	if e.responder != nil {
		e.responder.Close()
	}
	if e.midiDev != nil {
		e.midiDev.Close()
	}
	if e.alsa != nil {
		e.alsa.Close()
	}

	e.logEvent(storage.EventLifecycle, "", -1, 0, "stopped")
	if e.events != nil {
		e.events.Close()
	}

	e.running = false
	logging.Info("engine", "core engine stopped")
	return nil
}

// audioLoop is the application thread: it services the ring buffer with
// Get/Advance cycles, feeds the monitor, and tracks fault counters.
func (e *CoreEngine) audioLoop() {
	defer e.wg.Done()

	iBufs := make([][]audio.Sample, e.inCh)
	oBufs := make([][]audio.Sample, e.outCh)
	meters := make([]float64, maxInt(e.inCh, e.outCh))

	faultTicker := time.NewTicker(time.Second)
	defer faultTicker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-faultTicker.C:
			e.recordFaults(meters)
		default:
		}

		if !e.buf.IsDeviceReady(0, audio.FlagIn|audio.FlagOut) {
			time.Sleep(time.Millisecond)
			continue
		}

		var iTime, oTime audio.TimeSpec
		e.buf.GetIO(0, iBufs, &iTime, 0, oBufs, &oTime)

		if len(iBufs) > 0 && iBufs[0] != nil {
			e.monitor.Process(iBufs[0])
		}

		if e.process != nil {
			e.process(iBufs, oBufs, iTime, oTime)
		}

		e.buf.Advance(0, audio.FlagIn|audio.FlagOut)
	}
}

// recordFaults logs fault counter changes and a meter snapshot once per
// second. It runs on the audio goroutine, off the hot path.
func (e *CoreEngine) recordFaults(meters []float64) {
	_, inFaults := e.buf.Status(0, audio.FlagIn, meters)
	n, outFaults := e.buf.Status(0, audio.FlagOut, meters)

	if inFaults != e.lastInFaults {
		e.logEvent(storage.EventFault, e.devices.Label(e.devIdx), -1,
			float64(inFaults-e.lastInFaults), "input overflow")
		e.lastInFaults = inFaults
	}
	if outFaults != e.lastOutFaults {
		e.logEvent(storage.EventFault, e.devices.Label(e.devIdx), -1,
			float64(outFaults-e.lastOutFaults), "output underflow")
		e.lastOutFaults = outFaults
	}

	if n > 0 && e.buf.IsMeterEnabled(0, 0, audio.FlagOut) {
		e.logEvent(storage.EventMeter, e.devices.Label(e.devIdx), 0, meters[0], "")
	}
}

// Buffer exposes the ring buffer for flag and gain control.
func (e *CoreEngine) Buffer() *audio.Buffer { return e.buf }

// Monitor exposes the level/spectrum monitor for the websocket stream.
func (e *CoreEngine) Monitor() *audio.Monitor { return e.monitor }

// Events exposes the event log.
func (e *CoreEngine) Events() *storage.EventLog { return e.events }

// MockDriver returns the mock back-end when one is active (tests,
// headless mode), else nil.
func (e *CoreEngine) MockDriver() *hardware.MockDriver { return e.mock }

// Fader returns the control-surface state machine, or nil.
func (e *CoreEngine) Fader() *eucon.Fader { return e.fader }

// Devices lists every registered audio device.
func (e *CoreEngine) Devices() []protocol.DeviceInfo {
	out := make([]protocol.DeviceInfo, 0, e.devices.DeviceCount())
	for i := 0; i < e.devices.DeviceCount(); i++ {
		out = append(out, protocol.DeviceInfo{
			Index:             i,
			Label:             e.devices.Label(i),
			SampleRate:        e.devices.SampleRate(i),
			InChannels:        e.devices.ChannelCount(i, true),
			OutChannels:       e.devices.ChannelCount(i, false),
			InFramesPerCycle:  e.devices.FramesPerCycle(i, true),
			OutFramesPerCycle: e.devices.FramesPerCycle(i, false),
			Started:           e.devices.IsStarted(i),
			RealTimeReport:    e.devices.RealTimeReport(i),
		})
	}
	return out
}

// AudioStatus snapshots the ring-buffer meters and fault counts.
func (e *CoreEngine) AudioStatus() *protocol.AudioStatus {
	st := &protocol.AudioStatus{DeviceIdx: e.devIdx}

	st.Input.Meters = make([]float64, e.inCh)
	_, st.Input.FaultCnt = e.buf.Status(0, audio.FlagIn, st.Input.Meters)

	st.Output.Meters = make([]float64, e.outCh)
	_, st.Output.FaultCnt = e.buf.Status(0, audio.FlagOut, st.Output.Meters)

	return st
}

// MIDIStatus snapshots the MIDI layer.
func (e *CoreEngine) MIDIStatus() protocol.MIDIStatus {
	st := protocol.MIDIStatus{Enabled: e.midiDev != nil}
	if e.midiDev != nil {
		st.Devices = e.midiDev.Count()
		st.EventCount = e.midiDev.EventCount()
		st.ErrorCount = e.midiDev.ErrorCount()
		st.Report = e.midiDev.Report()
	}
	return st
}

// SurfaceStatus snapshots the control-surface session.
func (e *CoreEngine) SurfaceStatus() protocol.SurfaceStatus {
	st := protocol.SurfaceStatus{Enabled: e.session != nil}
	if e.responder != nil {
		st.Instance = e.responder.InstanceName()
	}
	if e.session != nil {
		st.Connected = e.session.Connected()
		st.SessionID = e.session.SessionID()
		st.TimeoutCount = e.session.TimeoutCount()
	}
	if e.fader != nil {
		st.ProtoState = e.fader.State()
		st.Channels = e.fader.Channels()
	}
	return st
}

// Status assembles the full daemon status.
func (e *CoreEngine) Status(version string) *protocol.Status {
	return &protocol.Status{
		Version:   version,
		Uptime:    time.Since(e.startTime).Round(time.Second).String(),
		StartTime: e.startTime,
		Devices:   e.Devices(),
		Audio:     e.AudioStatus(),
		MIDI:      e.MIDIStatus(),
		Surface:   e.SurfaceStatus(),
	}
}

// SetChannelFlag applies a feature toggle from the API.
func (e *CoreEngine) SetChannelFlag(req protocol.ChannelFlagsRequest) error {
	var side uint32
	switch strings.ToLower(req.Side) {
	case "in":
		side = audio.FlagIn
	case "out":
		side = audio.FlagOut
	default:
		return cwerr.Arg("unknown side '%s'", req.Side)
	}

	if req.Enable {
		side |= audio.FlagEnable
	}

	switch strings.ToLower(req.Flag) {
	case "enable":
		e.buf.EnableChannel(0, req.Channel, side)
	case "mute":
		e.buf.EnableMute(0, req.Channel, side)
	case "tone":
		e.buf.EnableTone(0, req.Channel, side)
	case "meter":
		e.buf.EnableMeter(0, req.Channel, side)
	case "pass":
		e.buf.EnablePass(0, req.Channel, side)
	default:
		return cwerr.Arg("unknown flag '%s'", req.Flag)
	}
	return nil
}

// SetGain applies a gain or tone frequency change from the API.
func (e *CoreEngine) SetGain(req protocol.GainRequest) error {
	var side uint32
	switch strings.ToLower(req.Side) {
	case "in":
		side = audio.FlagIn
	case "out":
		side = audio.FlagOut
	default:
		return cwerr.Arg("unknown side '%s'", req.Side)
	}

	e.buf.SetGain(0, req.Channel, side, req.Gain)
	if req.ToneHz > 0 {
		e.buf.SetToneHz(0, req.Channel, side, req.ToneHz)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// hostInfo resolves the MAC, IPv4 address and hostname to advertise. An
// empty interface name selects the first up, non-loopback interface with
// an IPv4 address.
func hostInfo(ifaceName string) ([6]byte, [4]byte, string, error) {
	var mac [6]byte
	var ip [4]byte

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "aurad"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return mac, ip, hostname, cwerr.Op(err, "interface enumeration failed")
	}

	for _, iface := range ifaces {
		if ifaceName != "" && iface.Name != ifaceName {
			continue
		}
		if ifaceName == "" &&
			(iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				copy(ip[:], v4)
				copy(mac[:], iface.HardwareAddr)
				return mac, ip, hostname, nil
			}
		}
	}

	return mac, ip, hostname, cwerr.Op(nil, "no usable network interface")
}
