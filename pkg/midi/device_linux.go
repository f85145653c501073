//go:build linux && cgo

package midi

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <stdlib.h>
#include <string.h>

static const char* seq_strerror_wrapper(int err) {
    return snd_strerror(err);
}

// Build and emit one channel voice event. Returns 0 or a negative ALSA
// error code.
static int seq_send_channel_event(snd_seq_t *seq, int src_port,
                                  int dst_client, int dst_port,
                                  int status, int ch, int d0, int d1) {
    snd_seq_event_t ev;
    snd_seq_ev_clear(&ev);
    snd_seq_ev_set_source(&ev, src_port);
    snd_seq_ev_set_dest(&ev, dst_client, dst_port);
    snd_seq_ev_set_direct(&ev);
    snd_seq_ev_set_fixed(&ev);

    switch (status & 0xf0) {
    case 0x80:
        ev.type = SND_SEQ_EVENT_NOTEOFF;
        ev.data.note.note = d0;
        ev.data.note.velocity = d1;
        break;
    case 0x90:
        ev.type = SND_SEQ_EVENT_NOTEON;
        ev.data.note.note = d0;
        ev.data.note.velocity = d1;
        break;
    case 0xa0:
        ev.type = SND_SEQ_EVENT_KEYPRESS;
        ev.data.note.note = d0;
        ev.data.note.velocity = d1;
        break;
    case 0xb0:
        ev.type = SND_SEQ_EVENT_CONTROLLER;
        ev.data.control.param = d0;
        ev.data.control.value = d1;
        break;
    case 0xc0:
        ev.type = SND_SEQ_EVENT_PGMCHANGE;
        ev.data.control.param = d0;
        ev.data.control.value = d1;
        break;
    case 0xd0:
        ev.type = SND_SEQ_EVENT_CHANPRESS;
        ev.data.control.param = d0;
        ev.data.control.value = d1;
        break;
    case 0xe0: {
        int val = ((d0 << 7) + d1) - 8192;
        ev.type = SND_SEQ_EVENT_PITCHBEND;
        ev.data.control.param = 0;
        ev.data.control.value = val;
        break;
    }
    default:
        return -EINVAL;
    }

    ev.data.note.channel = status & 0x0f;

    int rc = snd_seq_event_output(seq, &ev);
    if (rc < 0)
        return rc;
    return snd_seq_drain_output(seq);
}

// Emit one raw SysEx event.
static int seq_send_sysex(snd_seq_t *seq, int src_port,
                          int dst_client, int dst_port,
                          void *data, unsigned len) {
    snd_seq_event_t ev;
    snd_seq_ev_clear(&ev);
    snd_seq_ev_set_source(&ev, src_port);
    snd_seq_ev_set_dest(&ev, dst_client, dst_port);
    snd_seq_ev_set_direct(&ev);
    snd_seq_ev_set_sysex(&ev, len, data);

    int rc = snd_seq_event_output(seq, &ev);
    if (rc < 0)
        return rc;
    return snd_seq_drain_output(seq);
}

// Decode a received event into a status triple. Returns 1 when the event
// maps to a MIDI message, 0 when it should be ignored.
static int seq_decode_event(snd_seq_event_t *ev, int *status, int *d0, int *d1,
                            long *sec, long *nsec, int *client, int *port) {
    *client = ev->source.client;
    *port   = ev->source.port;
    *sec    = ev->time.time.tv_sec;
    *nsec   = ev->time.time.tv_nsec;
    *d0 = 0xff;
    *d1 = 0xff;

    switch (ev->type) {
    case SND_SEQ_EVENT_NOTEON:
        *status = 0x90 | ev->data.note.channel;
        *d0 = ev->data.note.note;
        *d1 = ev->data.note.velocity;
        return 1;
    case SND_SEQ_EVENT_NOTEOFF:
        *status = 0x80 | ev->data.note.channel;
        *d0 = ev->data.note.note;
        *d1 = ev->data.note.velocity;
        return 1;
    case SND_SEQ_EVENT_KEYPRESS:
        *status = 0xa0 | ev->data.note.channel;
        *d0 = ev->data.note.note;
        *d1 = ev->data.note.velocity;
        return 1;
    case SND_SEQ_EVENT_CONTROLLER:
        *status = 0xb0 | ev->data.control.channel;
        *d0 = ev->data.control.param;
        *d1 = ev->data.control.value;
        return 1;
    case SND_SEQ_EVENT_PGMCHANGE:
        *status = 0xc0 | ev->data.control.channel;
        *d0 = ev->data.control.param;
        return 1;
    case SND_SEQ_EVENT_CHANPRESS:
        *status = 0xd0 | ev->data.control.channel;
        *d0 = ev->data.control.param;
        return 1;
    case SND_SEQ_EVENT_PITCHBEND: {
        int v = ev->data.control.value + 8192;
        *status = 0xe0 | ev->data.control.channel;
        *d0 = (v & 0x3f80) >> 7;
        *d1 = v & 0x7f;
        return 1;
    }
    case SND_SEQ_EVENT_QFRAME:
        *status = 0xf1;
        *d0 = ev->data.control.value;
        return 1;
    case SND_SEQ_EVENT_SONGPOS: {
        int v = ev->data.control.value;
        *status = 0xf2;
        *d0 = (v & 0x3f80) >> 7;
        *d1 = v & 0x7f;
        return 1;
    }
    case SND_SEQ_EVENT_SONGSEL:
        *status = 0xf3;
        *d0 = ev->data.control.value;
        return 1;
    case SND_SEQ_EVENT_TUNE_REQUEST: *status = 0xf6; return 1;
    case SND_SEQ_EVENT_CLOCK:        *status = 0xf8; return 1;
    case SND_SEQ_EVENT_START:        *status = 0xfa; return 1;
    case SND_SEQ_EVENT_CONTINUE:     *status = 0xfb; return 1;
    case SND_SEQ_EVENT_STOP:         *status = 0xfc; return 1;
    case SND_SEQ_EVENT_SENSING:      *status = 0xfe; return 1;
    case SND_SEQ_EVENT_RESET:        *status = 0xff; return 1;
    }
    return 0;
}

// Copy a received SysEx payload. Returns the copied length.
static unsigned seq_copy_sysex(snd_seq_event_t *ev, void *dst, unsigned dstN) {
    if (ev->type != SND_SEQ_EVENT_SYSEX || ev->data.ext.ptr == NULL)
        return 0;
    unsigned n = ev->data.ext.len;
    if (n > dstN)
        n = dstN;
    memcpy(dst, ev->data.ext.ptr, n);
    return n;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dougsko/aurad/pkg/audio"
	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/logging"
	"golang.org/x/sys/unix"
)

type seqPort struct {
	inputFl bool
	name    string
	client  int
	port    int
	parser  *Parser // input ports only
}

type seqDev struct {
	name     string
	clientID int
	inPorts  []seqPort
	outPorts []seqPort
}

// Device is the ALSA sequencer endpoint: one application client
// subscribed to every readable port on the system, with a per-input-port
// running-status parser, and the default route for outgoing messages.
type Device struct {
	seq   *C.snd_seq_t
	devs  []seqDev
	queue C.int

	appClient int
	appPort   int

	parserBufByteCnt int
	cb               CbFunc

	baseTime audio.TimeSpec

	stopChan chan struct{}
	wg       sync.WaitGroup

	eventCnt atomic.Uint64

	// receive routing cache: the device/port of the previous event
	prvDev  *seqDev
	prvPort *seqPort

	sysexBuf []byte
}

func seqErr(rc C.int, format string, args ...interface{}) error {
	return cwerr.Op(fmt.Errorf("%s", C.GoString(C.seq_strerror_wrapper(rc))),
		"%s", fmt.Sprintf(format, args...))
}

// NewDevice opens the ALSA sequencer, enumerates every client/port,
// subscribes the application to all readable ports, and starts the
// listening thread. cb receives every parsed input packet; additional
// subscribers may attach per port with InstallCallback.
func NewDevice(appName string, parserBufByteCnt int, cb CbFunc) (*Device, error) {
	d := &Device{
		parserBufByteCnt: parserBufByteCnt,
		cb:               cb,
		queue:            -1,
		sysexBuf:         make([]byte, parserBufByteCnt),
	}

	cname := C.CString("default")
	defer C.free(unsafe.Pointer(cname))

	if rc := C.snd_seq_open(&d.seq, cname, C.SND_SEQ_OPEN_DUPLEX, C.SND_SEQ_NONBLOCK); rc < 0 {
		return nil, seqErr(rc, "ALSA sequencer open failed")
	}
	C.snd_config_update_free_global()

	if err := d.setupClient(appName); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.enumerate(); err != nil {
		d.Close()
		return nil, err
	}

	if rc := C.snd_seq_start_queue(d.seq, d.queue, nil); rc < 0 {
		d.Close()
		return nil, seqErr(rc, "ALSA queue start failed")
	}
	C.snd_seq_drain_output(d.seq)

	// all event timestamps are offsets from this moment
	now := time.Now()
	d.baseTime = audio.TimeSpec{Sec: now.Unix(), NSec: int64(now.Nanosecond())}

	d.stopChan = make(chan struct{})
	d.wg.Add(1)
	go d.listen()

	logging.Infof("midi", "sequencer client %d with %d devices", d.appClient, len(d.devs))
	return d, nil
}

func (d *Device) setupClient(appName string) error {
	cname := C.CString(appName)
	defer C.free(unsafe.Pointer(cname))

	if d.queue = C.snd_seq_alloc_queue(d.seq); d.queue < 0 {
		return seqErr(d.queue, "ALSA queue allocation failed")
	}

	C.snd_seq_set_client_name(d.seq, cname)
	d.appClient = int(C.snd_seq_client_id(d.seq))

	var pip *C.snd_seq_port_info_t
	if rc := C.snd_seq_port_info_malloc(&pip); rc < 0 {
		return seqErr(rc, "port info allocation failed")
	}
	defer C.snd_seq_port_info_free(pip)

	C.snd_seq_port_info_set_client(pip, C.int(d.appClient))
	C.snd_seq_port_info_set_name(pip, cname)
	C.snd_seq_port_info_set_capability(pip,
		C.SND_SEQ_PORT_CAP_READ|C.SND_SEQ_PORT_CAP_WRITE|C.SND_SEQ_PORT_CAP_DUPLEX|
			C.SND_SEQ_PORT_CAP_SUBS_READ|C.SND_SEQ_PORT_CAP_SUBS_WRITE)
	C.snd_seq_port_info_set_type(pip,
		C.SND_SEQ_PORT_TYPE_SOFTWARE|C.SND_SEQ_PORT_TYPE_APPLICATION|C.SND_SEQ_PORT_TYPE_MIDI_GENERIC)
	C.snd_seq_port_info_set_midi_channels(pip, 16)

	// real-time timestamping against our queue
	C.snd_seq_port_info_set_timestamping(pip, 1)
	C.snd_seq_port_info_set_timestamp_real(pip, 1)
	C.snd_seq_port_info_set_timestamp_queue(pip, d.queue)

	if rc := C.snd_seq_create_port(d.seq, pip); rc < 0 {
		return seqErr(rc, "client port creation failed")
	}
	d.appPort = int(C.snd_seq_port_info_get_port(pip))

	return nil
}

func (d *Device) enumerate() error {
	var cip *C.snd_seq_client_info_t
	var pip *C.snd_seq_port_info_t

	if rc := C.snd_seq_client_info_malloc(&cip); rc < 0 {
		return seqErr(rc, "client info allocation failed")
	}
	defer C.snd_seq_client_info_free(cip)

	if rc := C.snd_seq_port_info_malloc(&pip); rc < 0 {
		return seqErr(rc, "port info allocation failed")
	}
	defer C.snd_seq_port_info_free(pip)

	var subs *C.snd_seq_port_subscribe_t
	if rc := C.snd_seq_port_subscribe_malloc(&subs); rc < 0 {
		return seqErr(rc, "subscription allocation failed")
	}
	defer C.snd_seq_port_subscribe_free(subs)

	var appAddr C.snd_seq_addr_t
	appAddr.client = C.uchar(d.appClient)
	appAddr.port = C.uchar(d.appPort)

	C.snd_seq_client_info_set_client(cip, -1)
	for C.snd_seq_query_next_client(d.seq, cip) == 0 {
		client := int(C.snd_seq_client_info_get_client(cip))
		if client == d.appClient {
			continue
		}

		dev := seqDev{
			name:     C.GoString(C.snd_seq_client_info_get_name(cip)),
			clientID: client,
		}

		C.snd_seq_port_info_set_client(pip, C.int(client))
		C.snd_seq_port_info_set_port(pip, -1)

		for C.snd_seq_query_next_port(d.seq, pip) == 0 {
			caps := C.snd_seq_port_info_get_capability(pip)
			portName := C.GoString(C.snd_seq_port_info_get_name(pip))
			addr := C.snd_seq_port_info_get_addr(pip)

			if caps&C.SND_SEQ_PORT_CAP_READ != 0 {
				sp := seqPort{
					inputFl: true,
					name:    portName,
					client:  int(addr.client),
					port:    int(addr.port),
					parser:  NewParser(len(d.devs), len(dev.inPorts), d.parserBufByteCnt),
				}
				if d.cb != nil {
					sp.parser.InstallCallback(d.cb)
				}

				// port -> app with queue timestamps
				C.snd_seq_port_subscribe_set_sender(subs, addr)
				C.snd_seq_port_subscribe_set_dest(subs, &appAddr)
				C.snd_seq_port_subscribe_set_queue(subs, d.queue)
				C.snd_seq_port_subscribe_set_time_update(subs, 1)
				C.snd_seq_port_subscribe_set_time_real(subs, 1)
				if rc := C.snd_seq_subscribe_port(d.seq, subs); rc < 0 {
					logging.Warnf("midi", "input subscription failed on '%s': %s",
						portName, C.GoString(C.seq_strerror_wrapper(rc)))
				}

				dev.inPorts = append(dev.inPorts, sp)
			}

			if caps&C.SND_SEQ_PORT_CAP_WRITE != 0 {
				sp := seqPort{
					inputFl: false,
					name:    portName,
					client:  int(addr.client),
					port:    int(addr.port),
				}

				// app -> port
				C.snd_seq_port_subscribe_set_sender(subs, &appAddr)
				C.snd_seq_port_subscribe_set_dest(subs, addr)
				if rc := C.snd_seq_subscribe_port(d.seq, subs); rc < 0 {
					logging.Warnf("midi", "output subscription failed on '%s': %s",
						portName, C.GoString(C.seq_strerror_wrapper(rc)))
				}

				dev.outPorts = append(dev.outPorts, sp)
			}
		}

		d.devs = append(d.devs, dev)
	}

	return nil
}

// listen is the MIDI input thread: a 50ms poll over the sequencer
// descriptors, then drain and parse all pending events.
func (d *Device) listen() {
	defer d.wg.Done()

	nfds := int(C.snd_seq_poll_descriptors_count(d.seq, C.POLLIN))
	if nfds <= 0 {
		logging.Error("midi", "no sequencer poll descriptors")
		return
	}
	cfds := make([]C.struct_pollfd, nfds)
	C.snd_seq_poll_descriptors(d.seq, &cfds[0], C.uint(nfds), C.POLLIN)

	fds := make([]unix.PollFd, nfds)
	for i, f := range cfds {
		fds[i] = unix.PollFd{Fd: int32(f.fd), Events: int16(f.events)}
	}

	for {
		select {
		case <-d.stopChan:
			return
		default:
		}

		n, err := unix.Poll(fds, 50)
		if err != nil && err != unix.EINTR {
			logging.Errorf("midi", "poll failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n <= 0 {
			continue
		}

		d.drainEvents()
	}
}

func (d *Device) drainEvents() {
	for {
		var ev *C.snd_seq_event_t
		rc := C.snd_seq_event_input(d.seq, &ev)
		if rc == -C.EAGAIN || ev == nil {
			break
		}
		if rc == -C.ENOSPC {
			// input buffer overrun: events were lost
			logging.Warn("midi", "sequencer input buffer overrun")
			break
		}
		if rc < 0 {
			break
		}

		d.routeEvent(ev)

		if C.snd_seq_event_input_pending(d.seq, 0) <= 0 {
			break
		}
	}

	if d.prvPort != nil && d.prvPort.parser != nil {
		d.prvPort.parser.Transmit()
	}
}

func (d *Device) routeEvent(ev *C.snd_seq_event_t) {
	var status, d0, d1, client, port C.int
	var sec, nsec C.long

	isMsg := C.seq_decode_event(ev, &status, &d0, &d1, &sec, &nsec, &client, &port)

	// resolve the source (device, port), caching the previous hit
	if d.prvDev == nil || d.prvDev.clientID != int(client) {
		d.prvDev = nil
		for i := range d.devs {
			if d.devs[i].clientID == int(client) {
				d.prvDev = &d.devs[i]
				break
			}
		}
		d.prvPort = nil
	}
	if d.prvDev != nil && (d.prvPort == nil || d.prvPort.port != int(port)) {
		d.prvPort = nil
		for i := range d.prvDev.inPorts {
			if d.prvDev.inPorts[i].port == int(port) {
				d.prvPort = &d.prvDev.inPorts[i]
				break
			}
		}
	}
	if d.prvDev == nil || d.prvPort == nil || d.prvPort.parser == nil {
		return
	}

	ts := d.baseTime
	ts.Sec += int64(sec)
	ts.NSec += int64(nsec)
	for ts.NSec >= 1e9 {
		ts.NSec -= 1e9
		ts.Sec++
	}

	if isMsg != 0 {
		d.prvPort.parser.Triple(ts, byte(status), byte(d0), byte(d1))
		d.eventCnt.Add(1)
		return
	}

	// SysEx arrives as a variable-length event; replay the raw bytes
	// through the parser so fragmentation and framing are handled in one
	// place.
	if n := C.seq_copy_sysex(ev, unsafe.Pointer(&d.sysexBuf[0]), C.uint(len(d.sysexBuf))); n > 0 {
		d.prvPort.parser.Parse(ts, d.sysexBuf[:int(n)])
		d.eventCnt.Add(1)
	}
}

// Close stops the listener and releases the sequencer.
func (d *Device) Close() error {
	if d.stopChan != nil {
		close(d.stopChan)
		d.wg.Wait()
		d.stopChan = nil
	}

	if d.seq != nil {
		if d.queue >= 0 {
			C.snd_seq_stop_queue(d.seq, d.queue, nil)
			C.snd_seq_free_queue(d.seq, d.queue)
			d.queue = -1
		}
		C.snd_seq_close(d.seq)
		d.seq = nil
	}
	return nil
}

// Count returns the number of MIDI devices (sequencer clients).
func (d *Device) Count() int { return len(d.devs) }

// Name returns the device name.
func (d *Device) Name(devIdx int) string {
	if devIdx < 0 || devIdx >= len(d.devs) {
		return ""
	}
	return d.devs[devIdx].name
}

// NameToIndex returns the index of the named device, or InvalidIdx.
func (d *Device) NameToIndex(name string) int {
	for i := range d.devs {
		if d.devs[i].name == name {
			return i
		}
	}
	return audio.InvalidIdx
}

// PortCount returns the number of input or output ports on a device.
func (d *Device) PortCount(devIdx int, input bool) int {
	if devIdx < 0 || devIdx >= len(d.devs) {
		return 0
	}
	if input {
		return len(d.devs[devIdx].inPorts)
	}
	return len(d.devs[devIdx].outPorts)
}

// PortName returns the name of a port.
func (d *Device) PortName(devIdx int, input bool, portIdx int) string {
	ports := d.ports(devIdx, input)
	if portIdx < 0 || portIdx >= len(ports) {
		return ""
	}
	return ports[portIdx].name
}

// PortNameToIndex returns the index of the named port, or InvalidIdx.
func (d *Device) PortNameToIndex(devIdx int, input bool, name string) int {
	for i, p := range d.ports(devIdx, input) {
		if p.name == name {
			return i
		}
	}
	return audio.InvalidIdx
}

func (d *Device) ports(devIdx int, input bool) []seqPort {
	if devIdx < 0 || devIdx >= len(d.devs) {
		return nil
	}
	if input {
		return d.devs[devIdx].inPorts
	}
	return d.devs[devIdx].outPorts
}

// Send emits one channel voice message on an output port.
func (d *Device) Send(devIdx, portIdx int, status, d0, d1 byte) error {
	ports := d.ports(devIdx, false)
	if portIdx < 0 || portIdx >= len(ports) {
		return cwerr.Arg("unknown MIDI output port %d:%d", devIdx, portIdx)
	}
	p := ports[portIdx]

	if rc := C.seq_send_channel_event(d.seq, C.int(d.appPort),
		C.int(p.client), C.int(p.port),
		C.int(status), C.int(status&0x0f), C.int(d0), C.int(d1)); rc < 0 {
		if rc == -C.EINVAL {
			return cwerr.Arg("cannot send invalid MIDI status byte 0x%x", status&0xf0)
		}
		return seqErr(rc, "MIDI event output failed")
	}
	return nil
}

// SendData emits a raw SysEx byte sequence on an output port. The data
// must include the 0xf0/0xf7 framing.
func (d *Device) SendData(devIdx, portIdx int, data []byte) error {
	ports := d.ports(devIdx, false)
	if portIdx < 0 || portIdx >= len(ports) {
		return cwerr.Arg("unknown MIDI output port %d:%d", devIdx, portIdx)
	}
	if len(data) == 0 {
		return cwerr.Arg("empty SysEx payload")
	}
	p := ports[portIdx]

	cdata := C.CBytes(data)
	defer C.free(cdata)

	if rc := C.seq_send_sysex(d.seq, C.int(d.appPort),
		C.int(p.client), C.int(p.port), cdata, C.uint(len(data))); rc < 0 {
		return seqErr(rc, "MIDI SysEx output failed")
	}
	return nil
}

// InstallCallback attaches a subscriber to a (device, port) pair. Use
// audio.InvalidIdx for devIdx or portIdx to attach to all devices or all
// ports. Returns the number of ports subscribed.
func (d *Device) InstallCallback(devIdx, portIdx int, cb CbFunc) int {
	n := 0
	for di := range d.devs {
		if devIdx != audio.InvalidIdx && devIdx != di {
			continue
		}
		for pi := range d.devs[di].inPorts {
			if portIdx != audio.InvalidIdx && portIdx != pi {
				continue
			}
			d.devs[di].inPorts[pi].parser.InstallCallback(cb)
			n++
		}
	}
	return n
}

// ErrorCount returns the sum of all port parser error counters.
func (d *Device) ErrorCount() uint32 {
	var n uint32
	for di := range d.devs {
		for pi := range d.devs[di].inPorts {
			n += d.devs[di].inPorts[pi].parser.ErrorCount()
		}
	}
	return n
}

// EventCount returns the number of recognized input events.
func (d *Device) EventCount() uint64 { return d.eventCnt.Load() }

// Report returns a human readable port listing.
func (d *Device) Report() string {
	s := ""
	for i := range d.devs {
		dev := &d.devs[i]
		s += fmt.Sprintf("%d : '%s'\n", i, dev.name)
		for _, p := range dev.inPorts {
			s += fmt.Sprintf("  in  client:%d port:%d '%s'\n", p.client, p.port, p.name)
		}
		for _, p := range dev.outPorts {
			s += fmt.Sprintf("  out client:%d port:%d '%s'\n", p.client, p.port, p.name)
		}
	}
	return s
}
