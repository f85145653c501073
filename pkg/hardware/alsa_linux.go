//go:build linux && cgo

package hardware

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <stdlib.h>

// Helper to get error string
static const char* alsa_strerror_wrapper(int err) {
    return snd_strerror(err);
}

// Heap-allocating wrappers for the alloca-style ALSA macros, which CGo
// cannot call directly.
static snd_pcm_hw_params_t* hw_params_alloc() {
    snd_pcm_hw_params_t *p = NULL;
    snd_pcm_hw_params_malloc(&p);
    return p;
}

static snd_pcm_sw_params_t* sw_params_alloc() {
    snd_pcm_sw_params_t *p = NULL;
    snd_pcm_sw_params_malloc(&p);
    return p;
}

static snd_pcm_info_t* pcm_info_alloc() {
    snd_pcm_info_t *p = NULL;
    snd_pcm_info_malloc(&p);
    return p;
}

// snd_pcm_htimestamp uses snd_htimestamp_t, which is a struct timespec.
static int pcm_htimestamp(snd_pcm_t *h, snd_pcm_uframes_t *avail, long *sec, long *nsec) {
    snd_htimestamp_t ts;
    int rc = snd_pcm_htimestamp(h, avail, &ts);
    *sec  = ts.tv_sec;
    *nsec = ts.tv_nsec;
    return rc;
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

const defaultPeriodsPerBuf = 2

const (
	alsaInFl  = 0x01
	alsaOutFl = 0x02
)

// alsaDev holds the negotiated state of one enumerated PCM device.
type alsaDev struct {
	devIdx int
	name   string // e.g. "hw:0,0"
	desc   string // card name + pcm name
	flags  int    // alsaInFl | alsaOutFl

	srate          int
	framesPerCycle int
	periodsPerBuf  int

	iPcm *C.snd_pcm_t
	oPcm *C.snd_pcm_t

	iChCnt, oChCnt     int
	iBits, oBits       int
	iSigBits, oSigBits int
	iSignFl, oSignFl   bool
	iSwapFl, oSwapFl   bool
	i3ByteFl, o3ByteFl bool // S24_3LE/S24_3BE packed formats
	iFpC, oFpC         int  // actual period size per direction

	iBuf, oBuf []audio.Sample // float scratch, period*channels
	iRaw, oRaw []byte         // native sample scratch

	iCbCnt, oCbCnt   atomic.Uint32
	iErrCnt, oErrCnt atomic.Uint32

	disconnected bool

	cb    audio.PacketFunc
	cbArg interface{}
}

type pollRef struct {
	dev     *alsaDev
	inputFl bool
	fd      int32
	events  int16
}

// ALSADriver is the Linux back-end. A single polling goroutine services
// every open PCM; there is no async callback mode, the polling thread
// gives tighter ordering and simpler recovery.
type ALSADriver struct {
	devs []*alsaDev

	ctrlMu   sync.Mutex // serializes setup/start/stop with the poll loop body
	pollRefs []pollRef

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

func alsaErr(rc C.int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return cwerr.Op(fmt.Errorf("%s", C.GoString(C.alsa_strerror_wrapper(rc))), "%s", msg)
}

func logAlsaErr(rc C.int, format string, args ...interface{}) {
	logging.Errorf("alsa", "%s: %s", fmt.Sprintf(format, args...),
		C.GoString(C.alsa_strerror_wrapper(rc)))
}

// NewALSADriver enumerates every PCM device on every sound card and
// returns a Driver fronting them. Devices are probed briefly in both
// directions to record channel counts and rate limits; nothing is left
// open.
func NewALSADriver() (*ALSADriver, error) {
	p := &ALSADriver{}

	cardNum := C.int(-1)
	for {
		if rc := C.snd_card_next(&cardNum); rc < 0 {
			return nil, alsaErr(rc, "error getting next sound card")
		}
		if cardNum < 0 {
			break
		}

		var cardName *C.char
		if rc := C.snd_card_get_name(cardNum, &cardName); rc < 0 || cardName == nil {
			logAlsaErr(rc, "unable to get name of card %d", int(cardNum))
			continue
		}
		card := C.GoString(cardName)
		C.free(unsafe.Pointer(cardName))

		ctlName := C.CString(fmt.Sprintf("hw:%d", int(cardNum)))
		var ctl *C.snd_ctl_t
		rc := C.snd_ctl_open(&ctl, ctlName, 0)
		C.free(unsafe.Pointer(ctlName))
		if rc < 0 {
			logAlsaErr(rc, "error opening card %d", int(cardNum))
			continue
		}

		p.enumerateCard(ctl, int(cardNum), card)
		C.snd_ctl_close(ctl)
	}

	// libasound caches parsed configuration globally; free it so long
	// running daemons don't hold it forever.
	C.snd_config_update_free_global()

	logging.Infof("alsa", "enumerated %d PCM devices", len(p.devs))
	return p, nil
}

func (p *ALSADriver) enumerateCard(ctl *C.snd_ctl_t, cardNum int, card string) {
	info := C.pcm_info_alloc()
	if info == nil {
		return
	}
	defer C.snd_pcm_info_free(info)

	devNum := C.int(-1)
	for {
		if rc := C.snd_ctl_pcm_next_device(ctl, &devNum); rc < 0 {
			logAlsaErr(rc, "error getting next device on card %d", cardNum)
			return
		}
		if devNum < 0 {
			return
		}

		dr := &alsaDev{
			name:          fmt.Sprintf("hw:%d,%d", cardNum, int(devNum)),
			periodsPerBuf: defaultPeriodsPerBuf,
		}

		C.snd_pcm_info_set_device(info, C.uint(devNum))
		C.snd_pcm_info_set_subdevice(info, 0)

		for _, inputFl := range []bool{true, false} {
			stream := C.SND_PCM_STREAM_PLAYBACK
			if inputFl {
				stream = C.SND_PCM_STREAM_CAPTURE
			}
			C.snd_pcm_info_set_stream(info, C.snd_pcm_stream_t(stream))

			// this device does not support this direction
			if C.snd_ctl_pcm_info(ctl, info) < 0 {
				continue
			}

			if dr.desc == "" {
				dr.desc = card + " " + C.GoString(C.snd_pcm_info_get_name(info))
			}

			chCnt, srate, ok := probePCM(dr.name, inputFl)
			if !ok {
				continue
			}
			if inputFl {
				dr.iChCnt = chCnt
				dr.flags |= alsaInFl
			} else {
				dr.oChCnt = chCnt
				dr.flags |= alsaOutFl
			}
			if srate > dr.srate {
				dr.srate = srate
			}
		}

		if dr.flags != 0 {
			dr.devIdx = len(p.devs)
			p.devs = append(p.devs, dr)
			logging.Debugf("alsa", "found %s (%s) in:%d out:%d rate:%d",
				dr.name, dr.desc, dr.iChCnt, dr.oChCnt, dr.srate)
		}
	}
}

// probePCM opens a PCM briefly to read its hardware parameter ranges.
func probePCM(name string, inputFl bool) (chCnt, srate int, ok bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	stream := C.SND_PCM_STREAM_PLAYBACK
	if inputFl {
		stream = C.SND_PCM_STREAM_CAPTURE
	}

	// retry while the device is busy; another application may hold it
	// only momentarily during enumeration
	var pcm *C.snd_pcm_t
	var rc C.int
	for try := 0; try < 100; try++ {
		rc = C.snd_pcm_open(&pcm, cname, C.snd_pcm_stream_t(stream), 0)
		if rc >= 0 || rc != -C.EBUSY {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rc < 0 {
		return 0, 0, false
	}
	defer C.snd_pcm_close(pcm)

	hw := C.hw_params_alloc()
	if hw == nil {
		return 0, 0, false
	}
	defer C.snd_pcm_hw_params_free(hw)

	if C.snd_pcm_hw_params_any(pcm, hw) < 0 {
		return 0, 0, false
	}

	var maxCh C.uint
	if C.snd_pcm_hw_params_get_channels_max(hw, &maxCh) < 0 {
		return 0, 0, false
	}

	var maxRate C.uint
	C.snd_pcm_hw_params_get_rate_max(hw, &maxRate, nil)

	return int(maxCh), int(maxRate), true
}

// formatPrefs is the sample format preference order; the first format the
// hardware accepts wins.
var formatPrefs = []C.snd_pcm_format_t{
	C.SND_PCM_FORMAT_S32_LE,
	C.SND_PCM_FORMAT_S32_BE,
	C.SND_PCM_FORMAT_S24_LE,
	C.SND_PCM_FORMAT_S24_BE,
	C.SND_PCM_FORMAT_S24_3LE,
	C.SND_PCM_FORMAT_S24_3BE,
	C.SND_PCM_FORMAT_S16_LE,
	C.SND_PCM_FORMAT_S16_BE,
}

func pcmStateString(state C.snd_pcm_state_t) string {
	switch state {
	case C.SND_PCM_STATE_OPEN:
		return "open"
	case C.SND_PCM_STATE_SETUP:
		return "setup"
	case C.SND_PCM_STATE_PREPARED:
		return "prepared"
	case C.SND_PCM_STATE_RUNNING:
		return "running"
	case C.SND_PCM_STATE_XRUN:
		return "xrun"
	case C.SND_PCM_STATE_DRAINING:
		return "draining"
	case C.SND_PCM_STATE_PAUSED:
		return "paused"
	case C.SND_PCM_STATE_SUSPENDED:
		return "suspended"
	case C.SND_PCM_STATE_DISCONNECTED:
		return "disconnected"
	}
	return "<invalid>"
}

// setupDirection opens and negotiates one direction of a device.
func (p *ALSADriver) setupDirection(dr *alsaDev, inputFl bool, srate, framesPerCycle int) error {
	dir := "output"
	stream := C.SND_PCM_STREAM_PLAYBACK
	chCnt := dr.oChCnt
	if inputFl {
		dir = "input"
		stream = C.SND_PCM_STREAM_CAPTURE
		chCnt = dr.iChCnt
	}

	// close a previously configured handle before reopening
	p.closeDirection(dr, inputFl)

	cname := C.CString(dr.name)
	defer C.free(unsafe.Pointer(cname))

	var pcm *C.snd_pcm_t
	if rc := C.snd_pcm_open(&pcm, cname, C.snd_pcm_stream_t(stream), 0); rc < 0 {
		return alsaErr(rc, "unable to open %s '%s' for %s", dr.name, dr.desc, dir)
	}

	hw := C.hw_params_alloc()
	if hw == nil {
		C.snd_pcm_close(pcm)
		return fmt.Errorf("hw params allocation failed")
	}
	defer C.snd_pcm_hw_params_free(hw)

	fail := func(rc C.int, what string) error {
		C.snd_pcm_close(pcm)
		return alsaErr(rc, "%s for %s '%s' %s", what, dr.name, dr.desc, dir)
	}

	if rc := C.snd_pcm_hw_params_any(pcm, hw); rc < 0 {
		return fail(rc, "error obtaining hw param record")
	}
	if rc := C.snd_pcm_hw_params_set_rate_resample(pcm, hw, 0); rc < 0 {
		return fail(rc, "unable to disable the sample rate converter")
	}
	if rc := C.snd_pcm_hw_params_set_channels(pcm, hw, C.uint(chCnt)); rc < 0 {
		return fail(rc, fmt.Sprintf("unable to set channel count to %d", chCnt))
	}
	if rc := C.snd_pcm_hw_params_set_rate(pcm, hw, C.uint(srate), 0); rc < 0 {
		return fail(rc, fmt.Sprintf("unable to set sample rate to %d", srate))
	}
	if rc := C.snd_pcm_hw_params_set_access(pcm, hw, C.SND_PCM_ACCESS_RW_INTERLEAVED); rc < 0 {
		return fail(rc, "unable to set interleaved access")
	}

	// select the first sample format the hardware accepts
	var fmtSel C.snd_pcm_format_t = -1
	for _, f := range formatPrefs {
		if C.snd_pcm_hw_params_set_format(pcm, hw, f) >= 0 {
			fmtSel = f
			break
		}
	}
	if fmtSel == -1 {
		return fail(0, "no acceptable sample format")
	}

	bits := int(C.snd_pcm_format_width(fmtSel))
	signFl := C.snd_pcm_format_signed(fmtSel) != 0
	swapFl := C.snd_pcm_format_cpu_endian(fmtSel) == 0
	threeByte := fmtSel == C.SND_PCM_FORMAT_S24_3LE || fmtSel == C.SND_PCM_FORMAT_S24_3BE
	sigBits := int(C.snd_pcm_hw_params_get_sbits(hw))

	// clamp the requested period into the hardware range
	var psMin, psMax C.snd_pcm_uframes_t
	if rc := C.snd_pcm_hw_params_get_period_size_min(hw, &psMin, nil); rc < 0 {
		return fail(rc, "unable to get the minimum period size")
	}
	if rc := C.snd_pcm_hw_params_get_period_size_max(hw, &psMax, nil); rc < 0 {
		return fail(rc, "unable to get the maximum period size")
	}

	period := C.snd_pcm_uframes_t(framesPerCycle)
	if period < psMin {
		period = psMin
	}
	if period > psMax {
		period = psMax
	}
	if rc := C.snd_pcm_hw_params_set_period_size_near(pcm, hw, &period, nil); rc < 0 {
		return fail(rc, fmt.Sprintf("unable to set period size near %d", framesPerCycle))
	}

	bufferFrames := period*C.snd_pcm_uframes_t(dr.periodsPerBuf) + 1
	if rc := C.snd_pcm_hw_params_set_buffer_size_near(pcm, hw, &bufferFrames); rc < 0 {
		return fail(rc, fmt.Sprintf("unable to set buffer size near %d", int(bufferFrames)))
	}

	if rc := C.snd_pcm_hw_params(pcm, hw); rc < 0 {
		return fail(rc, "hw parameter application failed")
	}

	// software parameters
	sw := C.sw_params_alloc()
	if sw == nil {
		C.snd_pcm_close(pcm)
		return fmt.Errorf("sw params allocation failed")
	}
	defer C.snd_pcm_sw_params_free(sw)

	if rc := C.snd_pcm_sw_params_current(pcm, sw); rc < 0 {
		return fail(rc, "error obtaining sw param record")
	}

	// Capture is started explicitly in DeviceStart; an effectively
	// infinite start threshold keeps the kernel from starting it early.
	startThresh := period
	if inputFl {
		startThresh = 0x7fffffff
	}
	if rc := C.snd_pcm_sw_params_set_start_threshold(pcm, sw, startThresh); rc < 0 {
		return fail(rc, "error setting the start threshold")
	}

	// Twice the buffer suppresses spurious xrun states; real over/under
	// runs are still observed through read/write errors.
	if rc := C.snd_pcm_sw_params_set_stop_threshold(pcm, sw, bufferFrames*2); rc < 0 {
		return fail(rc, "error setting the stop threshold")
	}
	if rc := C.snd_pcm_sw_params_set_avail_min(pcm, sw, period); rc < 0 {
		return fail(rc, "error setting avail min")
	}
	if rc := C.snd_pcm_sw_params_set_tstamp_mode(pcm, sw, C.SND_PCM_TSTAMP_MMAP); rc < 0 {
		return fail(rc, "error setting the timestamp mode")
	}
	if rc := C.snd_pcm_sw_params(pcm, sw); rc < 0 {
		return fail(rc, "error applying sw params")
	}

	// the driver may have chosen a different period
	var actFpC C.snd_pcm_uframes_t
	if rc := C.snd_pcm_hw_params_get_period_size(hw, &actFpC, nil); rc < 0 {
		return fail(rc, "unable to get the actual period size")
	}

	rawBytes := BytesPerSample(bits)
	if threeByte {
		rawBytes = 3
	}

	if inputFl {
		dr.iBits, dr.iSigBits = bits, sigBits
		dr.iSignFl, dr.iSwapFl, dr.i3ByteFl = signFl, swapFl, threeByte
		dr.iPcm = pcm
		dr.iFpC = int(actFpC)
		dr.iBuf = make([]audio.Sample, int(actFpC)*chCnt)
		dr.iRaw = make([]byte, int(actFpC)*chCnt*rawBytes)
	} else {
		dr.oBits, dr.oSigBits = bits, sigBits
		dr.oSignFl, dr.oSwapFl, dr.o3ByteFl = signFl, swapFl, threeByte
		dr.oPcm = pcm
		dr.oFpC = int(actFpC)
		dr.oBuf = make([]audio.Sample, int(actFpC)*chCnt)
		dr.oRaw = make([]byte, int(actFpC)*chCnt*rawBytes)
	}

	p.appendPollRefs(dr, inputFl, pcm)

	logging.Infof("alsa", "%s %s period:%d->%d buffer:%d bits:%d sig_bits:%d",
		dir, dr.name, framesPerCycle, int(actFpC), int(bufferFrames), bits, sigBits)

	return nil
}

// appendPollRefs records the poll descriptors for a device direction,
// replacing any earlier registration for the same (device, direction).
func (p *ALSADriver) appendPollRefs(dr *alsaDev, inputFl bool, pcm *C.snd_pcm_t) {
	kept := p.pollRefs[:0]
	for _, r := range p.pollRefs {
		if !(r.dev == dr && r.inputFl == inputFl) {
			kept = append(kept, r)
		}
	}
	p.pollRefs = kept

	n := int(C.snd_pcm_poll_descriptors_count(pcm))
	if n <= 0 {
		logging.Errorf("alsa", "no poll descriptors for %s", dr.name)
		return
	}

	fds := make([]C.struct_pollfd, n)
	if int(C.snd_pcm_poll_descriptors(pcm, &fds[0], C.uint(n))) != n {
		logging.Errorf("alsa", "poll descriptor assignment failed for %s", dr.name)
		return
	}
	for _, fd := range fds {
		p.pollRefs = append(p.pollRefs, pollRef{
			dev:     dr,
			inputFl: inputFl,
			fd:      int32(fd.fd),
			events:  int16(fd.events),
		})
	}
}

func (p *ALSADriver) closeDirection(dr *alsaDev, inputFl bool) {
	pcm := dr.oPcm
	if inputFl {
		pcm = dr.iPcm
	}
	if pcm == nil {
		return
	}
	if rc := C.snd_pcm_close(pcm); rc < 0 {
		logAlsaErr(rc, "error closing %s", dr.name)
	}
	if inputFl {
		dr.iPcm = nil
	} else {
		dr.oPcm = nil
	}

	kept := p.pollRefs[:0]
	for _, r := range p.pollRefs {
		if !(r.dev == dr && r.inputFl == inputFl) {
			kept = append(kept, r)
		}
	}
	p.pollRefs = kept
}

// xrunRecover handles -EPIPE/-ESTRPIPE on a PCM. Capture streams are
// re-prepared and restarted because recovery leaves them stopped.
func (dr *alsaDev) xrunRecover(pcm *C.snd_pcm_t, err C.int, inputFl bool) {
	if inputFl {
		dr.iErrCnt.Add(1)
	} else {
		dr.oErrCnt.Add(1)
	}

	switch err {
	case -C.EPIPE:
		if rc := C.snd_pcm_recover(pcm, err, 1); rc < 0 {
			logAlsaErr(rc, "xrun recover failed for %s", dr.name)
		}
		if inputFl {
			if rc := C.snd_pcm_prepare(pcm); rc < 0 {
				logAlsaErr(rc, "re-prepare failed for %s", dr.name)
			} else if rc := C.snd_pcm_start(pcm); rc < 0 {
				logAlsaErr(rc, "restart failed for %s", dr.name)
			}
		}

	case -C.ESTRPIPE:
		if rc := C.snd_pcm_recover(pcm, err, 1); rc < 0 {
			logAlsaErr(rc, "suspend recover failed for %s", dr.name)
		}

	default:
		logAlsaErr(err, "unrecoverable rd/wr error on %s", dr.name)
	}
}

// stateRecover maps a PCM state to the matching recovery action.
func (dr *alsaDev) stateRecover(pcm *C.snd_pcm_t, inputFl bool) {
	switch C.snd_pcm_state(pcm) {
	case C.SND_PCM_STATE_XRUN:
		dr.xrunRecover(pcm, -C.EPIPE, inputFl)
	case C.SND_PCM_STATE_SUSPENDED:
		dr.xrunRecover(pcm, -C.ESTRPIPE, inputFl)
	}
}

// readBuf reads one period from a capture PCM and converts it to float.
// Returns the frame count read, or a negative ALSA error code.
func (dr *alsaDev) readBuf() int {
	frames := C.snd_pcm_readi(dr.iPcm, unsafe.Pointer(&dr.iRaw[0]), C.snd_pcm_uframes_t(dr.iFpC))
	if frames < 0 {
		return int(frames)
	}

	n := int(frames) * dr.iChCnt
	if dr.i3ByteFl {
		FloatFromS24x3(dr.iBuf, dr.iRaw, n, dr.iSwapFl)
	} else {
		FloatFromBytes(dr.iBuf, dr.iRaw, n, dr.iBits, dr.iSigBits, dr.iSwapFl)
	}
	return int(frames)
}

// writeBuf converts and writes one period to a playback PCM. A nil source
// writes silence. Returns frames written or a negative ALSA error code.
func (dr *alsaDev) writeBuf(src []audio.Sample) int {
	n := dr.oFpC * dr.oChCnt

	if src == nil {
		for i := range dr.oRaw {
			dr.oRaw[i] = 0
		}
	} else if dr.o3ByteFl {
		S24x3FromFloat(dr.oRaw, src, n, dr.oSwapFl)
	} else {
		BytesFromFloat(dr.oRaw, src, n, dr.oBits, dr.oSigBits, dr.oSwapFl)
	}

	frames := C.snd_pcm_writei(dr.oPcm, unsafe.Pointer(&dr.oRaw[0]), C.snd_pcm_uframes_t(dr.oFpC))
	if frames < 0 {
		return int(frames)
	}
	if int(frames) != dr.oFpC {
		logging.Warnf("alsa", "%s: short write %d of %d frames", dr.name, int(frames), dr.oFpC)
	}
	return int(frames)
}

// pollLoop is the single driver thread. It owns every PCM handle while
// running; setup/start/stop synchronize with it through ctrlMu.
func (p *ALSADriver) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		p.ctrlMu.Lock()
		if len(p.pollRefs) == 0 {
			p.ctrlMu.Unlock()
			time.Sleep(250 * time.Millisecond)
			continue
		}

		fds := make([]unix.PollFd, len(p.pollRefs))
		for i, r := range p.pollRefs {
			fds[i] = unix.PollFd{Fd: r.fd, Events: r.events}
		}
		p.ctrlMu.Unlock()

		n, err := unix.Poll(fds, 250)
		if err != nil && err != unix.EINTR {
			logging.Errorf("alsa", "poll failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n <= 0 {
			continue
		}

		p.ctrlMu.Lock()
		p.servicePollEvents(fds)
		p.ctrlMu.Unlock()
	}
}

func (p *ALSADriver) servicePollEvents(fds []unix.PollFd) {
	if len(fds) != len(p.pollRefs) {
		// setup changed the descriptor set while we were polling
		return
	}

	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}

		r := p.pollRefs[i]
		dr := r.dev
		if dr.cb == nil {
			continue
		}

		if fd.Revents&unix.POLLHUP != 0 {
			logging.Warnf("alsa", "%s disconnected", dr.name)
			dr.disconnected = true
			p.closeDirection(dr, r.inputFl)
			return // pollRefs changed; re-enter on the next cycle
		}

		pcm := dr.oPcm
		chCnt := dr.oChCnt
		frmCnt := dr.oFpC
		if r.inputFl {
			pcm = dr.iPcm
			chCnt = dr.iChCnt
			frmCnt = dr.iFpC
		}
		if pcm == nil {
			continue
		}

		if r.inputFl {
			dr.iCbCnt.Add(1)
		} else {
			dr.oCbCnt.Add(1)
		}

		pkt := audio.Packet{
			DeviceIdx:     dr.devIdx,
			BeginCh:       0,
			ChCount:       chCnt,
			FrameCount:    frmCnt,
			BitsPerSample: 32,
			Flags:         audio.PacketInterleaved | audio.PacketFloat,
			CbArg:         dr.cbArg,
		}

		// hardware timestamp for the cycle; zeros on failure
		var avail C.snd_pcm_uframes_t
		var sec, nsec C.long
		if rc := C.pcm_htimestamp(pcm, &avail, &sec, &nsec); rc == 0 {
			pkt.Timestamp = audio.TimeSpec{Sec: int64(sec), NSec: int64(nsec)}
		}

		switch C.snd_pcm_state(pcm) {
		case C.SND_PCM_STATE_OPEN, C.SND_PCM_STATE_SETUP, C.SND_PCM_STATE_PREPARED,
			C.SND_PCM_STATE_DRAINING, C.SND_PCM_STATE_PAUSED, C.SND_PCM_STATE_DISCONNECTED:
			continue
		case C.SND_PCM_STATE_XRUN, C.SND_PCM_STATE_SUSPENDED:
			dr.stateRecover(pcm, r.inputFl)
			continue
		}

		// demangle the revents through ALSA
		cfd := C.struct_pollfd{
			fd:      C.int(fd.Fd),
			events:  C.short(fd.Events),
			revents: C.short(fd.Revents),
		}
		var revents C.ushort
		if rc := C.snd_pcm_poll_descriptors_revents(pcm, &cfd, 1, &revents); rc != 0 {
			logAlsaErr(rc, "revents demangle failed for %s", dr.name)
			continue
		}

		if revents&C.POLLERR != 0 {
			dr.stateRecover(pcm, r.inputFl)
			continue
		}

		var ioErr int
		switch {
		case r.inputFl && revents&C.POLLIN != 0:
			if got := dr.readBuf(); got > 0 {
				pkt.FrameCount = got
				pkt.Samples = dr.iBuf[:got*chCnt]
				dr.cb([]audio.Packet{pkt}, nil)
			} else {
				ioErr = got
			}

		case !r.inputFl && revents&C.POLLOUT != 0:
			pkt.Samples = dr.oBuf
			dr.cb(nil, []audio.Packet{pkt})

			// the callback may deliver fewer frames than a full
			// period; pad the cycle with silence instead
			src := dr.oBuf
			if pkt.FrameCount < frmCnt {
				src = nil
			}
			if wrote := dr.writeBuf(src); wrote < 0 {
				ioErr = wrote
			}
		}

		if ioErr < 0 {
			dr.xrunRecover(pcm, C.int(ioErr), r.inputFl)
		}
	}
}

// startLoop launches the polling thread if it is not already running.
func (p *ALSADriver) startLoop() {
	if p.started.CompareAndSwap(false, true) {
		p.stopChan = make(chan struct{})
		p.wg.Add(1)
		go p.pollLoop()
	}
}

// Close stops the polling thread and releases every PCM handle.
func (p *ALSADriver) Close() error {
	if p.started.CompareAndSwap(true, false) {
		close(p.stopChan)
		p.wg.Wait()
	}

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	for _, dr := range p.devs {
		p.closeDirection(dr, true)
		p.closeDirection(dr, false)
	}
	return nil
}

// audio.Driver implementation

func (p *ALSADriver) DeviceCount() int { return len(p.devs) }

func (p *ALSADriver) DeviceLabel(devIdx int) string {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return ""
	}
	return p.devs[devIdx].desc
}

func (p *ALSADriver) DeviceChannelCount(devIdx int, input bool) int {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return 0
	}
	if input {
		return p.devs[devIdx].iChCnt
	}
	return p.devs[devIdx].oChCnt
}

func (p *ALSADriver) DeviceSampleRate(devIdx int) float64 {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return 0
	}
	return float64(p.devs[devIdx].srate)
}

func (p *ALSADriver) DeviceFramesPerCycle(devIdx int, input bool) int {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return 0
	}
	dr := p.devs[devIdx]
	if input {
		if dr.iFpC > 0 {
			return dr.iFpC
		}
	} else if dr.oFpC > 0 {
		return dr.oFpC
	}
	return dr.framesPerCycle
}

func (p *ALSADriver) DeviceSetup(devIdx int, srate float64, framesPerCycle int, cb audio.PacketFunc, cbArg interface{}) error {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return cwerr.Arg("unknown ALSA device index %d", devIdx)
	}
	dr := p.devs[devIdx]

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()

	if dr.flags&alsaInFl != 0 {
		if err := p.setupDirection(dr, true, int(srate), framesPerCycle); err != nil {
			return err
		}
	}
	if dr.flags&alsaOutFl != 0 {
		if err := p.setupDirection(dr, false, int(srate), framesPerCycle); err != nil {
			p.closeDirection(dr, true)
			return err
		}
	}

	dr.srate = int(srate)
	dr.framesPerCycle = framesPerCycle
	dr.cb = cb
	dr.cbArg = cbArg
	dr.disconnected = false

	return nil
}

func (p *ALSADriver) DeviceStart(devIdx int) error {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return cwerr.Arg("unknown ALSA device index %d", devIdx)
	}
	dr := p.devs[devIdx]

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()

	for _, inputFl := range []bool{true, false} {
		pcm := dr.oPcm
		if inputFl {
			pcm = dr.iPcm
		}
		if pcm == nil || C.snd_pcm_state(pcm) == C.SND_PCM_STATE_RUNNING {
			continue
		}

		// hw params application may have left the stream prepared; the
		// redundant prepare is harmless
		if rc := C.snd_pcm_prepare(pcm); rc < 0 {
			return alsaErr(rc, "error preparing %s", dr.name)
		}

		if inputFl {
			if rc := C.snd_pcm_start(pcm); rc < 0 {
				return alsaErr(rc, "capture start failed for %s", dr.name)
			}
		} else {
			// one period of silence puts playback into the running
			// state through the start threshold
			if wrote := dr.writeBuf(nil); wrote < 0 {
				return alsaErr(C.int(wrote), "write before start failed for %s", dr.name)
			}
		}
	}

	p.startLoop()
	return nil
}

func (p *ALSADriver) DeviceStop(devIdx int) error {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return cwerr.Arg("unknown ALSA device index %d", devIdx)
	}
	dr := p.devs[devIdx]

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()

	var firstErr error
	if dr.iPcm != nil {
		if rc := C.snd_pcm_drop(dr.iPcm); rc < 0 && firstErr == nil {
			firstErr = alsaErr(rc, "capture stop failed for %s", dr.name)
		}
	}
	if dr.oPcm != nil {
		if rc := C.snd_pcm_drop(dr.oPcm); rc < 0 && firstErr == nil {
			firstErr = alsaErr(rc, "playback stop failed for %s", dr.name)
		}
	}
	return firstErr
}

func (p *ALSADriver) DeviceIsStarted(devIdx int) bool {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return false
	}
	dr := p.devs[devIdx]

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()

	if dr.iPcm != nil && C.snd_pcm_state(dr.iPcm) == C.SND_PCM_STATE_RUNNING {
		return true
	}
	if dr.oPcm != nil && C.snd_pcm_state(dr.oPcm) == C.SND_PCM_STATE_RUNNING {
		return true
	}
	return false
}

func (p *ALSADriver) DeviceRealTimeReport(devIdx int) string {
	if devIdx < 0 || devIdx >= len(p.devs) {
		return ""
	}
	dr := p.devs[devIdx]

	p.ctrlMu.Lock()
	iState, oState := "<not-used>", "<not-used>"
	if dr.iPcm != nil {
		iState = pcmStateString(C.snd_pcm_state(dr.iPcm))
	}
	if dr.oPcm != nil {
		oState = pcmStateString(C.snd_pcm_state(dr.oPcm))
	}
	p.ctrlMu.Unlock()

	return fmt.Sprintf("alsa cb i:%d o:%d err i:%d o:%d state i:%s o:%s",
		dr.iCbCnt.Load(), dr.oCbCnt.Load(),
		dr.iErrCnt.Load(), dr.oErrCnt.Load(),
		iState, oState)
}
