package midi

import (
	"sync"
	"sync/atomic"

	"github.com/dougsko/aurad/pkg/audio"
)

// Msg is one complete parsed MIDI message. Status includes the channel for
// voice messages. Unused data bytes are set to InvalidData.
type Msg struct {
	Timestamp audio.TimeSpec
	Status    byte
	D0        byte
	D1        byte
}

// Packet carries a batch of parsed messages, or one SysEx payload, from a
// (device, port) pair to subscribers.
type Packet struct {
	DevIdx    int
	PortIdx   int
	Msgs      []Msg  // nil for SysEx packets
	SysEx     []byte // payload without the 0xf0/0xf7 framing
	Timestamp audio.TimeSpec
}

// CbFunc receives parsed packet batches. Callbacks are invoked outside the
// subscriber lock and must be cheap and never block.
type CbFunc func(pkts []Packet)

// Parser reassembles an arbitrarily fragmented MIDI byte stream into
// packets. Running status is honored; system real-time bytes may arrive in
// the middle of a message without disturbing it; SysEx payloads larger than
// the configured buffer are delivered as multiple fragments.
type Parser struct {
	devIdx  int
	portIdx int

	bufByteCnt int // SysEx accumulator limit

	runStatus byte // current running status, 0 when none
	dataCnt   int  // expected data bytes for runStatus
	dataIdx   int  // data bytes collected so far
	d0        byte
	msgTime   audio.TimeSpec // timestamp of the in-flight message

	inSysEx bool
	sysex   []byte

	pendingMsgs []Msg
	pendingPkts []Packet

	errCnt atomic.Uint32

	subMu   sync.Mutex
	subs    map[int]CbFunc
	nextSub int
}

// maxPendingMsgs bounds the message batch between Transmit calls; reaching
// it forces an automatic flush so a silent client cannot grow the buffer.
const maxPendingMsgs = 128

// NewParser creates a parser for one (device, port) pair. bufByteCnt is
// the largest SysEx payload delivered in a single packet.
func NewParser(devIdx, portIdx, bufByteCnt int) *Parser {
	if bufByteCnt <= 0 {
		bufByteCnt = 1024
	}
	return &Parser{
		devIdx:     devIdx,
		portIdx:    portIdx,
		bufByteCnt: bufByteCnt,
		subs:       make(map[int]CbFunc),
	}
}

// ErrorCount returns the number of protocol errors observed.
func (p *Parser) ErrorCount() uint32 { return p.errCnt.Load() }

// InstallCallback adds a subscriber and returns its id for RemoveCallback.
func (p *Parser) InstallCallback(cb CbFunc) int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = cb
	return id
}

// RemoveCallback removes a subscriber.
func (p *Parser) RemoveCallback(id int) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	delete(p.subs, id)
}

// HasCallback returns true if the subscriber id is installed.
func (p *Parser) HasCallback(id int) bool {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	_, ok := p.subs[id]
	return ok
}

// Parse consumes one stream fragment. ts applies to every byte in the
// fragment.
func (p *Parser) Parse(ts audio.TimeSpec, buf []byte) {
	for _, b := range buf {
		p.parseByte(ts, b)
	}
}

func (p *Parser) parseByte(ts audio.TimeSpec, b byte) {
	if IsStatus(b) {
		switch {
		case IsRealTime(b):
			// Real-time bytes are emitted immediately and do not
			// interrupt running status or an in-flight message.
			p.pendingMsgs = append(p.pendingMsgs, Msg{
				Timestamp: ts,
				Status:    b,
				D0:        InvalidData,
				D1:        InvalidData,
			})
			p.flushIfFull()

		case b == StatusSysEx:
			p.inSysEx = true
			p.sysex = p.sysex[:0]
			p.msgTime = ts

		case b == StatusSysComEOX:
			if p.inSysEx {
				p.emitSysEx(ts)
				p.inSysEx = false
			} else {
				p.errCnt.Add(1)
			}

		default:
			if p.inSysEx {
				// A status byte other than EOX terminates SysEx
				// implicitly.
				p.emitSysEx(ts)
				p.inSysEx = false
			}
			n := StatusDataByteCount(b)
			if n < 0 {
				p.errCnt.Add(1)
				p.runStatus = 0
				return
			}
			p.runStatus = b
			p.dataCnt = n
			p.dataIdx = 0
			if n == 0 {
				// status-only message (e.g. tune request)
				p.pendingMsgs = append(p.pendingMsgs, Msg{
					Timestamp: ts,
					Status:    b,
					D0:        InvalidData,
					D1:        InvalidData,
				})
				p.runStatus = 0
				p.flushIfFull()
			}
		}
		return
	}

	// data byte

	if p.inSysEx {
		p.sysex = append(p.sysex, b)
		if len(p.sysex) >= p.bufByteCnt {
			// Flush the full accumulator as a partial fragment and
			// keep accumulating.
			p.emitSysEx(ts)
			p.sysex = p.sysex[:0]
		}
		return
	}

	if p.runStatus == 0 {
		// data with no prior status
		p.errCnt.Add(1)
		return
	}

	// A message's timestamp is that of its first data byte, not the
	// status byte; under running status the status byte may be long gone.
	if p.dataIdx == 0 {
		p.msgTime = ts
		p.d0 = InvalidData
	}

	if p.dataIdx == 0 && p.dataCnt > 1 {
		p.d0 = b
		p.dataIdx++
		return
	}

	// final data byte of the message
	msg := Msg{Timestamp: p.msgTime, Status: p.runStatus, D0: p.d0, D1: InvalidData}
	if p.dataCnt == 1 {
		msg.D0 = b
	} else {
		msg.D1 = b
	}
	p.pendingMsgs = append(p.pendingMsgs, msg)

	// keep running status so the next data byte reuses it
	p.dataIdx = 0
	p.flushIfFull()
}

// Triple inserts a pre-parsed message into the output buffer. Unused data
// bytes should be set to InvalidData.
func (p *Parser) Triple(ts audio.TimeSpec, status, d0, d1 byte) {
	p.pendingMsgs = append(p.pendingMsgs, Msg{Timestamp: ts, Status: status, D0: d0, D1: d1})
	p.flushIfFull()
}

func (p *Parser) emitSysEx(ts audio.TimeSpec) {
	if len(p.sysex) == 0 && !p.inSysEx {
		return
	}
	p.flushMsgs()
	payload := append([]byte(nil), p.sysex...)
	p.pendingPkts = append(p.pendingPkts, Packet{
		DevIdx:    p.devIdx,
		PortIdx:   p.portIdx,
		SysEx:     payload,
		Timestamp: p.msgTime,
	})
}

// flushMsgs moves buffered messages into a pending packet, preserving
// order relative to SysEx packets.
func (p *Parser) flushMsgs() {
	if len(p.pendingMsgs) == 0 {
		return
	}
	msgs := append([]Msg(nil), p.pendingMsgs...)
	p.pendingPkts = append(p.pendingPkts, Packet{
		DevIdx:    p.devIdx,
		PortIdx:   p.portIdx,
		Msgs:      msgs,
		Timestamp: msgs[0].Timestamp,
	})
	p.pendingMsgs = p.pendingMsgs[:0]
}

func (p *Parser) flushIfFull() {
	if len(p.pendingMsgs) >= maxPendingMsgs {
		p.Transmit()
	}
}

// Transmit flushes the buffered packet batch to every subscriber.
func (p *Parser) Transmit() {
	p.flushMsgs()
	if len(p.pendingPkts) == 0 {
		return
	}
	pkts := p.pendingPkts
	p.pendingPkts = nil

	p.subMu.Lock()
	cbs := make([]CbFunc, 0, len(p.subs))
	for _, cb := range p.subs {
		cbs = append(cbs, cb)
	}
	p.subMu.Unlock()

	// callbacks run outside the lock
	for _, cb := range cbs {
		cb(pkts)
	}
}
