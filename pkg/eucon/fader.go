// Package eucon implements the control-surface side of the EuCon proxy
// protocol: the TCP handshake and heartbeat state machine, the
// type-length-value message reassembly, and the bridge between virtual
// channel state and a physical control surface.
package eucon

import (
	"encoding/binary"
	"sync"

	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/logging"
)

// Protocol states
type protoState int

const (
	stateWaitHandshake0 protoState = iota
	stateWaitHandshakeTick
	stateWaitHandshake1
	stateWaitHeartbeat
)

func (s protoState) String() string {
	switch s {
	case stateWaitHandshake0:
		return "wait-handshake-0"
	case stateWaitHandshakeTick:
		return "wait-handshake-tick"
	case stateWaitHandshake1:
		return "wait-handshake-1"
	case stateWaitHeartbeat:
		return "wait-heartbeat"
	}
	return "<invalid>"
}

// Physical control message type ids
const (
	PhysTouch = 0
	PhysFader = 1
	PhysMute  = 2
)

// Incoming TCP message type ids
const (
	msgHeartbeat = 0x03
	msgHello     = 0x0a
	msgConfirm   = 0x0c
	msgUpdate    = 0x19 // variable length; see msgByteCount
)

// SendFunc transmits a frame to the connected peer.
type SendFunc func(buf []byte)

// PhysFunc forwards a control change to the physical surface. The message
// layout matches PhysicalControlChanged.
type PhysFunc func(msg [3]byte)

// ChannelState is the tracked state of one surface strip.
type ChannelState struct {
	Position int16 `json:"position"`
	Mute     bool  `json:"mute"`
	Touch    bool  `json:"touch"`
}

// msgRef maps a message type id to its fixed frame length. Type 0x19
// frames carry their own length field and are absent here.
var msgRef = map[byte]int{
	msgHeartbeat: 4,
	msgHello:     8,
	0x0b:         72,
	msgConfirm:   8,
	0x0d:         8,
	0x08:         8,
	0x00:         8,
}

// Fader drives the control-surface session protocol. Receive is called
// from the TCP receive thread; Tick from the same thread on its receive
// timeout cadence, so no internal locking is needed on the protocol path.
// The channel state snapshot is guarded for readers on other threads.
type Fader struct {
	mac      [6]byte
	inetAddr [4]byte

	sendFn SendFunc
	physFn PhysFunc

	ticksPerHeartbeat int

	state     protoState
	tickN     int
	stateTick int // tick count at the last state transition

	// TLV reassembly
	msgTypeID  byte
	msgByteN   int // expected message length; 0 when idle, -1 when unknown
	msgByteIdx int
	msgHead    [8]byte // first 8 bytes of the in-flight message

	chMu  sync.RWMutex
	chans []ChannelState
}

// NewFader creates the protocol driver. ticksPerHeartbeat is the number
// of Tick calls between heartbeats once the handshake completes; with the
// session's 50ms tick it defaults to a 4 second cadence.
func NewFader(mac [6]byte, inetAddr [4]byte, ticksPerHeartbeat, chN int, sendFn SendFunc, physFn PhysFunc) *Fader {
	if ticksPerHeartbeat <= 0 {
		ticksPerHeartbeat = 80
	}
	if chN <= 0 {
		chN = 8
	}
	return &Fader{
		mac:               mac,
		inetAddr:          inetAddr,
		sendFn:            sendFn,
		physFn:            physFn,
		ticksPerHeartbeat: ticksPerHeartbeat,
		state:             stateWaitHandshake0,
		chans:             make([]ChannelState, chN),
	}
}

// Reset returns the protocol to the initial state, e.g. after the peer
// disconnects. Channel state is preserved.
func (f *Fader) Reset() {
	f.state = stateWaitHandshake0
	f.tickN = 0
	f.stateTick = 0
	f.msgByteN = 0
	f.msgByteIdx = 0
}

// State returns the protocol state name for diagnostics.
func (f *Fader) State() string { return f.state.String() }

// Channels returns a snapshot of the tracked channel state.
func (f *Fader) Channels() []ChannelState {
	f.chMu.RLock()
	defer f.chMu.RUnlock()
	return append([]ChannelState(nil), f.chans...)
}

func (f *Fader) send(buf []byte) {
	if f.sendFn != nil {
		f.sendFn(buf)
	}
}

// sendResponse0 answers the peer's hello with the 72-byte identity frame:
// the local MAC at offset 16 and the IPv4 address at offset 24. The frame
// is little-endian throughout except the address, which captured traffic
// shows in network byte order.
func (f *Fader) sendResponse0() {
	buf := make([]byte, 72)
	copy(buf, []byte{0x0b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x50,
		0x00, 0x02, 0x03, 0xfc, 0x01, 0x05, 0x06, 0x00})
	copy(buf[16:], f.mac[:])
	buf[22] = 0x01
	copy(buf[24:], f.inetAddr[:])
	// bytes 30..53 stay zero
	copy(buf[54:], []byte{0x03, 0xff, 0x00, 0x30, 0x08, 0x00, 0x00, 0x80,
		0x00, 0x40, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	f.send(buf)
}

func (f *Fader) sendResponse1() {
	f.send([]byte{0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08})
}

func (f *Fader) sendHeartbeat() {
	f.send([]byte{0x03, 0x00, 0x00, 0x00})
}

// msgByteCount returns the expected frame length for a type id, reading
// the 0x19 length field from the buffered head bytes once enough have
// arrived. Returns -1 while the length is still unknown.
func (f *Fader) msgByteCount(typeID byte, head []byte) int {
	if n, ok := msgRef[typeID]; ok {
		return n
	}
	if typeID == msgUpdate {
		// update frames carry a 16-bit length at offset 6 of an 8 byte
		// header
		if len(head) < 8 {
			return -1
		}
		return 8 + int(binary.LittleEndian.Uint16(head[6:8]))
	}
	return 0 // unknown type: resynchronize on the next byte
}

// Receive consumes a fragment from the TCP stream, reassembling frames
// and driving the handshake.
func (f *Fader) Receive(buf []byte) error {
	for _, b := range buf {
		if f.msgByteN == 0 || f.msgByteIdx == 0 {
			// message start
			f.msgTypeID = b
			f.msgByteIdx = 0
			f.msgByteN = -1
		}

		if f.msgByteIdx < len(f.msgHead) {
			f.msgHead[f.msgByteIdx] = b
		}
		f.msgByteIdx++

		if f.msgByteN < 0 {
			f.msgByteN = f.msgByteCount(f.msgTypeID, f.msgHead[:f.msgByteIdx])
			if f.msgByteN == 0 {
				// unrecognized type byte: drop it and resync
				logging.Debugf("eucon", "unknown message type 0x%02x", f.msgTypeID)
				f.msgByteIdx = 0
				continue
			}
		}

		if f.msgByteN > 0 && f.msgByteIdx >= f.msgByteN {
			f.onMsgComplete(f.msgTypeID)
			f.msgByteIdx = 0
			f.msgByteN = 0
		}
	}

	// handshake transitions react to the leading byte of the burst
	if len(buf) == 0 {
		return nil
	}
	switch f.state {
	case stateWaitHandshake0:
		if buf[0] == msgHello {
			f.sendResponse0()
			f.transition(stateWaitHandshakeTick)
		}
	case stateWaitHandshake1:
		if buf[0] == msgConfirm {
			f.sendResponse1()
			f.transition(stateWaitHeartbeat)
		}
	}
	return nil
}

func (f *Fader) transition(s protoState) {
	f.state = s
	f.stateTick = f.tickN
	logging.Debugf("eucon", "protocol state -> %s", s)
}

// onMsgComplete applies a fully reassembled peer message to the channel
// state and mirrors it to the physical surface.
func (f *Fader) onMsgComplete(typeID byte) {
	if typeID != msgUpdate {
		return
	}

	// update header: [0x19, subtype, ch, 0x00, valueLo, valueHi, lenLo, lenHi]
	subtype := f.msgHead[1]
	ch := int(f.msgHead[2])
	value := int16(binary.LittleEndian.Uint16(f.msgHead[4:6]))

	if ch < 0 || ch >= len(f.chans) {
		return
	}

	f.chMu.Lock()
	switch subtype {
	case PhysFader:
		f.chans[ch].Position = value
	case PhysMute:
		f.chans[ch].Mute = value != 0
	case PhysTouch:
		f.chans[ch].Touch = value != 0
	}
	f.chMu.Unlock()

	if f.physFn != nil {
		f.physFn([3]byte{byte(subtype)<<4 | byte(ch&0x0f), byte(value >> 7 & 0x7f), byte(value & 0x7f)})
	}
}

// Tick drives the time dependent protocol actions. The TCP session calls
// it on every 50ms receive timeout. It returns cwerr.ErrTimeout when the
// handshake has stalled; the caller reports this, the session stays up.
func (f *Fader) Tick() error {
	f.tickN++

	switch f.state {
	case stateWaitHandshakeTick:
		// one tick of settling after response 0, then the first
		// heartbeat completes the greeting
		f.sendHeartbeat()
		f.transition(stateWaitHandshake1)

	case stateWaitHeartbeat:
		if f.tickN-f.stateTick >= f.ticksPerHeartbeat {
			f.sendHeartbeat()
			f.stateTick = f.tickN
		}

	case stateWaitHandshake0, stateWaitHandshake1:
		// a peer that stalls mid-handshake is reported after four
		// heartbeat periods without progress
		if f.tickN-f.stateTick > f.ticksPerHeartbeat*4 {
			f.stateTick = f.tickN
			return cwerr.ErrTimeout
		}
	}
	return nil
}

// PhysicalControlChanged translates a 3-byte physical control message
// into the matching virtual event and transmits it to the peer. The
// layout packs the type id and channel into the first byte:
// [type<<4|ch, value_hi, value_lo] with a 14-bit value.
func (f *Fader) PhysicalControlChanged(msg [3]byte) {
	typeID := msg[0] >> 4
	ch := uint16(msg[0] & 0x0f)
	value := uint16(msg[1])<<7 | uint16(msg[2])

	switch typeID {
	case PhysFader:
		f.VirtualFaderMoved(ch, value)
	case PhysMute:
		f.VirtualMuteSwitched(ch, value)
	case PhysTouch:
		f.sendControl(PhysTouch, ch, value)
		f.chMu.Lock()
		if int(ch) < len(f.chans) {
			f.chans[ch].Touch = value != 0
		}
		f.chMu.Unlock()
	}
}

// VirtualFaderMoved records a fader position and notifies the peer.
func (f *Fader) VirtualFaderMoved(ch, position uint16) error {
	if int(ch) >= len(f.chans) {
		return cwerr.Arg("channel %d out of range", ch)
	}
	f.chMu.Lock()
	f.chans[ch].Position = int16(position)
	f.chMu.Unlock()

	f.sendControl(PhysFader, ch, position)
	return nil
}

// VirtualMuteSwitched records a mute change and notifies the peer.
func (f *Fader) VirtualMuteSwitched(ch, muteFl uint16) error {
	if int(ch) >= len(f.chans) {
		return cwerr.Arg("channel %d out of range", ch)
	}
	f.chMu.Lock()
	f.chans[ch].Mute = muteFl != 0
	f.chMu.Unlock()

	f.sendControl(PhysMute, ch, muteFl)
	return nil
}

// sendControl emits one little-endian control frame to the peer.
func (f *Fader) sendControl(typeID byte, ch, value uint16) {
	if f.state != stateWaitHeartbeat {
		// the peer ignores control traffic before the handshake
		return
	}
	buf := make([]byte, 8)
	buf[0] = 0x08
	buf[1] = typeID
	binary.LittleEndian.PutUint16(buf[2:], ch)
	binary.LittleEndian.PutUint16(buf[4:], value)
	f.send(buf)
}
