package eucon

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMAC = [6]byte{0x00, 0x90, 0xd5, 0x80, 0xf4, 0xde}
	testIP  = [4]byte{192, 168, 0, 68}
)

type sendLog struct {
	frames [][]byte
}

func (l *sendLog) send(buf []byte) {
	l.frames = append(l.frames, append([]byte(nil), buf...))
}

func newTestFader(l *sendLog) *Fader {
	return NewFader(testMAC, testIP, 4, 8, l.send, nil)
}

func TestHandshakeSequence(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l)

	// peer hello
	require.NoError(t, f.Receive([]byte{0x0a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	require.Len(t, l.frames, 1, "response 0 must follow the hello")

	r0 := l.frames[0]
	assert.Len(t, r0, 72)
	assert.Equal(t, byte(0x0b), r0[0])
	assert.Equal(t, testMAC[:], r0[16:22], "local MAC at offset 16")
	assert.Equal(t, testIP[:], r0[24:28], "IPv4 in network byte order at offset 24")

	// next tick emits the greeting heartbeat
	require.NoError(t, f.Tick())
	require.Len(t, l.frames, 2)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, l.frames[1])

	// peer confirm
	require.NoError(t, f.Receive([]byte{0x0c, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08}))
	require.Len(t, l.frames, 3)
	assert.Equal(t, []byte{0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08}, l.frames[2])
	assert.Equal(t, "wait-heartbeat", f.State())
}

func TestHeartbeatCadence(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l) // 4 ticks per heartbeat

	require.NoError(t, f.Receive([]byte{0x0a}))
	require.NoError(t, f.Tick())
	require.NoError(t, f.Receive([]byte{0x0c}))
	base := len(l.frames)

	// 12 ticks at 4 ticks per heartbeat emits 3 heartbeats
	for i := 0; i < 12; i++ {
		require.NoError(t, f.Tick())
	}
	beats := l.frames[base:]
	assert.Len(t, beats, 3)
	for _, b := range beats {
		assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, b)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l) // timeout after 4*4 ticks without progress

	var rc error
	for i := 0; i < 17 && rc == nil; i++ {
		rc = f.Tick()
	}
	require.Error(t, rc)
	assert.True(t, errors.Is(rc, cwerr.ErrTimeout))

	// the timeout is reported, not fatal: the handshake can still finish
	require.NoError(t, f.Receive([]byte{0x0a}))
	assert.Equal(t, "wait-handshake-tick", f.State())
}

func TestUpdateReassembly(t *testing.T) {
	l := &sendLog{}
	var phys [][3]byte
	f := NewFader(testMAC, testIP, 4, 8, l.send, func(msg [3]byte) {
		phys = append(phys, msg)
	})

	// A fader move for channel 3, value 513, delivered one byte at a
	// time: [0x19, subtype, ch, 0, valueLo, valueHi, lenLo, lenHi].
	frame := []byte{0x19, PhysFader, 3, 0x00, 0x01, 0x02, 0x00, 0x00}
	for _, b := range frame {
		require.NoError(t, f.Receive([]byte{b}))
	}

	chans := f.Channels()
	assert.Equal(t, int16(513), chans[3].Position)

	require.Len(t, phys, 1)
	assert.Equal(t, byte(PhysFader<<4|3), phys[0][0])
	assert.Equal(t, byte(513>>7), phys[0][1])
	assert.Equal(t, byte(513&0x7f), phys[0][2])
}

func TestUpdateWithPayload(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l)

	// length field of 4 extends the frame to 12 bytes; a mute follows
	frame := append([]byte{0x19, PhysMute, 1, 0x00, 0x01, 0x00, 0x04, 0x00},
		0xde, 0xad, 0xbe, 0xef)
	frame = append(frame, 0x19, PhysTouch, 2, 0x00, 0x01, 0x00, 0x00, 0x00)
	require.NoError(t, f.Receive(frame))

	chans := f.Channels()
	assert.True(t, chans[1].Mute)
	assert.True(t, chans[2].Touch)
}

func TestPhysicalControlBridging(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l)

	// complete the handshake so control traffic flows
	require.NoError(t, f.Receive([]byte{0x0a}))
	require.NoError(t, f.Tick())
	require.NoError(t, f.Receive([]byte{0x0c}))
	base := len(l.frames)

	f.PhysicalControlChanged([3]byte{PhysFader<<4 | 2, 0x04, 0x01}) // ch2, value 513
	f.PhysicalControlChanged([3]byte{PhysMute<<4 | 5, 0x00, 0x01})  // ch5, mute on

	chans := f.Channels()
	assert.Equal(t, int16(513), chans[2].Position)
	assert.True(t, chans[5].Mute)

	require.Len(t, l.frames[base:], 2)
	fr := l.frames[base]
	assert.Equal(t, byte(0x08), fr[0])
	assert.Equal(t, byte(PhysFader), fr[1])
	assert.Equal(t, byte(2), fr[2]) // channel, little endian
	assert.Equal(t, uint16(513), uint16(fr[4])|uint16(fr[5])<<8)
}

func TestControlSuppressedBeforeHandshake(t *testing.T) {
	l := &sendLog{}
	f := newTestFader(l)

	require.NoError(t, f.VirtualFaderMoved(0, 100))
	assert.Empty(t, l.frames, "control frames must not flow before the handshake")

	assert.Error(t, f.VirtualFaderMoved(99, 0))
}

func TestSessionOverTCP(t *testing.T) {
	f := NewFader(testMAC, testIP, 4, 8, nil, nil)

	s, err := NewSession("127.0.0.1:0", f)
	require.NoError(t, err)
	s.Start()
	defer s.Close()

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// hello
	_, err = conn.Write([]byte{0x0a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	// response 0 arrives promptly
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r0 := make([]byte, 72)
	_, err = readFull(conn, r0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0b), r0[0])

	// greeting heartbeat on the next tick
	hb := make([]byte, 4)
	_, err = readFull(conn, hb)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, hb)

	// confirm
	_, err = conn.Write([]byte{0x0c, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08})
	require.NoError(t, err)

	r1 := make([]byte, 8)
	_, err = readFull(conn, r1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08}, r1)

	assert.True(t, s.Connected())
	assert.NotEmpty(t, s.SessionID())

	// heartbeats continue at the configured cadence (4 ticks = 200ms)
	beat := make([]byte, 4)
	_, err = readFull(conn, beat)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, beat)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
