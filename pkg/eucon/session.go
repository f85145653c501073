package eucon

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/logging"
	"github.com/google/uuid"
)

// tickInterval is the receive timeout of the session thread; it doubles
// as the protocol tick period.
const tickInterval = 50 * time.Millisecond

// Session owns the control-surface TCP endpoint: a listener that accepts
// exactly one peer at a time and a receive thread that feeds the Fader and
// drives its tick clock.
type Session struct {
	fader *Fader
	lis   net.Listener

	mu        sync.Mutex
	conn      net.Conn
	sessionID string

	timeoutN uint32

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSession starts listening on addr (e.g. ":49168"). The Fader's send
// callback is wired to the connected peer by the session.
func NewSession(addr string, fader *Fader) (*Session, error) {
	lis, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, cwerr.Op(err, "surface TCP listen on %s failed", addr)
	}

	s := &Session{
		fader:    fader,
		lis:      lis,
		stopChan: make(chan struct{}),
	}
	fader.sendFn = s.sendToPeer

	return s, nil
}

// Start launches the session thread.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close shuts the session down: the socket closes first, then the thread
// exits on its next cycle.
func (s *Session) Close() error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.lis.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Connected reports whether a peer is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SessionID returns the id of the current peer session, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// TimeoutCount returns how many handshake stalls the fader reported.
func (s *Session) TimeoutCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeoutN
}

func (s *Session) sendToPeer(buf []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if _, err := conn.Write(buf); err != nil {
		logging.Warnf("eucon", "send to peer failed: %v", err)
	}
}

func (s *Session) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			logging.Warnf("eucon", "accept failed: %v", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		s.conn = conn
		s.sessionID = id
		s.mu.Unlock()

		logging.Infof("eucon", "surface peer %s connected (session %s)",
			conn.RemoteAddr(), id)

		s.serve(conn)

		s.mu.Lock()
		s.conn = nil
		s.sessionID = ""
		s.mu.Unlock()
		conn.Close()

		s.fader.Reset()
		logging.Infof("eucon", "surface peer disconnected (session %s)", id)
	}
}

// serve is the per-peer receive loop. The read deadline provides the
// protocol tick: every timeout or received fragment advances the fader
// clock once per tickInterval.
func (s *Session) serve(conn net.Conn) {
	buf := make([]byte, 4096)
	lastTick := time.Now()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(tickInterval))
		n, err := conn.Read(buf)

		if n > 0 {
			if rerr := s.fader.Receive(buf[:n]); rerr != nil {
				logging.Warnf("eucon", "receive error: %v", rerr)
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// timeout is the tick
			} else {
				return // peer closed or fatal socket error
			}
		}

		if time.Since(lastTick) >= tickInterval {
			lastTick = time.Now()
			if terr := s.fader.Tick(); terr != nil {
				s.mu.Lock()
				s.timeoutN++
				n := s.timeoutN
				s.mu.Unlock()
				logging.Warnf("eucon", "handshake stalled in state %s (timeout %d)",
					s.fader.State(), n)
			}
		}
	}
}

// Addr returns the listener address.
func (s *Session) Addr() string {
	return fmt.Sprintf("%v", s.lis.Addr())
}
