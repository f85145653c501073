package mdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dougsko/aurad/pkg/cwerr"
	"github.com/dougsko/aurad/pkg/logging"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Service describes the one advertised service instance.
type Service struct {
	Instance string // e.g. "MC Mix"
	Type     string // e.g. "_EuConProxy._tcp"
	Domain   string // e.g. "local"
	HostName string // e.g. "Euphonix-MC-0090D580F4DE.local"
	HostIPv4 [4]byte
	HostPort uint16
	HostMAC  [6]byte
	TXT      []string
}

// Responder advertises one DNS-SD service over multicast DNS and answers
// PTR/SRV/TXT/A queries for it. All group state is mutated only on the
// responder goroutine; the public mutators post through a channel.
type Responder struct {
	mu  sync.Mutex
	svc Service

	instanceID int // collision rename suffix; 0 means the base name

	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr

	stopChan chan struct{}
	reqChan  chan func()
	wg       sync.WaitGroup

	announceN int
}

// NewResponder opens the multicast socket and prepares the responder; no
// traffic is sent until Start.
func NewResponder(svc Service, ifaceName string) (*Responder, error) {
	r := &Responder{
		svc:      svc,
		group:    &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: MulticastPort},
		stopChan: make(chan struct{}),
		reqChan:  make(chan func(), 8),
	}

	// The mDNS port is shared with any other responder on the host, so
	// both REUSEADDR and REUSEPORT are required.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", MulticastPort))
	if err != nil {
		return nil, cwerr.Op(err, "mDNS UDP socket create failed")
	}
	r.conn = pc.(*net.UDPConn)
	r.pconn = ipv4.NewPacketConn(r.conn)

	var iface *net.Interface
	if ifaceName != "" {
		if iface, err = net.InterfaceByName(ifaceName); err != nil {
			r.conn.Close()
			return nil, cwerr.Op(err, "unknown interface '%s'", ifaceName)
		}
	}

	if err := r.pconn.JoinGroup(iface, &net.UDPAddr{IP: r.group.IP}); err != nil {
		r.conn.Close()
		return nil, cwerr.Op(err, "multicast group join failed")
	}
	if err := r.pconn.SetMulticastTTL(255); err != nil {
		logging.Warnf("mdns", "set multicast TTL failed: %v", err)
	}
	if err := r.pconn.SetMulticastLoopback(true); err != nil {
		logging.Warnf("mdns", "set multicast loopback failed: %v", err)
	}
	if iface != nil {
		if err := r.pconn.SetMulticastInterface(iface); err != nil {
			logging.Warnf("mdns", "set multicast interface failed: %v", err)
		}
	}

	return r, nil
}

// Start announces the service and begins answering queries.
func (r *Responder) Start() error {
	r.wg.Add(1)
	go r.run()
	return nil
}

// Close shuts the responder down and closes the socket.
func (r *Responder) Close() error {
	select {
	case <-r.stopChan:
	default:
		close(r.stopChan)
	}
	r.conn.Close()
	r.wg.Wait()
	return nil
}

// UpdateTXT replaces the TXT fields and re-announces the TXT record. The
// record is always re-serialized; the previously sent wire form is never
// patched in place.
func (r *Responder) UpdateTXT(fields []string) {
	cp := append([]string(nil), fields...)
	select {
	case r.reqChan <- func() {
		r.mu.Lock()
		r.svc.TXT = cp
		r.mu.Unlock()
		r.announceTXT()
	}:
	case <-r.stopChan:
	}
}

// InstanceName returns the current (possibly renamed) instance name.
func (r *Responder) InstanceName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceName()
}

func (r *Responder) instanceName() string {
	if r.instanceID == 0 {
		return r.svc.Instance
	}
	return fmt.Sprintf("%s - %d", r.svc.Instance, r.instanceID)
}

func (r *Responder) serviceName() string {
	return r.svc.Type + "." + r.svc.Domain
}

func (r *Responder) fullInstanceName() string {
	return r.instanceName() + "." + r.serviceName()
}

// run is the responder goroutine: announce, then alternate between
// receiving queries and serving mutation requests.
func (r *Responder) run() {
	defer r.wg.Done()

	r.announce()

	buf := make([]byte, 4096)
	for {
		select {
		case <-r.stopChan:
			return
		case fn := <-r.reqChan:
			fn()
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, src, err := r.pconn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopChan:
				return
			default:
			}
			logging.Warnf("mdns", "receive failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		r.receive(buf[:n], src)
	}
}

func (r *Responder) send(records []Record, flags uint16) {
	buf, err := BuildMessage(0, flags, records)
	if err != nil {
		logging.Errorf("mdns", "message build failed: %v", err)
		return
	}
	if _, err := r.pconn.WriteTo(buf, nil, r.group); err != nil {
		logging.Warnf("mdns", "send failed: %v", err)
	}
}

// answerRecords builds the authoritative record set for the service.
func (r *Responder) answerRecords() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullInstanceName()
	return []Record{
		{
			Section: SectionAnswer, Name: full, Type: TypeSRV,
			Class: ClassFlush | ClassIN, TTL: 120,
			Port: r.svc.HostPort, Target: r.svc.HostName,
		},
		{
			Section: SectionAnswer, Name: r.svc.HostName, Type: TypeA,
			Class: ClassFlush | ClassIN, TTL: 120, Addr: r.svc.HostIPv4,
		},
		{
			Section: SectionAnswer, Name: r.serviceName(), Type: TypePTR,
			Class: ClassIN, TTL: 4500, Target: full,
		},
		{
			Section: SectionAnswer, Name: full, Type: TypeTXT,
			Class: ClassFlush | ClassIN, TTL: 4500, TXT: r.svc.TXT,
		},
		{
			Section: SectionAnswer, Name: "_services._dns-sd._udp." + r.svc.Domain,
			Type: TypePTR, Class: ClassIN, TTL: 4500, Target: r.serviceName(),
		},
	}
}

// announce probes for the instance name, then multicasts the full
// authoritative record set.
func (r *Responder) announce() {
	r.mu.Lock()
	full := r.fullInstanceName()
	port := r.svc.HostPort
	host := r.svc.HostName
	txt := r.svc.TXT
	r.mu.Unlock()

	// probe: question plus proposed records in the authority section
	probe := []Record{
		{Section: SectionQuestion, Name: full, Type: TypeANY, Class: ClassIN},
		{Section: SectionAuthority, Name: full, Type: TypeSRV, Class: ClassIN,
			TTL: 120, Port: port, Target: host},
		{Section: SectionAuthority, Name: full, Type: TypeTXT, Class: ClassIN,
			TTL: 4500, TXT: txt},
	}
	r.send(probe, 0)

	time.Sleep(250 * time.Millisecond)

	r.send(r.answerRecords(), FlagsReply|FlagsAuthoritative)
	r.announceN++
	logging.Infof("mdns", "announced '%s'", full)
}

func (r *Responder) announceTXT() {
	r.mu.Lock()
	rec := Record{
		Section: SectionAnswer, Name: r.fullInstanceName(), Type: TypeTXT,
		Class: ClassFlush | ClassIN, TTL: 4500, TXT: r.svc.TXT,
	}
	r.mu.Unlock()
	r.send([]Record{rec}, FlagsReply|FlagsAuthoritative)
}

// receive handles one incoming datagram: answer matching questions and
// watch replies for an instance name collision.
func (r *Responder) receive(buf []byte, src net.Addr) {
	msg, err := ParseMessage(buf)
	if err != nil {
		// mDNS traffic from other stacks can carry records we do not
		// model; a parse failure is routine, not an error.
		return
	}

	if msg.Flags&FlagsReply != 0 {
		r.checkCollision(msg)
		return
	}

	var answers []Record
	for _, q := range msg.RecordsIn(SectionQuestion) {
		answers = append(answers, r.answersFor(&q)...)
	}
	if len(answers) > 0 {
		r.send(answers, FlagsReply|FlagsAuthoritative)
	}
}

// answersFor returns the records answering one question, or nil.
func (r *Responder) answersFor(q *Record) []Record {
	r.mu.Lock()
	full := r.fullInstanceName()
	service := r.serviceName()
	host := r.svc.HostName
	r.mu.Unlock()

	name := strings.ToLower(q.Name)
	all := r.answerRecords()

	match := func(types ...uint16) []Record {
		if q.Type != TypeANY {
			ok := false
			for _, t := range types {
				if q.Type == t {
					ok = true
				}
			}
			if !ok {
				return nil
			}
		}
		var out []Record
		for _, rec := range all {
			if strings.EqualFold(rec.Name, q.Name) {
				if q.Type == TypeANY || rec.Type == q.Type {
					out = append(out, rec)
				}
			}
		}
		return out
	}

	switch name {
	case strings.ToLower(service):
		// PTR enumeration: answer the pointer and attach SRV/TXT/A as
		// additionals the way a full responder would
		recs := match(TypePTR)
		for _, extra := range all {
			if extra.Type == TypeSRV || extra.Type == TypeTXT || extra.Type == TypeA {
				extra.Section = SectionAdditional
				recs = append(recs, extra)
			}
		}
		return recs
	case strings.ToLower(full):
		return match(TypeSRV, TypeTXT)
	case strings.ToLower(host):
		return match(TypeA)
	case "_services._dns-sd._udp." + strings.ToLower(r.svc.Domain):
		return match(TypePTR)
	}
	return nil
}

// checkCollision renames the instance when another responder claims our
// instance name with a different target, then re-announces.
func (r *Responder) checkCollision(msg *Message) {
	r.mu.Lock()
	full := r.fullInstanceName()
	host := r.svc.HostName
	r.mu.Unlock()

	for _, rec := range msg.RecordsIn(SectionAnswer) {
		if rec.Type == TypeSRV && strings.EqualFold(rec.Name, full) &&
			!strings.EqualFold(rec.Target, host) {

			r.mu.Lock()
			r.instanceID++
			renamed := r.fullInstanceName()
			r.mu.Unlock()

			logging.Infof("mdns", "service name collision, renaming service to '%s'", renamed)
			r.announce()
			return
		}
	}
}
