// Package mdns implements the subset of multicast DNS / DNS-SD needed to
// advertise one service: wire-format message building and parsing for the
// A, PTR, TXT, SRV, OPT and NSEC record types, and a responder that
// announces the service, answers the relevant queries and handles instance
// name collisions.
package mdns

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dougsko/aurad/pkg/cwerr"
)

// DNS record types
const (
	TypeA    = 1
	TypePTR  = 12
	TypeTXT  = 16
	TypeAAAA = 28
	TypeSRV  = 33
	TypeOPT  = 41
	TypeNSEC = 47
	TypeANY  = 255
)

// Class and header flag constants
const (
	ClassIN    = 0x0001
	ClassFlush = 0x8000 // cache-flush bit on the class word

	FlagsReply         = 0x8000
	FlagsAuthoritative = 0x0400
)

// Fixed wire sizes
const (
	hdrByteN      = 12
	questionByteN = 4  // type + class
	rsrcByteN     = 10 // type + class + ttl + rdlength
	srvBodyByteN  = 6  // priority + weight + port
	optBodyByteN  = 4  // code + length, contained within OPT rdata
)

// MulticastAddr is the mDNS IPv4 group address and port.
const (
	MulticastGroup = "224.0.0.251"
	MulticastPort  = 5353
)

// Section identifies where a record is serialized within a message.
type Section int

const (
	SectionQuestion Section = iota
	SectionAnswer
	SectionAuthority
	SectionAdditional
)

// Record is one question or resource record. Names are dotted strings; a
// name may instead be a 2-byte compression pointer ("\xc0" followed by the
// low 8 bits of the target offset), which is copied to the wire verbatim.
//
// The rdata fields used depend on Type: Addr for A, Target for PTR and
// SRV, TXT for TXT, Priority/Weight/Port for SRV, Data for OPT and NSEC.
// OPT and NSEC rdata is carried verbatim (for OPT that includes the
// 4-byte option code/length header) so round trips are byte exact.
// Questions carry no rdata.
type Record struct {
	Section Section
	Name    string
	Type    uint16
	Class   uint16
	TTL     uint32

	Addr     [4]byte
	Target   string
	TXT      []string
	Priority uint16
	Weight   uint16
	Port     uint16
	Data     []byte
}

// TypeString returns the mnemonic for a DNS record type.
func TypeString(t uint16) string {
	switch t {
	case TypeA:
		return "A"
	case TypePTR:
		return "PTR"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	case TypeSRV:
		return "SRV"
	case TypeOPT:
		return "OPT"
	case TypeNSEC:
		return "NSEC"
	case TypeANY:
		return "ANY"
	}
	return "<unknown DNS type>"
}

// isPointer returns true when the name is a raw compression pointer.
func isPointer(name string) bool {
	return len(name) >= 1 && name[0]&0xc0 == 0xc0
}

// encodedNameLen returns the wire length of a name: 2 for a pointer,
// otherwise one length byte per label plus the terminating zero label.
func encodedNameLen(name string) int {
	if isPointer(name) {
		return 2
	}
	if name == "" {
		return 1
	}
	return len(name) + 2
}

// appendName serializes a dotted name as length-prefixed labels with a
// terminating zero, or copies a compression pointer verbatim.
func appendName(b []byte, name string) []byte {
	if isPointer(name) {
		return append(b, name[0], name[1])
	}
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			b = append(b, byte(len(label)))
			b = append(b, label...)
		}
	}
	return append(b, 0)
}

// rdataLen returns the serialized rdata length of a resource record.
func rdataLen(r *Record) (int, error) {
	switch r.Type {
	case TypeA:
		return 4, nil
	case TypePTR:
		return encodedNameLen(r.Target), nil
	case TypeTXT:
		n := 0
		for _, f := range r.TXT {
			if len(f) > 255 {
				return 0, cwerr.Arg("TXT field longer than 255 bytes")
			}
			n += 1 + len(f)
		}
		return n, nil
	case TypeSRV:
		return srvBodyByteN + encodedNameLen(r.Target), nil
	case TypeOPT, TypeNSEC:
		return len(r.Data), nil
	}
	return 0, cwerr.Arg("unsupported DNS record type %d", r.Type)
}

// recordLen returns the full serialized length of a record including its
// name and envelope.
func recordLen(r *Record) (int, error) {
	n := encodedNameLen(r.Name)
	if r.Section == SectionQuestion {
		return n + questionByteN, nil
	}
	rd, err := rdataLen(r)
	if err != nil {
		return 0, err
	}
	return n + rsrcByteN + rd, nil
}

// MessageLen returns the exact serialized size of a message holding the
// given records.
func MessageLen(records []Record) (int, error) {
	n := hdrByteN
	for i := range records {
		rl, err := recordLen(&records[i])
		if err != nil {
			return 0, err
		}
		n += rl
	}
	return n, nil
}

// BuildMessage serializes a DNS message: the size of every record is
// summed first, the buffer allocated once, and the records serialized in
// order. The final length must equal the computed length; a mismatch means
// the size accounting and the serializer disagree and is a hard error.
func BuildMessage(id, flags uint16, records []Record) ([]byte, error) {
	size, err := MessageLen(records)
	if err != nil {
		return nil, err
	}

	var counts [4]uint16
	for i := range records {
		counts[records[i].Section]++
	}

	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint16(b, id)
	b = binary.BigEndian.AppendUint16(b, flags)
	for _, c := range counts {
		b = binary.BigEndian.AppendUint16(b, c)
	}

	for i := range records {
		r := &records[i]
		b = appendName(b, r.Name)
		b = binary.BigEndian.AppendUint16(b, r.Type)
		b = binary.BigEndian.AppendUint16(b, r.Class)

		if r.Section == SectionQuestion {
			continue
		}

		b = binary.BigEndian.AppendUint32(b, r.TTL)

		rd, err := rdataLen(r)
		if err != nil {
			return nil, err
		}
		b = binary.BigEndian.AppendUint16(b, uint16(rd))

		switch r.Type {
		case TypeA:
			b = append(b, r.Addr[:]...)

		case TypePTR:
			b = appendName(b, r.Target)

		case TypeTXT:
			for _, f := range r.TXT {
				b = append(b, byte(len(f)))
				b = append(b, f...)
			}

		case TypeSRV:
			b = binary.BigEndian.AppendUint16(b, r.Priority)
			b = binary.BigEndian.AppendUint16(b, r.Weight)
			b = binary.BigEndian.AppendUint16(b, r.Port)
			b = appendName(b, r.Target)

		case TypeOPT, TypeNSEC:
			b = append(b, r.Data...)
		}
	}

	// The buffer must be exactly full; a shortfall or overrun means the
	// size calculation above no longer matches the serializer.
	if len(b) != size {
		return nil, fmt.Errorf("mdns: serialized %d bytes but computed %d", len(b), size)
	}

	return b, nil
}
