package mdns

import (
	"encoding/binary"
	"fmt"

	"github.com/dougsko/aurad/pkg/cwerr"
)

// Message is a parsed DNS message. Records keep their section tag so a
// parsed message can be rebuilt with BuildMessage.
type Message struct {
	ID      uint16
	Flags   uint16
	Records []Record
}

// RecordsIn returns the records of one section.
func (m *Message) RecordsIn(s Section) []Record {
	var out []Record
	for i := range m.Records {
		if m.Records[i].Section == s {
			out = append(out, m.Records[i])
		}
	}
	return out
}

// decodeName reads a possibly-compressed name starting at off, following
// compression pointers through base. It returns the dotted name and the
// number of bytes the name occupies at off.
func decodeName(base []byte, off int) (string, int, error) {
	var sb []byte
	used := 0
	i := off
	jumped := false
	hops := 0

	for {
		if i >= len(base) {
			return "", 0, cwerr.Op(nil, "name runs past the message end")
		}

		b := base[i]

		// compression pointer: top two bits set, low 14 bits the offset
		if b&0xc0 == 0xc0 {
			if i+1 >= len(base) {
				return "", 0, cwerr.Op(nil, "truncated compression pointer")
			}
			if !jumped {
				used = i + 2 - off
				jumped = true
			}
			i = int(b&0x3f)<<8 | int(base[i+1])
			if hops++; hops > 32 {
				return "", 0, cwerr.Op(nil, "compression pointer loop")
			}
			continue
		}

		if b == 0 {
			if !jumped {
				used = i + 1 - off
			}
			break
		}

		n := int(b)
		if i+1+n > len(base) {
			return "", 0, cwerr.Op(nil, "label runs past the message end")
		}
		if len(sb) > 0 {
			sb = append(sb, '.')
		}
		sb = append(sb, base[i+1:i+1+n]...)
		i += 1 + n
	}

	return string(sb), used, nil
}

// ParseMessage walks the header and all four sections of a DNS message.
// Names are decompressed; every record is returned with its section tag.
func ParseMessage(buf []byte) (*Message, error) {
	if len(buf) < hdrByteN {
		return nil, cwerr.ErrBufTooSmall
	}

	m := &Message{
		ID:    binary.BigEndian.Uint16(buf[0:]),
		Flags: binary.BigEndian.Uint16(buf[2:]),
	}

	counts := [4]int{
		int(binary.BigEndian.Uint16(buf[4:])),
		int(binary.BigEndian.Uint16(buf[6:])),
		int(binary.BigEndian.Uint16(buf[8:])),
		int(binary.BigEndian.Uint16(buf[10:])),
	}

	off := hdrByteN
	for s := SectionQuestion; s <= SectionAdditional; s++ {
		for i := 0; i < counts[s]; i++ {
			var err error
			off, err = parseRecord(m, buf, off, s)
			if err != nil {
				return nil, fmt.Errorf("section %d record %d: %w", s, i, err)
			}
		}
	}

	return m, nil
}

func parseRecord(m *Message, buf []byte, off int, s Section) (int, error) {
	name, nameN, err := decodeName(buf, off)
	if err != nil {
		return 0, err
	}
	off += nameN

	if off+questionByteN > len(buf) {
		return 0, cwerr.ErrBufTooSmall
	}

	r := Record{
		Section: s,
		Name:    name,
		Type:    binary.BigEndian.Uint16(buf[off:]),
		Class:   binary.BigEndian.Uint16(buf[off+2:]),
	}

	if s == SectionQuestion {
		m.Records = append(m.Records, r)
		return off + questionByteN, nil
	}

	if off+rsrcByteN > len(buf) {
		return 0, cwerr.ErrBufTooSmall
	}
	r.TTL = binary.BigEndian.Uint32(buf[off+4:])
	rdN := int(binary.BigEndian.Uint16(buf[off+8:]))
	off += rsrcByteN

	if off+rdN > len(buf) {
		return 0, cwerr.ErrBufTooSmall
	}
	rdata := buf[off : off+rdN]

	switch r.Type {
	case TypeA:
		if rdN < 4 {
			return 0, cwerr.Op(nil, "short A rdata")
		}
		copy(r.Addr[:], rdata[:4])

	case TypePTR:
		target, _, err := decodeName(buf, off)
		if err != nil {
			return 0, err
		}
		r.Target = target

	case TypeTXT:
		for i := 0; i < rdN; {
			n := int(rdata[i])
			if i+1+n > rdN {
				return 0, cwerr.Op(nil, "TXT field runs past the rdata")
			}
			r.TXT = append(r.TXT, string(rdata[i+1:i+1+n]))
			i += 1 + n
		}

	case TypeSRV:
		if rdN < srvBodyByteN {
			return 0, cwerr.Op(nil, "short SRV rdata")
		}
		r.Priority = binary.BigEndian.Uint16(rdata[0:])
		r.Weight = binary.BigEndian.Uint16(rdata[2:])
		r.Port = binary.BigEndian.Uint16(rdata[4:])
		target, _, err := decodeName(buf, off+srvBodyByteN)
		if err != nil {
			return 0, err
		}
		r.Target = target

	case TypeOPT:
		if rdN < optBodyByteN {
			return 0, cwerr.Op(nil, "short OPT rdata")
		}
		// keep the option code/length header so rebuilds are byte exact
		r.Data = append([]byte(nil), rdata...)

	default:
		// NSEC and anything unrecognized is kept as raw bytes
		r.Data = append([]byte(nil), rdata...)
	}

	m.Records = append(m.Records, r)
	return off + rdN, nil
}

// DecodeNameInto copies the decompressed name at off into dst with '.'
// separators and returns the name length, or ErrBufTooSmall when dst
// cannot hold it.
func DecodeNameInto(dst []byte, base []byte, off int) (int, error) {
	name, _, err := decodeName(base, off)
	if err != nil {
		return 0, err
	}
	if len(name)+1 > len(dst) {
		return 0, cwerr.ErrBufTooSmall
	}
	n := copy(dst, name)
	dst[n] = 0
	return n, nil
}
