// Package midi implements the MIDI core: a running-status byte-stream
// parser that reassembles fragmented MIDI traffic into timestamped packets
// for multiple subscribers, and a device layer over the ALSA sequencer.
package midi

// Channel voice/mode status bytes (high nibble; low nibble carries the
// channel).
const (
	StatusNoteOff  = 0x80
	StatusNoteOn   = 0x90
	StatusPolyPres = 0xa0
	StatusCtl      = 0xb0
	StatusPgm      = 0xc0
	StatusChPres   = 0xd0
	StatusPbend    = 0xe0
	StatusSysEx    = 0xf0
)

// System common status bytes
const (
	StatusSysComMTC  = 0xf1
	StatusSysComSPP  = 0xf2
	StatusSysComSel  = 0xf3
	StatusSysComTune = 0xf6
	StatusSysComEOX  = 0xf7
)

// System real-time status bytes
const (
	StatusRtClock = 0xf8
	StatusRtStart = 0xfa
	StatusRtCont  = 0xfb
	StatusRtStop  = 0xfc
	StatusRtSense = 0xfe
	StatusRtReset = 0xff
)

// InvalidData marks an unused data byte in a message.
const InvalidData = 0xff

// IsStatus returns true if b is a status byte.
func IsStatus(b byte) bool { return b >= 0x80 }

// IsChannelStatus returns true if b is a channel voice/mode status byte.
func IsChannelStatus(b byte) bool { return b >= 0x80 && b < 0xf0 }

// IsRealTime returns true if b is a single-byte system real-time message.
func IsRealTime(b byte) bool { return b >= 0xf8 }

// StatusDataByteCount returns the number of data bytes that follow the
// given status byte, or -1 for SysEx and unknown status values.
func StatusDataByteCount(status byte) int {
	if IsChannelStatus(status) {
		switch status & 0xf0 {
		case StatusPgm, StatusChPres:
			return 1
		default:
			return 2
		}
	}

	switch status {
	case StatusSysComMTC, StatusSysComSel:
		return 1
	case StatusSysComSPP:
		return 2
	case StatusSysComTune, StatusSysComEOX:
		return 0
	}

	if IsRealTime(status) {
		return 0
	}
	return -1
}

// StatusLabel returns a short mnemonic for a status byte.
func StatusLabel(status byte) string {
	if IsChannelStatus(status) {
		switch status & 0xf0 {
		case StatusNoteOff:
			return "nof"
		case StatusNoteOn:
			return "non"
		case StatusPolyPres:
			return "ppr"
		case StatusCtl:
			return "ctl"
		case StatusPgm:
			return "pgm"
		case StatusChPres:
			return "cpr"
		case StatusPbend:
			return "pb"
		}
	}
	switch status {
	case StatusSysEx:
		return "sex"
	case StatusSysComMTC:
		return "mtc"
	case StatusSysComSPP:
		return "spp"
	case StatusSysComSel:
		return "sel"
	case StatusSysComTune:
		return "tun"
	case StatusSysComEOX:
		return "eox"
	case StatusRtClock:
		return "clk"
	case StatusRtStart:
		return "beg"
	case StatusRtCont:
		return "cnt"
	case StatusRtStop:
		return "end"
	case StatusRtSense:
		return "sns"
	case StatusRtReset:
		return "rst"
	}
	return "ERR"
}
