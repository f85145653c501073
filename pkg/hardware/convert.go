// Package hardware provides the audio driver back-ends: the ALSA PCM
// driver on Linux and a deterministic mock driver used for tests and
// headless operation. Both implement audio.Driver and deliver identical
// packet semantics.
package hardware

import (
	"encoding/binary"

	"github.com/dougsko/aurad/pkg/audio"
)

// BytesPerSample returns the container size in bytes for a sample width.
// 24-bit samples ride in a 32-bit container unless the 3-byte packed
// formats are in use.
func BytesPerSample(bits int) int {
	if bits == 24 {
		return 4
	}
	return bits / 8
}

func byteOrder(swap bool) binary.ByteOrder {
	// ALSA reports whether the selected format matches CPU endianness.
	// aurad targets little-endian hosts, so a swapped format is big-endian.
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FloatFromBytes converts n native integer samples from src into float
// samples in [-1,+1]. bits selects the sample width (8, 16, 24-in-32 or
// 32); sigBits is the hardware's significant bit count, which matters only
// for 32-bit containers where some converters ignore the low byte.
func FloatFromBytes(dst []audio.Sample, src []byte, n, bits, sigBits int, swap bool) {
	ord := byteOrder(swap)

	switch bits {
	case 8:
		for i := 0; i < n; i++ {
			dst[i] = audio.Sample(int8(src[i])) / 0x7f
		}

	case 16:
		for i := 0; i < n; i++ {
			v := int16(ord.Uint16(src[i*2:]))
			dst[i] = audio.Sample(v) / 0x7fff
		}

	case 24:
		for i := 0; i < n; i++ {
			v := int32(ord.Uint32(src[i*4:]))
			dst[i] = audio.Sample(v) / 0x7fffff
		}

	case 32:
		// Some converters (e.g. ICE1712) process 32-bit samples but
		// ignore the low byte; scale by the significant range instead.
		div := audio.Sample(0x7fffffff)
		if sigBits == 24 {
			div = 0x7fffff00
		}
		for i := 0; i < n; i++ {
			v := int32(ord.Uint32(src[i*4:]))
			dst[i] = audio.Sample(v) / div
		}
	}
}

// BytesFromFloat converts n float samples into native integers in dst,
// truncating toward zero.
func BytesFromFloat(dst []byte, src []audio.Sample, n, bits, sigBits int, swap bool) {
	ord := byteOrder(swap)

	switch bits {
	case 8:
		for i := 0; i < n; i++ {
			dst[i] = byte(int8(src[i] * 0x7f))
		}

	case 16:
		for i := 0; i < n; i++ {
			ord.PutUint16(dst[i*2:], uint16(int16(src[i]*0x7fff)))
		}

	case 24:
		for i := 0; i < n; i++ {
			ord.PutUint32(dst[i*4:], uint32(int32(src[i]*0x7fffff)))
		}

	case 32:
		// float32 rounds 0x7fffffff up to 2^31, which overflows int32 at
		// full scale; scale in float64 instead.
		mul := float64(0x7fffffff)
		if sigBits == 24 {
			mul = 0x7fffff00
		}
		for i := 0; i < n; i++ {
			ord.PutUint32(dst[i*4:], uint32(int32(float64(src[i])*mul)))
		}
	}
}

// FloatFromS24x3 converts n packed 3-byte 24-bit samples into floats.
func FloatFromS24x3(dst []audio.Sample, src []byte, n int, bigEndian bool) {
	for i := 0; i < n; i++ {
		b := src[i*3:]
		var v int32
		if bigEndian {
			v = int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
		} else {
			v = int32(b[2])<<16 | int32(b[1])<<8 | int32(b[0])
		}
		// sign extend from 24 bits
		v = v << 8 >> 8
		dst[i] = audio.Sample(v) / 0x7fffff
	}
}

// S24x3FromFloat converts n float samples into packed 3-byte 24-bit
// samples.
func S24x3FromFloat(dst []byte, src []audio.Sample, n int, bigEndian bool) {
	for i := 0; i < n; i++ {
		v := int32(src[i] * 0x7fffff)
		b := dst[i*3:]
		if bigEndian {
			b[0] = byte(v >> 16)
			b[1] = byte(v >> 8)
			b[2] = byte(v)
		} else {
			b[2] = byte(v >> 16)
			b[1] = byte(v >> 8)
			b[0] = byte(v)
		}
	}
}
