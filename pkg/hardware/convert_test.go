package hardware

import (
	"math"
	"testing"

	"github.com/dougsko/aurad/pkg/audio"
)

func TestFloatFromBytes(t *testing.T) {
	t.Run("16 Bit Full Scale", func(t *testing.T) {
		src := []byte{0xff, 0x7f, 0x01, 0x80, 0x00, 0x00} // 32767, -32767, 0
		dst := make([]audio.Sample, 3)
		FloatFromBytes(dst, src, 3, 16, 16, false)

		if dst[0] != 1.0 {
			t.Errorf("expected 1.0, got %f", dst[0])
		}
		if dst[1] != -1.0 {
			t.Errorf("expected -1.0, got %f", dst[1])
		}
		if dst[2] != 0.0 {
			t.Errorf("expected 0.0, got %f", dst[2])
		}
	})

	t.Run("16 Bit Big Endian", func(t *testing.T) {
		src := []byte{0x7f, 0xff} // 32767 big endian
		dst := make([]audio.Sample, 1)
		FloatFromBytes(dst, src, 1, 16, 16, true)
		if dst[0] != 1.0 {
			t.Errorf("expected 1.0, got %f", dst[0])
		}
	})

	t.Run("8 Bit", func(t *testing.T) {
		src := []byte{0x7f, 0x81} // 127, -127
		dst := make([]audio.Sample, 2)
		FloatFromBytes(dst, src, 2, 8, 8, false)
		if dst[0] != 1.0 || dst[1] != -1.0 {
			t.Errorf("expected +-1.0, got %f %f", dst[0], dst[1])
		}
	})

	t.Run("24 In 32 Bit Container", func(t *testing.T) {
		src := []byte{0xff, 0xff, 0x7f, 0x00} // 0x7fffff
		dst := make([]audio.Sample, 1)
		FloatFromBytes(dst, src, 1, 24, 24, false)
		if dst[0] != 1.0 {
			t.Errorf("expected 1.0, got %f", dst[0])
		}
	})

	t.Run("32 Bit With 24 Significant Bits", func(t *testing.T) {
		// The hardware ignores the low byte: full scale is 0x7fffff00.
		src := []byte{0x00, 0xff, 0xff, 0x7f}
		dst := make([]audio.Sample, 1)
		FloatFromBytes(dst, src, 1, 32, 24, false)
		if dst[0] != 1.0 {
			t.Errorf("expected 1.0, got %f", dst[0])
		}

		FloatFromBytes(dst, src, 1, 32, 32, false)
		if dst[0] >= 1.0 {
			t.Errorf("expected below full scale with 32 significant bits, got %f", dst[0])
		}
	})
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		bits    int
		sigBits int
		swap    bool
		tol     float64
	}{
		{"8 bit", 8, 8, false, 1.0 / 0x7f},
		{"16 bit le", 16, 16, false, 1.0 / 0x7fff},
		{"16 bit be", 16, 16, true, 1.0 / 0x7fff},
		{"24 bit", 24, 24, false, 1e-6},
		{"32 bit", 32, 32, false, 1e-6},
		{"32 bit sig24", 32, 24, false, 1e-6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const n = 64
			in := make([]audio.Sample, n)
			for i := range in {
				in[i] = audio.Sample(math.Sin(2 * math.Pi * float64(i) / n * 3))
			}

			raw := make([]byte, n*BytesPerSample(tc.bits))
			out := make([]audio.Sample, n)

			BytesFromFloat(raw, in, n, tc.bits, tc.sigBits, tc.swap)
			FloatFromBytes(out, raw, n, tc.bits, tc.sigBits, tc.swap)

			for i := range in {
				if math.Abs(float64(out[i]-in[i])) > tc.tol {
					t.Fatalf("sample %d: in %f out %f", i, in[i], out[i])
				}
			}
		})
	}
}

func TestS24x3(t *testing.T) {
	for _, bigEndian := range []bool{false, true} {
		name := "little endian"
		if bigEndian {
			name = "big endian"
		}
		t.Run(name, func(t *testing.T) {
			const n = 16
			in := make([]audio.Sample, n)
			for i := range in {
				in[i] = audio.Sample(float64(i-8) / 8.0)
			}

			raw := make([]byte, n*3)
			out := make([]audio.Sample, n)

			S24x3FromFloat(raw, in, n, bigEndian)
			FloatFromS24x3(out, raw, n, bigEndian)

			for i := range in {
				if math.Abs(float64(out[i]-in[i])) > 1e-6 {
					t.Fatalf("sample %d: in %f out %f", i, in[i], out[i])
				}
			}
		})
	}
}

func TestBytesPerSample(t *testing.T) {
	if BytesPerSample(24) != 4 {
		t.Error("24-bit samples use a 32-bit container")
	}
	if BytesPerSample(16) != 2 || BytesPerSample(8) != 1 || BytesPerSample(32) != 4 {
		t.Error("unexpected container size")
	}
}
