package audio

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// makeInputPacket builds an interleaved input packet for device 0 where
// channel c frame f carries base[c]+f+offset.
func makeInputPacket(chCnt, frameCnt, offset int, base []int) Packet {
	samples := make([]Sample, chCnt*frameCnt)
	for f := 0; f < frameCnt; f++ {
		for c := 0; c < chCnt; c++ {
			samples[f*chCnt+c] = Sample(base[c] + offset + f)
		}
	}
	return Packet{
		DeviceIdx:     0,
		BeginCh:       0,
		ChCount:       chCnt,
		FrameCount:    frameCnt,
		BitsPerSample: 32,
		Flags:         PacketInterleaved | PacketFloat,
		Samples:       samples,
		Timestamp:     TimeSpec{Sec: 1, NSec: 0},
	}
}

func setupTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	b := NewBuffer(1, 50)
	if err := b.Setup(0, 44100, 10, 3, 2, 25, 2, 25); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return b
}

func TestInputSequencing(t *testing.T) {
	// Feed 75 input frames (0..74 on ch0, 100..174 on ch1) as three
	// hardware cycles, then drain full dsp windows and check ordering.
	b := setupTestBuffer(t)
	base := []int{0, 100}

	for i := 0; i < 3; i++ {
		pkt := makeInputPacket(2, 25, i*25, base)
		b.Update([]Packet{pkt}, nil)
	}

	var got [2][]Sample
	bufs := make([][]Sample, 2)
	for b.IsDeviceReady(0, FlagIn) {
		b.Get(0, FlagIn, bufs)
		for c := 0; c < 2; c++ {
			if bufs[c] == nil {
				t.Fatalf("channel %d unexpectedly disabled", c)
			}
			got[c] = append(got[c], bufs[c]...)
		}
		b.Advance(0, FlagIn)
	}

	// 75 buffered frames allow 7 complete 10-frame windows.
	for c := 0; c < 2; c++ {
		if len(got[c]) != 70 {
			t.Fatalf("channel %d: expected 70 samples, got %d", c, len(got[c]))
		}
		for i, s := range got[c] {
			if s != Sample(base[c]+i) {
				t.Errorf("channel %d sample %d: expected %d, got %f", c, i, base[c]+i, s)
			}
		}
	}
}

func TestRoundTripDelay(t *testing.T) {
	// Feeding a known signal through update(in) -> get(in) -> copy ->
	// get(out) -> update(out) yields the same signal delayed by the
	// primed cycleCnt*framesPerCycle frames.
	signals := map[string]func(i int) Sample{
		"saw":  func(i int) Sample { return Sample(i % 17) },
		"sine": func(i int) Sample { return Sample(math.Sin(2 * math.Pi * float64(i) / 32)) },
		"impulse": func(i int) Sample {
			if i%40 == 0 {
				return 1
			}
			return 0
		},
	}

	for name, gen := range signals {
		t.Run(name, func(t *testing.T) {
			const (
				fpc    = 20
				dsp    = 10
				cycles = 3
				chCnt  = 1
				pktCnt = 12
			)

			b := NewBuffer(1, 50)
			if err := b.Setup(0, 44100, dsp, cycles, chCnt, fpc, chCnt, fpc); err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			if err := b.PrimeOutput(0, cycles); err != nil {
				t.Fatalf("PrimeOutput failed: %v", err)
			}

			var out []Sample
			iBufs := make([][]Sample, chCnt)
			oBufs := make([][]Sample, chCnt)

			for p := 0; p < pktCnt; p++ {
				in := Packet{
					DeviceIdx: 0, ChCount: chCnt, FrameCount: fpc,
					BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
					Samples:   make([]Sample, fpc),
					Timestamp: TimeSpec{Sec: 1},
				}
				for f := 0; f < fpc; f++ {
					in.Samples[f] = gen(p*fpc + f)
				}
				b.Update([]Packet{in}, nil)

				for b.IsDeviceReady(0, FlagIn|FlagOut) {
					b.Get(0, FlagIn, iBufs)
					b.Get(0, FlagOut, oBufs)
					copy(oBufs[0], iBufs[0])
					b.Advance(0, FlagIn|FlagOut)
				}

				outPkt := Packet{
					DeviceIdx: 0, ChCount: chCnt, FrameCount: fpc,
					BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
					Samples:   make([]Sample, fpc),
					Timestamp: TimeSpec{Sec: 1},
				}
				b.Update(nil, []Packet{outPkt})
				out = append(out, outPkt.Samples[:outPkt.FrameCount*chCnt]...)
			}

			delay := cycles * fpc
			if len(out) <= delay {
				t.Fatalf("collected only %d output samples", len(out))
			}
			for i := delay; i < len(out); i++ {
				want := gen(i - delay)
				if out[i] != want {
					t.Fatalf("output sample %d: expected %f got %f", i, want, out[i])
				}
			}
			for i := 0; i < delay; i++ {
				if out[i] != 0 {
					t.Fatalf("primed region sample %d not silent: %f", i, out[i])
				}
			}
		})
	}
}

func TestOutputTone(t *testing.T) {
	// Enable the test tone on output ch0 (1kHz, gain 0.5) and pull three
	// output packets; samples must follow a continuous sine across packet
	// boundaries.
	b := setupTestBuffer(t)
	if err := b.PrimeOutput(0, 3); err != nil {
		t.Fatalf("PrimeOutput failed: %v", err)
	}

	b.EnableTone(0, 0, FlagOut|FlagEnable)
	b.SetToneHz(0, 0, FlagOut, 1000)
	b.SetGain(0, 0, FlagOut, 0.5)

	phase := 0
	for p := 0; p < 3; p++ {
		pkt := Packet{
			DeviceIdx: 0, ChCount: 2, FrameCount: 25,
			BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
			Samples:   make([]Sample, 50),
			Timestamp: TimeSpec{Sec: 1},
		}
		b.Update(nil, []Packet{pkt})

		for f := 0; f < 25; f++ {
			want := Sample(0.5 * math.Sin(2*math.Pi*1000*float64(phase)/44100))
			got := pkt.Samples[f*2]
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Fatalf("packet %d frame %d: expected %f got %f", p, f, want, got)
			}
			phase++
		}
	}
}

func TestMutedInputIsZeroFilled(t *testing.T) {
	// A muted input channel stores silence but fillCnt still advances.
	b := setupTestBuffer(t)
	b.EnableMute(0, 0, FlagIn|FlagEnable)

	pkt := makeInputPacket(2, 25, 0, []int{1000, 2000})
	b.Update([]Packet{pkt}, nil)

	if !b.IsDeviceReady(0, FlagIn) {
		t.Fatal("device should be ready after 25 buffered frames")
	}

	bufs := make([][]Sample, 2)
	b.Get(0, FlagIn, bufs)
	for i, s := range bufs[0] {
		if s != 0 {
			t.Errorf("muted channel sample %d: expected 0 got %f", i, s)
		}
	}
	// The unmuted channel received its data at full fill.
	if bufs[1][0] != 2000 {
		t.Errorf("unmuted channel sample 0: expected 2000 got %f", bufs[1][0])
	}
}

func TestDisabledChannel(t *testing.T) {
	b := setupTestBuffer(t)
	b.EnableChannel(0, 1, FlagIn) // clear FlagEnable: disable

	pkt := makeInputPacket(2, 25, 0, []int{10, 20})
	b.Update([]Packet{pkt}, nil)

	bufs := make([][]Sample, 2)
	b.Get(0, FlagIn, bufs)
	if bufs[0] == nil {
		t.Fatal("enabled channel returned nil window")
	}
	if bufs[1] != nil {
		t.Fatal("disabled channel must return a nil window")
	}
}

func TestOverflowIncrementsFaultCount(t *testing.T) {
	b := setupTestBuffer(t) // n = 80 per channel
	for i := 0; i < 3; i++ {
		b.Update([]Packet{makeInputPacket(2, 25, 0, []int{0, 0})}, nil)
	}
	// 75 frames buffered; the next 25-frame packet overflows.
	b.Update([]Packet{makeInputPacket(2, 25, 0, []int{0, 0})}, nil)

	meters := make([]float64, 2)
	_, faults := b.Status(0, FlagIn, meters)
	if faults != 2 { // one fault per channel in the dropped packet
		t.Errorf("expected 2 faults, got %d", faults)
	}
}

func TestOutputUnderflow(t *testing.T) {
	b := setupTestBuffer(t)

	// Empty output buffer: the packet comes back silent and truncation
	// is not applied (FrameCount is preserved by the zero path).
	pkt := Packet{
		DeviceIdx: 0, ChCount: 2, FrameCount: 25,
		BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
		Samples: func() []Sample {
			s := make([]Sample, 50)
			for i := range s {
				s[i] = 99
			}
			return s
		}(),
		Timestamp: TimeSpec{Sec: 1},
	}
	b.Update(nil, []Packet{pkt})

	for i, s := range pkt.Samples {
		if s != 0 {
			t.Fatalf("sample %d: expected silence, got %f", i, s)
		}
	}

	meters := make([]float64, 2)
	_, faults := b.Status(0, FlagOut, meters)
	if faults != 2 {
		t.Errorf("expected 2 underflow faults, got %d", faults)
	}
}

func TestMeterConvergesToRMS(t *testing.T) {
	// For a constant-amplitude sine of amplitude A the meter converges to
	// A/sqrt(2) within one meter window.
	const (
		amp   = 0.8
		srate = 44100.0
		fpc   = 25
	)

	b := NewBuffer(1, 50)
	if err := b.Setup(0, srate, 10, 4, 1, fpc, 1, fpc); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	b.EnableMeter(0, 0, FlagIn|FlagEnable)

	// meter window length = floor(44100*50/(1000*25)) = 88 updates
	phase := 0
	for p := 0; p < 90; p++ {
		pkt := Packet{
			DeviceIdx: 0, ChCount: 1, FrameCount: fpc,
			BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
			Samples:   make([]Sample, fpc),
			Timestamp: TimeSpec{Sec: 1},
		}
		for f := 0; f < fpc; f++ {
			pkt.Samples[f] = Sample(amp * math.Sin(2*math.Pi*997*float64(phase)/srate))
			phase++
		}
		b.Update([]Packet{pkt}, nil)

		// Drain so the buffer never overflows
		bufs := make([][]Sample, 1)
		for b.IsDeviceReady(0, FlagIn) {
			b.Get(0, FlagIn, bufs)
			b.Advance(0, FlagIn)
		}
	}

	want := amp / math.Sqrt2
	got := float64(b.Meter(0, 0, FlagIn))
	if math.Abs(got-want) > 0.01 {
		t.Errorf("meter: expected %f +- 0.01, got %f", want, got)
	}
}

func TestGainLinearity(t *testing.T) {
	// Scaling the output gain by K scales the output meter value by K.
	// The test tone amplitude equals the channel gain, so the meter reads
	// gain/sqrt(2).
	meterFor := func(gain float64) float64 {
		b := NewBuffer(1, 50)
		if err := b.Setup(0, 44100, 10, 4, 1, 25, 1, 25); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := b.PrimeOutput(0, 2); err != nil {
			t.Fatalf("PrimeOutput failed: %v", err)
		}
		b.EnableTone(0, 0, FlagOut|FlagEnable)
		b.EnableMeter(0, 0, FlagOut|FlagEnable)
		b.SetGain(0, 0, FlagOut, gain)

		bufs := make([][]Sample, 1)
		for p := 0; p < 90; p++ {
			pkt := Packet{
				DeviceIdx: 0, ChCount: 1, FrameCount: 10,
				BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
				Samples:   make([]Sample, 10),
				Timestamp: TimeSpec{Sec: 1},
			}
			b.Update(nil, []Packet{pkt})

			for b.IsDeviceReady(0, FlagOut) {
				b.Get(0, FlagOut, bufs)
				b.Advance(0, FlagOut)
			}
		}
		return float64(b.Meter(0, 0, FlagOut))
	}

	m1 := meterFor(0.25)
	m2 := meterFor(0.75)
	if m1 <= 0 {
		t.Fatalf("meter did not register: %f", m1)
	}
	ratio := m2 / m1
	if math.Abs(ratio-3.0) > 0.01 {
		t.Errorf("gain linearity: expected ratio 3.0, got %f", ratio)
	}
}

func TestPassThroughIdentity(t *testing.T) {
	// With pass enabled on channel 0, GetIO copies input to output
	// byte-identically, nils the output slot, and zeroes other channels.
	b := setupTestBuffer(t)
	b.EnablePass(0, 0, FlagIn|FlagEnable)

	pkt := makeInputPacket(2, 25, 0, []int{500, 600})
	b.Update([]Packet{pkt}, nil)

	// Make the output side writable so Get(out) returns windows.
	iBufs := make([][]Sample, 2)
	oBufs := make([][]Sample, 2)
	var iTS, oTS TimeSpec
	b.GetIO(0, iBufs, &iTS, 0, oBufs, &oTS)

	if oBufs[0] != nil {
		t.Error("pass-through output slot must be nil")
	}
	if oBufs[1] == nil {
		t.Fatal("non-pass output slot must be a valid window")
	}
	for i, s := range oBufs[1] {
		if s != 0 {
			t.Errorf("non-pass channel sample %d: expected 0, got %f", i, s)
		}
	}

	// The copy landed in the output channel buffer at the producer cursor.
	direct := make([][]Sample, 2)
	b.Get(0, FlagOut, direct)
	for i := 0; i < 10; i++ {
		if direct[0][i] != iBufs[0][i] {
			t.Errorf("passed sample %d: expected %f, got %f", i, iBufs[0][i], direct[0][i])
		}
		if direct[0][i] != Sample(500+i) {
			t.Errorf("passed sample %d: expected %d, got %f", i, 500+i, direct[0][i])
		}
	}
}

func TestPrimeOutput(t *testing.T) {
	b := setupTestBuffer(t)
	if err := b.PrimeOutput(0, 2); err != nil {
		t.Fatalf("PrimeOutput failed: %v", err)
	}
	// 50 frames primed; the buffer rounds to the dsp boundary (still >=
	// requested) and the device must be able to supply a full cycle.
	pkt := Packet{
		DeviceIdx: 0, ChCount: 2, FrameCount: 25,
		BitsPerSample: 32, Flags: PacketInterleaved | PacketFloat,
		Samples:   make([]Sample, 50),
		Timestamp: TimeSpec{Sec: 1},
	}
	b.Update(nil, []Packet{pkt})
	if pkt.FrameCount != 25 {
		t.Fatalf("primed output truncated to %d frames", pkt.FrameCount)
	}

	meters := make([]float64, 2)
	if _, faults := b.Status(0, FlagOut, meters); faults != 0 {
		t.Errorf("expected no faults, got %d", faults)
	}
}

func TestGetIOTimestamps(t *testing.T) {
	b := setupTestBuffer(t)
	pkt := makeInputPacket(2, 25, 0, []int{0, 0})
	pkt.Timestamp = TimeSpec{Sec: 10, NSec: 500000000}
	b.Update([]Packet{pkt}, nil)

	iBufs := make([][]Sample, 2)
	oBufs := make([][]Sample, 2)

	var ts0 TimeSpec
	b.GetIO(0, iBufs, &ts0, 0, oBufs, nil)
	if ts0 != pkt.Timestamp {
		t.Errorf("expected base timestamp %v, got %v", pkt.Timestamp, ts0)
	}

	// Consuming two windows advances the timestamp by 20 frames.
	b.Advance(0, FlagIn)
	b.Advance(0, FlagIn)

	var ts1 TimeSpec
	b.GetIO(0, iBufs, &ts1, 0, oBufs, nil)
	want := pkt.Timestamp.AddFrames(20, 44100)
	if ts1 != want {
		t.Errorf("expected advanced timestamp %v, got %v", want, ts1)
	}
}

func TestMeterMsClamp(t *testing.T) {
	b := NewBuffer(1, 5)
	if b.MeterMs() != 10 {
		t.Errorf("expected clamp to 10, got %d", b.MeterMs())
	}
	b.SetMeterMs(5000)
	if b.MeterMs() != 1000 {
		t.Errorf("expected clamp to 1000, got %d", b.MeterMs())
	}
}

// TestBufferInvariants drives a random interleaving of producer and
// consumer operations and checks the structural invariants: fill counts
// stay within [0,n], cursors stay within [0,n), and samples are conserved
// modulo overflow drops.
func TestBufferInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dsp := rapid.IntRange(1, 16).Draw(rt, "dsp")
		fpc := rapid.IntRange(1, 32).Draw(rt, "fpc")
		cycles := rapid.IntRange(2, 5).Draw(rt, "cycles")

		b := NewBuffer(1, 50)
		if err := b.Setup(0, 48000, dsp, cycles, 1, fpc, 1, fpc); err != nil {
			rt.Fatalf("Setup failed: %v", err)
		}

		io := &b.devs[0].io[inSide]
		n := io.n

		produced := 0 // frames accepted into the buffer
		consumed := 0 // frames drained by Advance

		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			if rapid.Bool().Draw(rt, "produce") {
				frames := rapid.IntRange(1, fpc).Draw(rt, "frames")
				before := int(io.chans[0].fillCnt.Load())
				pkt := Packet{
					DeviceIdx: 0, ChCount: 1, FrameCount: frames,
					Flags:     PacketInterleaved | PacketFloat,
					Samples:   make([]Sample, frames),
					Timestamp: TimeSpec{Sec: 1},
				}
				b.Update([]Packet{pkt}, nil)
				after := int(io.chans[0].fillCnt.Load())
				if after != before { // not dropped on overflow
					produced += frames
				}
			} else if b.IsDeviceReady(0, FlagIn) {
				b.Advance(0, FlagIn)
				consumed += dsp
			}

			ch := &io.chans[0]
			fill := int(ch.fillCnt.Load())
			if fill < 0 || fill > n {
				rt.Fatalf("fill count %d outside [0,%d]", fill, n)
			}
			if ch.inIdx < 0 || ch.inIdx >= n {
				rt.Fatalf("inIdx %d outside [0,%d)", ch.inIdx, n)
			}
			if ch.outIdx < 0 || ch.outIdx >= n {
				rt.Fatalf("outIdx %d outside [0,%d)", ch.outIdx, n)
			}
			if produced-consumed != fill {
				rt.Fatalf("conservation violated: produced %d consumed %d fill %d",
					produced, consumed, fill)
			}
		}
	})
}
