package hardware

import (
	"testing"

	"github.com/dougsko/aurad/pkg/audio"
)

func TestMockDriverCycle(t *testing.T) {
	d := NewMockDriver("mock-0", 48000, 2, 32, 0)

	var inPkts []audio.Packet
	cb := func(in []audio.Packet, out []audio.Packet) {
		for _, p := range in {
			cp := p
			cp.Samples = append([]audio.Sample(nil), p.Samples...)
			inPkts = append(inPkts, cp)
		}
		for i := range out {
			for j := range out[i].Samples {
				out[i].Samples[j] = 0.5
			}
		}
	}

	if err := d.DeviceSetup(0, 48000, 32, cb, nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := d.DeviceStart(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer d.DeviceStop(0)

	d.SetGenerator(func(ch, frame int) audio.Sample {
		return audio.Sample(frame)
	})

	var outPkts []audio.Packet
	d.SetSink(func(pkt *audio.Packet) {
		cp := *pkt
		cp.Samples = append([]audio.Sample(nil), pkt.Samples...)
		outPkts = append(outPkts, cp)
	})

	d.RunCycle()
	d.RunCycle()

	if len(inPkts) != 2 {
		t.Fatalf("expected 2 input packets, got %d", len(inPkts))
	}
	// Frame numbering continues across cycles.
	if inPkts[1].Samples[0] != 32 {
		t.Errorf("expected second cycle to start at frame 32, got %f", inPkts[1].Samples[0])
	}
	if len(outPkts) != 2 || outPkts[0].Samples[0] != 0.5 {
		t.Fatalf("output packets not pulled through the callback")
	}
}

func TestMockDriverXrun(t *testing.T) {
	d := NewMockDriver("mock-0", 48000, 1, 16, 0)

	cycles := 0
	cb := func(in []audio.Packet, out []audio.Packet) {
		if len(in) > 0 {
			cycles++
		}
	}
	if err := d.DeviceSetup(0, 48000, 16, cb, nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := d.DeviceStart(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer d.DeviceStop(0)

	d.RunCycle()
	d.InjectXrun()
	d.RunCycle() // dropped
	d.RunCycle() // resumes

	if cycles != 2 {
		t.Errorf("expected 2 delivered cycles around the xrun, got %d", cycles)
	}
	if d.ErrorCount() != 1 {
		t.Errorf("expected exactly 1 recorded xrun, got %d", d.ErrorCount())
	}
}

func TestMockDriverLifecycle(t *testing.T) {
	d := NewMockDriver("mock-0", 48000, 1, 16, 0)

	if err := d.DeviceStart(0); err == nil {
		t.Error("start before setup must fail")
	}
	if err := d.DeviceSetup(0, 48000, 16, func(in, out []audio.Packet) {}, nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := d.DeviceStart(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !d.DeviceIsStarted(0) {
		t.Error("device should report started")
	}
	if err := d.DeviceSetup(0, 48000, 16, nil, nil); err == nil {
		t.Error("setup while running must fail")
	}
	if err := d.DeviceStop(0); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if d.DeviceIsStarted(0) {
		t.Error("device should report stopped")
	}
}
