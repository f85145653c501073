package audio

import (
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// LevelData represents real-time audio level measurements
type LevelData struct {
	Timestamp int64   `json:"timestamp"`
	RMSLevel  float32 `json:"rms"`      // RMS level in dB
	PeakLevel float32 `json:"peak"`     // peak level in dB
	Clipping  bool    `json:"clipping"` // true if clipping detected
}

// SpectrumData represents FFT spectrum analysis
type SpectrumData struct {
	Timestamp  int64     `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	Spectrum   []float32 `json:"spectrum"`  // magnitude spectrum in dB
	FreqStep   float32   `json:"freq_step"` // frequency per bin in Hz
}

// MonitorData combines level and spectrum data for the web stream
type MonitorData struct {
	LevelData
	SpectrumData
}

// Monitor processes samples from the application loop for real-time
// visualization. Process is called from the audio application thread and
// must stay cheap; the FFT runs at most once per updateRate.
type Monitor struct {
	mutex sync.RWMutex

	sampleRate int
	fftSize    int
	updateRate time.Duration

	currentRMS  float32
	currentPeak float32
	isClipping  bool

	spectrum     []float32
	spectrumTime time.Time

	sampleBuffer []float64
	window       []float64

	sampleCount int64
	clipCount   int64
}

// NewMonitor creates a monitor for the given sample rate. fftSize must be a
// power of two.
func NewMonitor(sampleRate, fftSize int) *Monitor {
	return &Monitor{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		updateRate: 50 * time.Millisecond, // 20Hz update rate
		spectrum:   make([]float32, fftSize/2),
		window:     makeHannWindow(fftSize),
	}
}

// Process consumes one cycle of samples from a single channel.
func (m *Monitor) Process(samples []Sample) {
	if len(samples) == 0 {
		return
	}

	var sumSquares float64
	var peak float64
	clipping := false

	for _, s := range samples {
		f := float64(s)
		sumSquares += f * f
		if a := math.Abs(f); a > peak {
			peak = a
		}
		if f >= 0.999 || f <= -0.999 {
			clipping = true
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))

	m.mutex.Lock()
	m.currentRMS = toDb(rms)
	m.currentPeak = toDb(peak)
	m.isClipping = clipping
	m.sampleCount += int64(len(samples))
	if clipping {
		m.clipCount++
	}

	// Accumulate towards one FFT frame
	for _, s := range samples {
		m.sampleBuffer = append(m.sampleBuffer, float64(s))
	}
	if len(m.sampleBuffer) >= m.fftSize && time.Since(m.spectrumTime) >= m.updateRate {
		m.computeSpectrum()
		m.sampleBuffer = m.sampleBuffer[:0]
		m.spectrumTime = time.Now()
	} else if len(m.sampleBuffer) > 4*m.fftSize {
		// Keep the buffer bounded when the FFT is idle
		m.sampleBuffer = m.sampleBuffer[len(m.sampleBuffer)-m.fftSize:]
	}
	m.mutex.Unlock()
}

// computeSpectrum runs a Hann-windowed FFT over the most recent fftSize
// samples. Caller holds the mutex.
func (m *Monitor) computeSpectrum() {
	in := m.sampleBuffer[len(m.sampleBuffer)-m.fftSize:]

	windowed := make([]float64, m.fftSize)
	for i := range windowed {
		windowed[i] = in[i] * m.window[i]
	}

	bins := fft.FFTReal(windowed)
	for i := 0; i < m.fftSize/2; i++ {
		mag := math.Hypot(real(bins[i]), imag(bins[i])) / float64(m.fftSize)
		m.spectrum[i] = toDb(mag)
	}
}

// Snapshot returns the current measurements for the websocket stream.
func (m *Monitor) Snapshot() MonitorData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	spectrum := make([]float32, len(m.spectrum))
	copy(spectrum, m.spectrum)

	now := time.Now().UnixMilli()
	return MonitorData{
		LevelData: LevelData{
			Timestamp: now,
			RMSLevel:  m.currentRMS,
			PeakLevel: m.currentPeak,
			Clipping:  m.isClipping,
		},
		SpectrumData: SpectrumData{
			Timestamp:  now,
			SampleRate: m.sampleRate,
			Spectrum:   spectrum,
			FreqStep:   float32(m.sampleRate) / float32(m.fftSize),
		},
	}
}

// ClipCount returns the number of cycles in which clipping was detected.
func (m *Monitor) ClipCount() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.clipCount
}

func toDb(v float64) float32 {
	if v <= 1e-10 {
		return -100.0
	}
	return float32(20 * math.Log10(v))
}

func makeHannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
}
