package ecg

import "math"

// DetectorConfig tunes the streaming R-peak detector.
type DetectorConfig struct {
	SampleRateHz int
	// BaselineAlpha is the slow EMA tracking baseline wander.
	BaselineAlpha float64
	// EnvelopeAlpha is the faster EMA of the absolute detrended signal.
	EnvelopeAlpha float64
	// Threshold = ThresholdGain*envelope + ThresholdFloor.
	ThresholdGain  float64
	ThresholdFloor float64
	RefractoryMs   float64
	MinRRMs        float64
	MaxRRMs        float64
}

// DefaultDetectorConfig returns the field-tuned parameters for rate hz.
func DefaultDetectorConfig(hz int) DetectorConfig {
	return DetectorConfig{
		SampleRateHz:   hz,
		BaselineAlpha:  0.005,
		EnvelopeAlpha:  0.02,
		ThresholdGain:  2.0,
		ThresholdFloor: 40,
		RefractoryMs:   220,
		MinRRMs:        250,
		MaxRRMs:        2000,
	}
}

// Detector is a single-pass, one-sample-at-a-time R-peak detector. Each
// accepted peak after the first yields one RR interval; plausible
// intervals go into the shared history.
type Detector struct {
	cfg        DetectorConfig
	history    *History
	refractory int64

	primed   bool
	baseline float64
	envelope float64

	sampleIndex  int64
	lastPeakIdx  int64
	inPeak       bool
	peakMax      float64
	peakMaxIdx   int64
	lastRRMs     float64
	beats        uint64
	rrRejected   uint64
}

// NewDetector creates a detector feeding accepted RR intervals into
// history (which may be shared with the HR notification path).
func NewDetector(cfg DetectorConfig, history *History) *Detector {
	return &Detector{
		cfg:         cfg,
		history:     history,
		refractory:  int64(cfg.RefractoryMs * float64(cfg.SampleRateHz) / 1000.0),
		lastPeakIdx: -1,
	}
}

// Process consumes one sample and returns an RR interval in ms when a new
// beat completes one.
func (d *Detector) Process(v float64) (float64, bool) {
	if !d.primed {
		d.baseline = v
		d.primed = true
	}
	d.baseline += d.cfg.BaselineAlpha * (v - d.baseline)
	x := v - d.baseline
	d.envelope += d.cfg.EnvelopeAlpha * (math.Abs(x) - d.envelope)
	threshold := d.cfg.ThresholdGain*d.envelope + d.cfg.ThresholdFloor

	idx := d.sampleIndex
	d.sampleIndex++

	if !d.inPeak {
		if x > threshold && (d.lastPeakIdx < 0 || idx-d.lastPeakIdx >= d.refractory) {
			d.inPeak = true
			d.peakMax = x
			d.peakMaxIdx = idx
		}
		return 0, false
	}

	if x > d.peakMax {
		d.peakMax = x
		d.peakMaxIdx = idx
	}
	if x >= threshold/2 {
		return 0, false
	}

	// Fell below half threshold: accept the tracked maximum as the R-peak.
	d.inPeak = false
	prev := d.lastPeakIdx
	d.lastPeakIdx = d.peakMaxIdx
	d.beats++
	if prev < 0 {
		return 0, false
	}

	rr := float64(d.peakMaxIdx-prev) * 1000.0 / float64(d.cfg.SampleRateHz)
	if rr < d.cfg.MinRRMs || rr > d.cfg.MaxRRMs {
		d.rrRejected++
		return 0, false
	}
	d.lastRRMs = rr
	if d.history != nil {
		d.history.Add(rr)
	}
	return rr, true
}

// ProcessAll runs Process over a decoded frame.
func (d *Detector) ProcessAll(samples []float64) {
	for _, s := range samples {
		d.Process(s)
	}
}

// LastRRMs returns the most recent accepted RR interval, 0 before any.
func (d *Detector) LastRRMs() float64 { return d.lastRRMs }

// Beats returns the number of accepted R-peaks.
func (d *Detector) Beats() uint64 { return d.beats }

// RRRejected counts intervals discarded as implausible.
func (d *Detector) RRRejected() uint64 { return d.rrRejected }
