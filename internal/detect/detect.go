// Package detect implements the two per-frame heuristics of the pipeline:
// a spectral high-frequency classifier and a stereo direction estimator.
//
// Both are pure functions of a frame's bytes and its [audio.Format]. They never
// return errors; unsupported formats and ambiguous input degrade to the neutral
// result (not detected, angle 0).
package detect

import (
	"math/cmplx"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// Default classifier thresholds.
const (
	DefaultHighFreqMin     = 10000.0
	DefaultHighFreqEpsilon = 0.001
	DefaultHighFreqRatio   = 0.1
)

// Thresholds are the user-tunable parameters of the high-frequency classifier.
type Thresholds struct {
	// HighFreqMin is the cutoff in Hz; bins at or above it are candidates.
	HighFreqMin float64

	// HighFreqEpsilon is the magnitude a candidate bin must exceed to count as active.
	HighFreqEpsilon float64

	// HighFreqRatio is the fraction of active candidates, in [0, 1], required
	// for a positive classification.
	HighFreqRatio float64
}

// DefaultThresholds returns the stock classifier configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighFreqMin:     DefaultHighFreqMin,
		HighFreqEpsilon: DefaultHighFreqEpsilon,
		HighFreqRatio:   DefaultHighFreqRatio,
	}
}

// Classifier decides whether a frame carries enough energy above a cutoff
// frequency. The zero value is not useful; construct with [NewClassifier].
// A Classifier is immutable and safe for concurrent use, so the capture gate
// and the analysis worker share one instance.
type Classifier struct {
	t Thresholds
}

// NewClassifier returns a Classifier using t.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{t: t}
}

// Thresholds returns the configuration the classifier was built with.
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Classify reports whether data, interpreted under f, contains high-frequency
// content. Only the first channel is inspected.
func (c *Classifier) Classify(data []byte, f audio.Format) bool {
	s, err := audio.Decode(data, f)
	if err != nil {
		return false
	}
	mono := s.Channel(0)
	n := len(mono)
	if n == 0 {
		return false
	}

	spectrum := DFT(mono)
	freqStep := float64(f.SampleRate) / float64(n)

	var candidates, active int
	for k := range n / 2 {
		if float64(k)*freqStep < c.t.HighFreqMin {
			continue
		}
		candidates++
		if cmplx.Abs(spectrum[k]) > c.t.HighFreqEpsilon {
			active++
		}
	}

	if candidates == 0 {
		return false
	}
	return float64(active)/float64(candidates) >= c.t.HighFreqRatio
}
