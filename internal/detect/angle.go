package detect

import (
	"math"

	"github.com/MrWong99/shotsense/pkg/audio"
)

const (
	// silenceFloor is the RMS below which a channel is treated as silent.
	silenceFloor = 1e-6

	// levelEpsilon keeps the level ratio finite when one channel is silent.
	levelEpsilon = 1e-9

	// maxLevelDiffDB is the level difference mapped to a full ±90°.
	maxLevelDiffDB = 20.0

	// MaxAngle bounds every estimate to [-MaxAngle, MaxAngle].
	MaxAngle = 90.0
)

// EstimateAngle maps the interaural level difference between channel 0 (left)
// and channel 1 (right) of data to a direction in degrees. Positive angles
// lean right. Mono streams, empty frames, near-silence and undecodable formats
// yield 0.
func EstimateAngle(data []byte, f audio.Format) float64 {
	if f.Channels < 2 {
		return 0
	}
	s, err := audio.Decode(data, f)
	if err != nil || s.Frames() == 0 {
		return 0
	}

	rmsLeft := rms(s.Channel(0))
	rmsRight := rms(s.Channel(1))
	if rmsLeft < silenceFloor && rmsRight < silenceFloor {
		return 0
	}

	db := 20 * math.Log10((rmsRight+levelEpsilon)/(rmsLeft+levelEpsilon))
	if math.IsNaN(db) {
		return 0
	}
	return clamp(db/maxLevelDiffDB*MaxAngle, -MaxAngle, MaxAngle)
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
