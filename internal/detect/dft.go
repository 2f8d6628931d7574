package detect

import "math"

// DFT computes the discrete Fourier transform of x directly:
//
//	X[k] = Σ x[n]·e^(−i·2π·k·n/N)
//
// It is O(N²) and dominates classification cost, so frames should stay short.
func DFT(x []float64) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	for k := range n {
		var re, im float64
		for i, v := range x {
			angle := -2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += v * math.Cos(angle)
			im += v * math.Sin(angle)
		}
		out[k] = complex(re, im)
	}
	return out
}
