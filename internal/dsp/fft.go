package dsp

import (
	"math"
	"math/bits"
)

// FFT computes the in-place iterative radix-2 Cooley–Tukey transform of x.
// len(x) must be a power of two; FFT panics otherwise, since frame sizes are
// validated once at extractor construction.
func FFT(x []complex128) {
	n := len(x)
	if n == 0 {
		return
	}
	if n&(n-1) != 0 {
		panic("dsp: FFT length must be a power of two")
	}

	// Bit-reversal permutation.
	shift := 64 - uint(bits.TrailingZeros(uint(n)))
	for i := range n {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		if j > i {
			x[i], x[j] = x[j], x[i]
		}
	}

	// Butterfly passes.
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := range half {
				angle := step * float64(k)
				w := complex(math.Cos(angle), math.Sin(angle))
				a := x[start+k]
				b := x[start+k+half] * w
				x[start+k] = a + b
				x[start+k+half] = a - b
			}
		}
	}
}

// PowerSpectrum returns the one-sided power spectrum of a real frame:
// |X[k]|² for k in [0, n/2]. The frame length must be a power of two.
func PowerSpectrum(frame []float64) []float64 {
	n := len(frame)
	buf := make([]complex128, n)
	for i, s := range frame {
		buf[i] = complex(s, 0)
	}
	FFT(buf)

	out := make([]float64, n/2+1)
	for k := range out {
		re := real(buf[k])
		im := imag(buf[k])
		out[k] = re*re + im*im
	}
	return out
}
