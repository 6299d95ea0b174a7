// Package dsp holds the signal-processing kernels used by feature
// extraction: pre-emphasis, Hamming windowing, and a radix-2 FFT for power
// spectra. All functions are pure and operate on float64 sample slices
// normalised to [-1, 1].
package dsp

import "math"

// PreEmphasis applies the first-order high-pass filter
// y[n] = x[n] - alpha*x[n-1], boosting high frequencies before spectral
// analysis. The first sample passes through unchanged. Returns a new slice.
func PreEmphasis(x []float64, alpha float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	out := make([]float64, len(x))
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - alpha*x[i-1]
	}
	return out
}

// HammingWindow returns the n-point Hamming window
// w[i] = 0.54 - 0.46*cos(2πi/(n-1)).
func HammingWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range n {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// ApplyWindow multiplies frame by window element-wise into a new slice.
// The two slices must have the same length.
func ApplyWindow(frame, window []float64) []float64 {
	out := make([]float64, len(frame))
	for i := range frame {
		out[i] = frame[i] * window[i]
	}
	return out
}
