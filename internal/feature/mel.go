package feature

import "math"

// Mel-scale filterbank and cepstral transform. The Mel scale compresses the
// linear frequency axis to match perceptual pitch spacing; triangular
// filters pool FFT power bins before the log/DCT cepstral step.

// hzToMel converts a frequency in Hz to the Mel scale.
func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// melToHz converts a Mel-scale value back to Hz.
func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds numFilters triangular filters spanning 0 Hz to the
// Nyquist frequency, each expressed as weights over the fftSize/2+1 power
// bins of a frame.
func melFilterbank(numFilters, fftSize, sampleRate int) [][]float64 {
	bins := fftSize/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)

	// numFilters+2 equally spaced Mel points define the triangle edges.
	points := make([]float64, numFilters+2)
	for i := range points {
		mel := maxMel * float64(i) / float64(numFilters+1)
		points[i] = melToHz(mel) * float64(fftSize) / float64(sampleRate)
	}

	filters := make([][]float64, numFilters)
	for f := range numFilters {
		filters[f] = make([]float64, bins)
		left, centre, right := points[f], points[f+1], points[f+2]
		for k := range bins {
			x := float64(k)
			switch {
			case x > left && x < centre:
				filters[f][k] = (x - left) / (centre - left)
			case x >= centre && x < right:
				filters[f][k] = (right - x) / (right - centre)
			}
		}
	}
	return filters
}

// dctII computes cepstral coefficients 1..numCoeffs of the DCT-II of x.
// The 0th (DC) coefficient carries overall loudness rather than spectral
// envelope shape and is skipped.
func dctII(x []float64, numCoeffs int) []float64 {
	m := float64(len(x))
	out := make([]float64, numCoeffs)
	for k := 1; k <= numCoeffs; k++ {
		var sum float64
		for n, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(float64(n)+0.5)/m)
		}
		out[k-1] = sum * math.Sqrt(2/m)
	}
	return out
}
