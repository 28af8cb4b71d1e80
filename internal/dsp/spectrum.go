// Package dsp holds the small amount of host-side signal processing
// the capture tooling needs: windowing and magnitude spectra over
// received IQ samples.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies samples with the window. Lengths must match.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*window[i], float64(imag(v))*window[i])
	}
	return out
}

// FFTShift reorders FFT output so DC sits in the middle.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	return append(data[half:], data[:half]...)
}

// SpectrumDBFS computes the shifted magnitude spectrum of normalized
// IQ samples in dBFS. The samples are Hamming-windowed and the result
// normalized by the window sum, so a full-scale tone peaks near 0 dBFS.
func SpectrumDBFS(samples []complex64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	win := Hamming(len(samples))
	windowed := ApplyWindow(samples, win)
	fft := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, windowed)

	sumWin := 0.0
	for _, v := range win {
		sumWin += v
	}
	for i := range fft {
		fft[i] /= complex(sumWin, 0)
	}

	shifted := FFTShift(fft)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag)
	}
	return dbfs
}

// PeakBin returns the index and value of the strongest spectrum bin.
func PeakBin(dbfs []float64) (int, float64) {
	best, bestVal := -1, math.Inf(-1)
	for i, v := range dbfs {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}

// Tone generates n samples of a complex exponential at the normalized
// frequency cycles-per-sample, scaled by amp. Useful for transmit
// tests and loopback checks.
func Tone(n int, freq, amp float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		phase := 2 * math.Pi * freq * float64(i)
		out[i] = complex(float32(amp*math.Cos(phase)), float32(amp*math.Sin(phase)))
	}
	return out
}
