package wakeword

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/spokestack/spokestack-go/config"
)

// stft computes magnitude spectra over a Hann-windowed sample frame.
// The window and FFT plan are allocated once; transform reuses the same
// scratch buffers every call, so the analyzer never allocates inside
// the frame budget.
type stft struct {
	window []float64
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	mags   []float32
}

// newSTFT builds the analyzer for a window of size n. Only the hann
// window type is supported, and n must be even so the spectrum has a
// distinct Nyquist bin.
func newSTFT(n int, windowType string) (*stft, error) {
	if n%2 != 0 {
		return nil, fmt.Errorf("%w: fft-window-size %d is not even", config.ErrInvalid, n)
	}
	if windowType != "hann" {
		return nil, fmt.Errorf("%w: unsupported fft-window-type %q", config.ErrInvalid, windowType)
	}

	// Hann coefficients: sin^2(pi*i/(n-1)).
	window := make([]float64, n)
	for i := range window {
		s := math.Sin(math.Pi * float64(i) / float64(n-1))
		window[i] = s * s
	}

	return &stft{
		window: window,
		fft:    fourier.NewFFT(n),
		frame:  make([]float64, n),
		coeffs: make([]complex128, n/2+1),
		mags:   make([]float32, n/2+1),
	}, nil
}

// bins returns the number of magnitude bins produced per transform.
func (s *stft) bins() int {
	return len(s.mags)
}

// transform windows the samples and returns the magnitude spectrum.
// The returned slice is valid until the next call.
func (s *stft) transform(samples []float32) []float32 {
	for i, v := range samples {
		s.frame[i] = float64(v) * s.window[i]
	}
	s.fft.Coefficients(s.coeffs, s.frame)
	for i, c := range s.coeffs {
		s.mags[i] = float32(cmplx.Abs(c))
	}
	return s.mags
}
