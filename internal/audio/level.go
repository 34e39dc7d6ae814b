package audio

import (
	"encoding/binary"
	"math"
)

// dftSize is the analysis window: 256 samples, 16ms at 16kHz.
const dftSize = 256

// Level reduces a window of 16-bit little-endian mono PCM to a 0-100
// loudness scalar for the microphone meter. It takes the peak bin magnitude
// of a DFT over the last 256 samples, so a full-scale tone reads near 100
// and silence reads 0.
func Level(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	if n > dftSize {
		pcm = pcm[len(pcm)-dftSize*2:]
		n = dftSize
	}

	samples := make([]float64, n)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		samples[i] = float64(s) / 32768.0
	}

	var peak float64
	for k := 0; k <= n/2; k++ {
		var re, im float64
		for i, s := range samples {
			angle := -2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += s * math.Cos(angle)
			im += s * math.Sin(angle)
		}
		mag := 2 * math.Sqrt(re*re+im*im) / float64(n)
		if mag > peak {
			peak = mag
		}
	}

	level := int(math.Round(peak * 100))
	if level > 100 {
		level = 100
	}
	if level < 0 {
		level = 0
	}
	return level
}
