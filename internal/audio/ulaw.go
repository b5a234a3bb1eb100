package audio

import (
	"encoding/binary"
	"math"
)

// G.711 μ-law companding constants.
const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawToLinear expands a single μ-law byte to a signed 16-bit linear sample:
// complement, then sign bit, 3-bit exponent, 4-bit mantissa, with the bias
// added before the sign is applied.
func ulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := int(mantissa)<<(exponent+3) + ulawBias<<exponent
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// linearToULaw compresses a signed 16-bit linear sample to a μ-law byte. It
// is the exact inverse of ulawToLinear: the decoder folds the bias into the
// expanded sample instead of subtracting it back out, so the encoder must
// not add it a second time or decoded samples stop round-tripping.
func linearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeULaw converts μ-law encoded audio to 16-bit little-endian PCM. The
// output is exactly twice the length of the input. Pure function, safe for
// concurrent use.
func DecodeULaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawToLinear(b)))
	}
	return out
}

// EncodeULaw converts 16-bit little-endian PCM to μ-law encoded audio. A
// trailing odd byte is a caller contract violation and is ignored.
func EncodeULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = linearToULaw(s)
	}
	return out
}

// RMS computes the root mean square of 16-bit little-endian PCM audio.
// Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(n))
}
