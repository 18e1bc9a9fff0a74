// Package audio implements the transcoding path between the TTS sample format
// (16-bit little-endian linear PCM at 24 kHz) and the carrier wire format
// (G.711 mu-law at 8 kHz), plus the paced outbound frame writer.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawToLinearTable is a pre-computed lookup table for mu-law to 16-bit signed PCM.
var mulawToLinearTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinearTable[i] = decodeMulaw(byte(i))
	}
}

// decodeMulaw converts a single mu-law byte to a 16-bit signed PCM sample.
// Exact inverse of the encoder's lossy mapping.
func decodeMulaw(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := mulaw & 0x80
	exponent := uint(mulaw>>4) & 0x07
	mantissa := int32(mulaw & 0x0F)
	sample := ((mantissa<<3 | mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// LinearToMulaw converts a 16-bit signed PCM sample to a mu-law byte.
func LinearToMulaw(sample int16) byte {
	sign := 0
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}

	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Locate the segment: highest set bit in the 15-bit window.
	exponent := 7
	for mask := int32(0x4000); mask > 0x40 && s&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := int((s >> uint(exponent+3)) & 0x0F)

	return byte(^(sign | exponent<<4 | mantissa))
}

// MulawToLinear converts a single mu-law byte to a 16-bit signed PCM sample
// using the pre-computed lookup table.
func MulawToLinear(mulaw byte) int16 {
	return mulawToLinearTable[mulaw]
}

// MulawBufToLinear converts a buffer of mu-law bytes to 16-bit signed PCM (little-endian).
func MulawBufToLinear(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinearTable[b]
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// LinearBufToMulaw converts a buffer of 16-bit signed PCM (little-endian) to mu-law.
func LinearBufToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		mulaw[i] = LinearToMulaw(sample)
	}
	return mulaw
}

// Resample24kTo8k downsamples 16-bit little-endian PCM from 24 kHz to 8 kHz.
// Each output sample is the arithmetic mean of three consecutive input samples,
// which doubles as a rudimentary anti-alias filter. A trailing partial triple
// is discarded; empty input produces empty output.
func Resample24kTo8k(pcm24k []byte) []byte {
	samplesOut := len(pcm24k) / 6
	if samplesOut == 0 {
		return nil
	}

	out := make([]byte, samplesOut*2)
	for i := 0; i < samplesOut; i++ {
		src := i * 6
		s0 := int32(int16(pcm24k[src]) | int16(pcm24k[src+1])<<8)
		s1 := int32(int16(pcm24k[src+2]) | int16(pcm24k[src+3])<<8)
		s2 := int32(int16(pcm24k[src+4]) | int16(pcm24k[src+5])<<8)
		avg := int16((s0 + s1 + s2) / 3)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
