// Package audio holds the sample format conversions shared by backends,
// the pipeline and the checkpoint store.
package audio

import (
	"encoding/binary"
	"fmt"
)

// DefaultSampleRate is used when a backend does not report its own.
const DefaultSampleRate = 24000

// Buffer is one raw audio buffer yielded by a TTS backend. Backends fill
// exactly one of Float (normalized to [-1, 1]) or PCM.
type Buffer struct {
	Float []float32
	PCM   []int16
}

// Len reports the number of samples in the buffer.
func (b Buffer) Len() int {
	if b.PCM != nil {
		return len(b.PCM)
	}
	return len(b.Float)
}

// Int16 returns the buffer as signed 16-bit samples, converting float
// samples when needed.
func (b Buffer) Int16() []int16 {
	if b.PCM != nil {
		return b.PCM
	}
	return FloatToInt16(b.Float)
}

// FloatToInt16 clips samples to [-1, 1] and scales them by 32767.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FromBytes decodes little-endian 16-bit PCM.
func FromBytes(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}
