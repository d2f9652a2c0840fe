package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// SampleRate is the only rate the engine accepts.
	SampleRate = 16000
	// BytesPerSample for signed 16-bit PCM.
	BytesPerSample = 2

	pcmScale = 32768.0
)

// ErrOddPCM is returned for payloads that do not hold a whole number of samples.
var ErrOddPCM = errors.New("pcm payload not aligned to 16-bit samples")

// DecodePCM16 reads little-endian signed 16-bit samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrOddPCM
	}
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return samples, nil
}

// EncodePCM16 is the inverse of DecodePCM16.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// Int16ToFloat32 scales samples into [-1, 1) by dividing by 32768.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// PCMToFloat32 decodes a raw PCM16 payload straight to engine samples.
func PCMToFloat32(pcm []byte) ([]float32, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	return Int16ToFloat32(samples), nil
}

// Duration of n mono samples at the given rate.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
