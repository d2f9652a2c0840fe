package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// Clip is a decoded WAV file, downmixed to mono.
type Clip struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []float32
}

// Duration of the clip.
func (c Clip) Duration() time.Duration {
	return Duration(len(c.Samples), c.SampleRate)
}

// EngineReady reports whether the source already matches the engine format:
// PCM, 16 bit, mono, 16 kHz.
func (c Clip) EngineReady() bool {
	return c.SampleRate == SampleRate && c.Channels == 1 && c.BitDepth == 16
}

// ReadWAV decodes a WAV stream. Multi-channel audio is averaged to mono and
// samples are scaled by the source bit depth, so 16-bit input is divided by 32768.
func ReadWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("not a valid wav file")
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Clip{}, fmt.Errorf("unsupported wav format %d (want PCM)", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return Clip{}, errors.New("wav declares no channels")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth != 8 && bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", bitDepth)
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
		BitDepth:   bitDepth,
		Samples:    downmix(buf.Data, channels, bitDepth),
	}, nil
}

// ReadWAVFile opens and decodes path.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()
	return ReadWAV(f)
}

// ProbeWAVFile reads only the header of path and reports whether it is
// already in engine format. Non-WAV files report false without error.
func ProbeWAVFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return false, nil
	}
	return dec.WavAudioFormat == wavFormatPCM &&
		dec.SampleRate == SampleRate &&
		dec.NumChans == 1 &&
		dec.BitDepth == 16, nil
}

// WriteWAV encodes PCM16 samples as a WAV stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int, channels int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile writes samples to path, replacing any existing file.
func WriteWAVFile(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, samples, sampleRate, 1); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Float32ToInt16 clamps and rescales engine samples back to PCM16.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * pcmScale
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

func downmix(data []int, channels int, bitDepth int) []float32 {
	scale := float32(int64(1) << (bitDepth - 1))
	frames := len(data) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			v := data[f*channels+c]
			if bitDepth == 8 {
				// 8-bit WAV is unsigned
				v -= 128
			}
			sum += float32(v)
		}
		out[f] = sum / float32(channels) / scale
	}
	return out
}
