// Package audio holds the mono PCM track the assembler mixes in, plus WAV
// conversion through go-audio.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const encodeBitDepth = 16

// ErrInvalidWAV is returned when clip bytes are not a decodable PCM WAV stream
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// Track is mono audio with samples in [-1, 1]
type Track struct {
	SampleRate int
	Samples    []float64
}

// SamplesForMs converts milliseconds to a sample count using integer math
func SamplesForMs(rate int, ms int64) int {
	if ms <= 0 || rate <= 0 {
		return 0
	}
	return int(ms * int64(rate) / 1000)
}

// NewSilence returns ms of silence at rate
func NewSilence(rate int, ms int64) *Track {
	return &Track{SampleRate: rate, Samples: make([]float64, SamplesForMs(rate, ms))}
}

// Sine returns a tone, used by stub engines and tests
func Sine(rate int, freq float64, ms int64, amplitude float64) *Track {
	n := SamplesForMs(rate, ms)
	t := &Track{SampleRate: rate, Samples: make([]float64, n)}
	for i := range t.Samples {
		t.Samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return t
}

func (t *Track) Len() int {
	return len(t.Samples)
}

// DurationMs is the track length in whole milliseconds
func (t *Track) DurationMs() int64 {
	if t.SampleRate <= 0 {
		return 0
	}
	return int64(len(t.Samples)) * 1000 / int64(t.SampleRate)
}

func (t *Track) Duration() time.Duration {
	if t.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(t.Samples)) * time.Second / time.Duration(t.SampleRate)
}

// Append concatenates o onto t; both must share a sample rate
func (t *Track) Append(o *Track) error {
	if o.SampleRate != t.SampleRate {
		return fmt.Errorf("audio: sample rate mismatch %d != %d", o.SampleRate, t.SampleRate)
	}
	t.Samples = append(t.Samples, o.Samples...)
	return nil
}

// Resample converts t to rate with linear interpolation
func Resample(t *Track, rate int) *Track {
	if t.SampleRate == rate || len(t.Samples) == 0 {
		return &Track{SampleRate: rate, Samples: append([]float64(nil), t.Samples...)}
	}
	n := int(int64(len(t.Samples)) * int64(rate) / int64(t.SampleRate))
	out := &Track{SampleRate: rate, Samples: make([]float64, n)}
	ratio := float64(t.SampleRate) / float64(rate)
	last := len(t.Samples) - 1
	for i := range out.Samples {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out.Samples[i] = t.Samples[last]
			continue
		}
		frac := pos - float64(j)
		out.Samples[i] = t.Samples[j]*(1-frac) + t.Samples[j+1]*frac
	}
	return out
}

// DBToGain converts decibels to a linear amplitude factor
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// Decode reads a PCM WAV stream and downmixes it to mono
func Decode(data []byte) (*Track, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrInvalidWAV, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	scale := float64(int64(1) << (depth - 1))
	offset := 0
	if depth == 8 {
		offset = 128
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	track := &Track{SampleRate: buf.Format.SampleRate, Samples: make([]float64, frames)}
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[f*channels+c]-offset) / scale
		}
		track.Samples[f] = sum / float64(channels)
	}
	return track, nil
}

// Encode writes t as 16-bit mono PCM WAV, clipping to full scale
func Encode(w io.WriteSeeker, t *Track) error {
	data := make([]int, len(t.Samples))
	full := float64(int(1)<<(encodeBitDepth-1) - 1)
	for i, s := range t.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(math.Round(s * full))
	}

	enc := wav.NewEncoder(w, t.SampleRate, encodeBitDepth, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           data,
		SourceBitDepth: encodeBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return nil
}

// EncodeBytes encodes t through a temp file in dir, since the encoder needs to seek
func EncodeBytes(t *Track, dir string) ([]byte, error) {
	f, err := os.CreateTemp(dir, "track-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := Encode(f, t); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
