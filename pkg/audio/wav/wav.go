// Package wav reads and writes PCM WAV files as normalised float32 samples.
//
// [Read] and [Write] handle whole clips for file mode. [Writer] appends to
// an open file incrementally and is used to record the realtime stream.
// Output is always 16-bit PCM.
package wav

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

// BitDepth is the sample width of files written by this package.
const BitDepth = 16

// pcmFormat is the WAVE_FORMAT_PCM tag.
const pcmFormat = 1

// ErrInvalidFile is returned when a file is not a readable PCM WAV file.
var ErrInvalidFile = errors.New("wav: invalid file")

// Clip is decoded audio with interleaved samples in [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames in the clip.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Format returns the clip's rate and channel layout.
func (c Clip) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Read decodes the WAV file at path.
func Read(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("wav: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: %s", ErrInvalidFile, path)
	}
	divisor, err := fullScale(int(dec.BitDepth))
	if err != nil {
		return Clip{}, fmt.Errorf("wav: %s: %w", path, err)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("wav: decode %s: %w", path, err)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / divisor
	}
	return Clip{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

func fullScale(bitDepth int) (float32, error) {
	switch bitDepth {
	case 8:
		return 128, nil
	case 16:
		return 32768, nil
	case 24:
		return 8388608, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFile, bitDepth)
	}
}

// Write encodes c to path as 16-bit PCM, creating parent directories.
func Write(path string, c Clip) error {
	w, err := Create(path, c.SampleRate, c.Channels)
	if err != nil {
		return err
	}
	if err := w.Write(c.Samples); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Writer streams samples into a WAV file. It is not safe for concurrent use.
type Writer struct {
	f       *os.File
	enc     *wav.Encoder
	format  *goaudio.Format
	pcm     []int16
	ints    []int
	written int
	closed  bool
}

// Create opens path for writing and prepares a 16-bit PCM encoder.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("wav: invalid format %dHz %d channels", sampleRate, channels)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wav: create directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %s: %w", path, err)
	}
	return &Writer{
		f:      f,
		enc:    wav.NewEncoder(f, sampleRate, BitDepth, channels, pcmFormat),
		format: &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
	}, nil
}

// Write appends interleaved samples. Values outside [-1, 1] are clipped.
// Scratch buffers grow to the largest chunk seen and are then reused.
func (w *Writer) Write(samples []float32) error {
	if w.closed {
		return os.ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	if cap(w.pcm) < len(samples) {
		w.pcm = make([]int16, len(samples))
		w.ints = make([]int, len(samples))
	}
	pcm := w.pcm[:len(samples)]
	ints := w.ints[:len(samples)]
	audio.Float32ToS16(pcm, samples)
	for i, v := range pcm {
		ints[i] = int(v)
	}
	err := w.enc.Write(&goaudio.IntBuffer{
		Data:           ints,
		Format:         w.format,
		SourceBitDepth: BitDepth,
	})
	if err != nil {
		return fmt.Errorf("wav: write: %w", err)
	}
	w.written += len(samples)
	return nil
}

// Written returns the number of samples appended so far.
func (w *Writer) Written() int { return w.written }

// Close finalises the header and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("wav: finalize: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("wav: close: %w", fileErr)
	}
	return nil
}
