package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// All conversion functions below write into caller-provided buffers and
// return the number of samples (or bytes) written, so they can run inside
// device callbacks without allocating.

// S16ToFloat32 converts int16 samples to floats in [-1, 1).
func S16ToFloat32(dst []float32, src []int16) int {
	n := min(len(dst), len(src))
	for i, s := range src[:n] {
		dst[i] = float32(s) / 32768
	}
	return n
}

// Float32ToS16 converts floats to int16, clamping to the int16 range.
// NaN and infinite samples become silence.
func Float32ToS16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i, v := range src[:n] {
		dst[i] = floatToS16(v)
	}
	return n
}

func floatToS16(v float32) int16 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	s := v * 32767
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// DecodeS16LE converts little-endian int16 PCM bytes to floats and returns
// the number of samples written. A trailing odd byte is ignored.
func DecodeS16LE(dst []float32, pcm []byte) int {
	n := min(len(dst), len(pcm)/2)
	for i := range n {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return n
}

// EncodeS16LE converts floats to little-endian int16 PCM bytes and returns
// the number of samples written.
func EncodeS16LE(dst []byte, src []float32) int {
	n := min(len(dst)/2, len(src))
	for i, v := range src[:n] {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToS16(v)))
	}
	return n
}

// DecodeF32LE converts little-endian float32 PCM bytes to floats and
// returns the number of samples written.
func DecodeF32LE(dst []float32, pcm []byte) int {
	n := min(len(dst), len(pcm)/4)
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
	}
	return n
}

// EncodeF32LE converts floats to little-endian float32 PCM bytes and
// returns the number of samples written.
func EncodeF32LE(dst []byte, src []float32) int {
	n := min(len(dst)/4, len(src))
	for i, v := range src[:n] {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	return n
}

// Downmix averages interleaved frames of the given channel count into mono
// samples in dst and returns the number of mono samples written. With one
// channel it is a plain copy.
func Downmix(dst, src []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, src)
	}
	n := min(len(dst), len(src)/channels)
	scale := 1 / float32(channels)
	for i := range n {
		var sum float32
		for _, v := range src[i*channels : (i+1)*channels] {
			sum += v
		}
		dst[i] = sum * scale
	}
	return n
}

// Upmix duplicates each mono sample into every channel of dst and returns
// the number of mono samples consumed.
func Upmix(dst, mono []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, mono)
	}
	n := min(len(mono), len(dst)/channels)
	for i, v := range mono[:n] {
		for c := range channels {
			dst[i*channels+c] = v
		}
	}
	return n
}

// Deinterleave splits interleaved samples into one slice per channel.
// Trailing samples that do not form a complete frame are dropped.
func Deinterleave(src []float32, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(src) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			out[c][i] = src[i*channels+c]
		}
	}
	return out
}

// Interleave merges per-channel slices into interleaved samples. The result
// has as many frames as the shortest channel.
func Interleave(chans [][]float32) []float32 {
	if len(chans) == 0 {
		return nil
	}
	frames := len(chans[0])
	for _, ch := range chans[1:] {
		frames = min(frames, len(ch))
	}
	out := make([]float32, frames*len(chans))
	for i := range frames {
		for c, ch := range chans {
			out[i*len(chans)+c] = ch[i]
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
