package audio_test

import (
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestS16ToFloat32(t *testing.T) {
	src := []int16{0, 16384, -32768, 32767}
	dst := make([]float32, 4)
	if n := audio.S16ToFloat32(dst, src); n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestFloat32ToS16_ClampsAndSanitises(t *testing.T) {
	src := []float32{0, 0.5, 1, 2, -2, float32(math.NaN()), float32(math.Inf(1))}
	dst := make([]int16, len(src))
	audio.Float32ToS16(dst, src)
	want := []int16{0, 16383, 32767, 32767, -32768, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d (%v): got %d, want %d", i, src[i], dst[i], want[i])
		}
	}
}

func TestS16LE_RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -200, 32767, -32768})
	f := make([]float32, 4)
	if n := audio.DecodeS16LE(f, pcm); n != 4 {
		t.Fatalf("DecodeS16LE n = %d, want 4", n)
	}
	out := make([]byte, len(pcm))
	if n := audio.EncodeS16LE(out, f); n != 4 {
		t.Fatalf("EncodeS16LE n = %d, want 4", n)
	}
	got := bytesToSamples(out)
	// Encoding scales by 32767, so values may move by at most one step.
	for i, want := range []int16{100, -200, 32767, -32768} {
		if d := int(got[i]) - int(want); d < -1 || d > 1 {
			t.Errorf("sample %d: got %d, want %d±1", i, got[i], want)
		}
	}
}

func TestDecodeS16LE_OddByteCount(t *testing.T) {
	pcm := append(samplesToBytes([]int16{1000}), 0x7f)
	dst := make([]float32, 4)
	if n := audio.DecodeS16LE(dst, pcm); n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestF32LE_RoundTrip(t *testing.T) {
	src := []float32{0.25, -0.75, 1}
	buf := make([]byte, 12)
	audio.EncodeF32LE(buf, src)
	dst := make([]float32, 3)
	if n := audio.DecodeF32LE(dst, buf); n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if !slices.Equal(dst, src) {
		t.Errorf("got %v, want %v", dst, src)
	}
}

func TestDownmix(t *testing.T) {
	dst := make([]float32, 4)
	n := audio.Downmix(dst, []float32{0.2, 0.4, -1, 1, 0.5, 0.5}, 2)
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	want := []float32{0.3, 0, 0.5}
	for i := range want {
		if math.Abs(float64(dst[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, dst[i], want[i])
		}
	}
	if n := audio.Downmix(dst, []float32{1, 2}, 1); n != 2 || dst[1] != 2 {
		t.Errorf("mono downmix: n=%d dst=%v", n, dst)
	}
}

func TestUpmix(t *testing.T) {
	dst := make([]float32, 6)
	if n := audio.Upmix(dst, []float32{1, 2, 3, 4}, 2); n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if want := []float32{1, 1, 2, 2, 3, 3}; !slices.Equal(dst, want) {
		t.Errorf("got %v, want %v", dst, want)
	}
}

func TestInterleaveRoundTrip(t *testing.T) {
	src := []float32{1, -1, 2, -2, 3, -3, 9}
	chans := audio.Deinterleave(src, 2)
	if len(chans) != 2 || !slices.Equal(chans[0], []float32{1, 2, 3}) || !slices.Equal(chans[1], []float32{-1, -2, -3}) {
		t.Fatalf("Deinterleave = %v", chans)
	}
	if got := audio.Interleave(chans); !slices.Equal(got, src[:6]) {
		t.Errorf("Interleave = %v, want %v", got, src[:6])
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     audio.StreamConfig
		wantErr bool
	}{
		{"mono capture", audio.StreamConfig{Direction: audio.Capture, SampleRate: 48000, Channels: 1}, false},
		{"stereo playback", audio.StreamConfig{Direction: audio.Playback, SampleRate: 44100, Channels: 2, FramesPerBuffer: 256}, false},
		{"zero rate", audio.StreamConfig{Direction: audio.Capture, Channels: 1}, true},
		{"six channels", audio.StreamConfig{Direction: audio.Capture, SampleRate: 48000, Channels: 6}, true},
		{"bad direction", audio.StreamConfig{Direction: 7, SampleRate: 48000, Channels: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStrings(t *testing.T) {
	cfg := audio.StreamConfig{Direction: audio.Capture, SampleRate: 48000, Channels: 2, Format: audio.FormatS16}
	if got, want := cfg.String(), "capture 48000Hz stereo s16"; got != want {
		t.Errorf("StreamConfig.String() = %q, want %q", got, want)
	}
	if got := audio.ErrorOverrun.String(); got != "overrun" {
		t.Errorf("ErrorOverrun.String() = %q", got)
	}
	if got := audio.Playback.String(); got != "playback" {
		t.Errorf("Playback.String() = %q", got)
	}
	if got := (audio.Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("Format.String() = %q", got)
	}
}
