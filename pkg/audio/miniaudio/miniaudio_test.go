package miniaudio

import (
	"testing"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/neuralmic/pkg/audio"
)

func TestPlatformBackend(t *testing.T) {
	tests := []struct {
		goos   string
		want   malgo.Backend
		wantOK bool
	}{
		{"linux", malgo.BackendAlsa, true},
		{"windows", malgo.BackendWasapi, true},
		{"darwin", malgo.BackendCoreaudio, true},
		{"plan9", malgo.BackendNull, false},
	}
	for _, tt := range tests {
		got, ok := platformBackend(tt.goos)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("platformBackend(%q) = %v, %v; want %v, %v", tt.goos, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestOnData_CaptureConvertsInChunks(t *testing.T) {
	d := &device{
		cfg:     audio.StreamConfig{Direction: audio.Capture, Channels: 1, Format: audio.FormatS16},
		scratch: make([]float32, 2),
	}
	var got []float32
	cb := audio.Callback(func(s []float32) { got = append(got, s...) })
	d.SetCallback(cb)

	// 16384 = 0.5, -16384 = -0.5, little-endian.
	in := []byte{0x00, 0x40, 0x00, 0xc0, 0x00, 0x40}
	d.onData(nil, in, 3)

	want := []float32{0.5, -0.5, 0.5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOnData_PlaybackFillsOutput(t *testing.T) {
	d := &device{
		cfg:     audio.StreamConfig{Direction: audio.Playback, Channels: 1, Format: audio.FormatF32},
		scratch: make([]float32, 3),
	}
	d.SetCallback(func(s []float32) {
		for i := range s {
			s[i] = 0.25
		}
	})
	out := make([]byte, 5*4)
	d.onData(out, nil, 5)

	dec := make([]float32, 5)
	audio.DecodeF32LE(dec, out)
	for i, v := range dec {
		if v != 0.25 {
			t.Errorf("sample %d = %v, want 0.25", i, v)
		}
	}
}

func TestOnData_NoCallbackYieldsSilence(t *testing.T) {
	d := &device{
		cfg:     audio.StreamConfig{Direction: audio.Playback, Channels: 1},
		scratch: make([]float32, 4),
	}
	out := []byte{1, 2, 3, 4}
	d.onData(out, nil, 2)
	for i, b := range out {
		if b != 0 {
			t.Errorf("out[%d] = %d, want 0", i, b)
		}
	}
}

func TestOnStop_ReportsUnexpectedStopOnly(t *testing.T) {
	d := &device{}
	var codes []audio.ErrorCode
	d.OnError(func(c audio.ErrorCode) { codes = append(codes, c) })

	d.onStop()
	d.stopping.Store(true)
	d.onStop()

	if len(codes) != 1 || codes[0] != audio.ErrorStopped {
		t.Errorf("codes = %v, want [stopped]", codes)
	}
}
