package deepfilter

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()
	_, err := New(filepath.Join(t.TempDir(), "missing.onnx"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("New: got %v, want fs.ErrNotExist", err)
	}
}

func TestNew_InvalidGeometry(t *testing.T) {
	t.Parallel()
	_, err := New("model.onnx", WithGeometry(filter.Geometry{HopSize: 480, FFTSize: 240, StateSize: 1}))
	if err == nil {
		t.Fatal("New: expected geometry error, got nil")
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()
	tr := &Transform{geo: DefaultGeometry}
	g := filter.Geometry{HopSize: 256, FFTSize: 512, StateSize: 100}
	for _, opt := range []Option{WithGeometry(g), WithLibraryPath("/opt/ort.so"), WithThreads(1, 2)} {
		opt(tr)
	}
	if tr.Geometry() != g {
		t.Errorf("Geometry() = %+v, want %+v", tr.Geometry(), g)
	}
	if tr.libraryPath != "/opt/ort.so" {
		t.Errorf("libraryPath = %q", tr.libraryPath)
	}
	if tr.intraThreads != 1 || tr.interThreads != 2 {
		t.Errorf("threads = %d/%d, want 1/2", tr.intraThreads, tr.interThreads)
	}
}

func TestApply_ContractViolation(t *testing.T) {
	t.Parallel()
	tr := &Transform{geo: DefaultGeometry}
	_, _, err := tr.Apply(make(filter.Frame, 10), filter.NewState(DefaultGeometry.StateSize), 0)
	if !errors.Is(err, filter.ErrFrameSize) {
		t.Errorf("short frame: got %v, want ErrFrameSize", err)
	}
	_, _, err = tr.Apply(make(filter.Frame, DefaultGeometry.HopSize), filter.NewState(3), 0)
	if !errors.Is(err, filter.ErrStateSize) {
		t.Errorf("short state: got %v, want ErrStateSize", err)
	}
	_, _, err = tr.Apply(make(filter.Frame, DefaultGeometry.HopSize), filter.NewState(DefaultGeometry.StateSize), 0)
	if err == nil {
		t.Error("closed transform: expected error")
	}
}

func TestLSNR_ZeroBeforeFirstFrame(t *testing.T) {
	t.Parallel()
	tr := &Transform{geo: DefaultGeometry}
	if got := tr.LSNR(); got != 0 {
		t.Errorf("LSNR() = %v, want 0", got)
	}
}
