// Package deepfilter implements filter.Transform on top of a streaming
// DeepFilterNet ONNX export, executed with ONNX Runtime through
// github.com/yalue/onnxruntime_go.
//
// The model is expected to expose the single-frame streaming signature:
//
//	inputs:  input_frame [hop], states [state], atten_lim_db [1]
//	outputs: enhanced_audio_frame [hop], new_states [state], lsnr [1]
//
// All tensors are allocated once in [New] and reused for every call, so
// [Transform.Apply] performs no Go heap allocation in the steady state.
//
// A Transform is not safe for concurrent use.
package deepfilter

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/neuralmic/pkg/filter"
)

// Tensor names of the streaming DeepFilterNet export.
const (
	inputFrame  = "input_frame"
	inputState  = "states"
	inputAtten  = "atten_lim_db"
	outputFrame = "enhanced_audio_frame"
	outputState = "new_states"
	outputLSNR  = "lsnr"
)

// DefaultGeometry matches DeepFilterNet3 at 48 kHz.
var DefaultGeometry = filter.Geometry{
	HopSize:   480,
	FFTSize:   960,
	StateSize: 45304,
}

var (
	_ filter.Transform    = (*Transform)(nil)
	_ filter.SNREstimator = (*Transform)(nil)
)

// Option configures a [Transform].
type Option func(*Transform)

// WithGeometry overrides [DefaultGeometry] for models exported with a
// different frame or state layout.
func WithGeometry(g filter.Geometry) Option {
	return func(t *Transform) {
		t.geo = g
	}
}

// WithLibraryPath sets the path to the onnxruntime shared library. It only
// takes effect for the first Transform created in the process.
func WithLibraryPath(path string) Option {
	return func(t *Transform) {
		t.libraryPath = path
	}
}

// WithThreads sets the intra- and inter-op thread counts of the session.
// Zero leaves the runtime default in place.
func WithThreads(intra, inter int) Option {
	return func(t *Transform) {
		t.intraThreads = intra
		t.interThreads = inter
	}
}

// Transform runs one DeepFilterNet frame per Apply call.
type Transform struct {
	geo          filter.Geometry
	libraryPath  string
	intraThreads int
	interThreads int

	session  *ort.AdvancedSession
	inFrame  *ort.Tensor[float32]
	inState  *ort.Tensor[float32]
	inAtten  *ort.Tensor[float32]
	outFrame *ort.Tensor[float32]
	outState *ort.Tensor[float32]
	outLSNR  *ort.Tensor[float32]

	// lsnr holds the float32 bits of the last estimate.
	lsnr atomic.Uint32

	closeOnce sync.Once
}

// New loads the model at modelPath and prepares its input/output tensors.
func New(modelPath string, opts ...Option) (*Transform, error) {
	t := &Transform{geo: DefaultGeometry}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.geo.Validate(); err != nil {
		return nil, fmt.Errorf("deepfilter: %w", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("deepfilter: model: %w", err)
	}
	if err := acquireEnv(t.libraryPath); err != nil {
		return nil, fmt.Errorf("deepfilter: init onnxruntime: %w", err)
	}
	if err := t.init(modelPath); err != nil {
		t.destroy()
		releaseEnv()
		return nil, err
	}
	return t, nil
}

func (t *Transform) init(modelPath string) error {
	var err error
	hop, state := int64(t.geo.HopSize), int64(t.geo.StateSize)

	if t.inFrame, err = ort.NewEmptyTensor[float32](ort.NewShape(hop)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", inputFrame, err)
	}
	if t.inState, err = ort.NewEmptyTensor[float32](ort.NewShape(state)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", inputState, err)
	}
	if t.inAtten, err = ort.NewEmptyTensor[float32](ort.NewShape(1)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", inputAtten, err)
	}
	if t.outFrame, err = ort.NewEmptyTensor[float32](ort.NewShape(hop)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", outputFrame, err)
	}
	if t.outState, err = ort.NewEmptyTensor[float32](ort.NewShape(state)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", outputState, err)
	}
	if t.outLSNR, err = ort.NewEmptyTensor[float32](ort.NewShape(1)); err != nil {
		return fmt.Errorf("deepfilter: tensor %s: %w", outputLSNR, err)
	}

	var so *ort.SessionOptions
	if t.intraThreads > 0 || t.interThreads > 0 {
		if so, err = ort.NewSessionOptions(); err != nil {
			return fmt.Errorf("deepfilter: session options: %w", err)
		}
		defer so.Destroy()
		if t.intraThreads > 0 {
			if err := so.SetIntraOpNumThreads(t.intraThreads); err != nil {
				return fmt.Errorf("deepfilter: intra-op threads: %w", err)
			}
		}
		if t.interThreads > 0 {
			if err := so.SetInterOpNumThreads(t.interThreads); err != nil {
				return fmt.Errorf("deepfilter: inter-op threads: %w", err)
			}
		}
	}

	t.session, err = ort.NewAdvancedSession(modelPath,
		[]string{inputFrame, inputState, inputAtten},
		[]string{outputFrame, outputState, outputLSNR},
		[]ort.Value{t.inFrame, t.inState, t.inAtten},
		[]ort.Value{t.outFrame, t.outState, t.outLSNR},
		so,
	)
	if err != nil {
		return fmt.Errorf("deepfilter: load %q: %w", modelPath, err)
	}
	return nil
}

// Geometry returns the frame and state layout of the loaded model.
func (t *Transform) Geometry() filter.Geometry {
	return t.geo
}

// Apply runs a single streaming step. The returned frame and state alias
// the session's output tensors.
func (t *Transform) Apply(frame filter.Frame, state filter.State, strength float32) (filter.Frame, filter.State, error) {
	if err := t.geo.CheckFrame(frame); err != nil {
		return nil, nil, err
	}
	if err := t.geo.CheckState(state); err != nil {
		return nil, nil, err
	}
	if t.session == nil {
		return nil, nil, errors.New("deepfilter: transform is closed")
	}

	copy(t.inFrame.GetData(), frame)
	copy(t.inState.GetData(), state)
	t.inAtten.GetData()[0] = filter.ClampStrength(strength)

	if err := t.session.Run(); err != nil {
		return nil, nil, fmt.Errorf("deepfilter: run: %w", err)
	}
	t.lsnr.Store(math.Float32bits(t.outLSNR.GetData()[0]))
	return t.outFrame.GetData(), t.outState.GetData(), nil
}

// LSNR returns the model's local SNR estimate for the most recent frame, in
// dB, or 0 before the first successful Apply.
func (t *Transform) LSNR() float32 {
	return math.Float32frombits(t.lsnr.Load())
}

// Close releases the session and its tensors. Calling Close more than once
// is safe.
func (t *Transform) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.destroy()
		if rerr := releaseEnv(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	})
	return err
}

func (t *Transform) destroy() error {
	var errs []error
	if t.session != nil {
		errs = append(errs, t.session.Destroy())
		t.session = nil
	}
	for _, tensor := range []*ort.Tensor[float32]{t.inFrame, t.inState, t.inAtten, t.outFrame, t.outState, t.outLSNR} {
		if tensor != nil {
			errs = append(errs, tensor.Destroy())
		}
	}
	return errors.Join(errs...)
}

// The onnxruntime environment is process-wide; it is torn down when the last
// Transform is closed.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnv(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}
