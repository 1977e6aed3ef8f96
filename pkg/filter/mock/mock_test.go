package mock_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/neuralmic/pkg/filter"
	"github.com/MrWong99/neuralmic/pkg/filter/mock"
)

func TestTransform_IdentityByDefault(t *testing.T) {
	t.Parallel()
	tr := &mock.Transform{Geo: filter.Geometry{HopSize: 2, FFTSize: 2, StateSize: 1}}
	out, st, err := tr.Apply(filter.Frame{1, 2}, filter.State{7}, -3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 1 || out[1] != 2 || st[0] != 7 {
		t.Errorf("got out=%v state=%v, want [1 2] [7]", out, st)
	}
	calls := tr.Calls()
	if len(calls) != 1 || calls[0].Strength != -3 {
		t.Errorf("calls = %+v", calls)
	}
}

func TestTransform_Err(t *testing.T) {
	t.Parallel()
	want := errors.New("boom")
	tr := &mock.Transform{Err: want}
	if _, _, err := tr.Apply(nil, nil, 0); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	tr.Reset()
	if tr.CallCount() != 0 {
		t.Errorf("CallCount after Reset = %d", tr.CallCount())
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()
	tr := mock.Delay(2, 5)
	state := filter.NewState(tr.Geometry().StateSize)
	var got []float32
	for _, f := range []filter.Frame{{1, 2}, {3, 4}, {5, 6}} {
		out, next, err := tr.Apply(f, state, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, out...)
		copy(state, next)
	}
	want := []float32{0, 0, 0, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("output = %v, want %v", got, want)
		}
	}
}
