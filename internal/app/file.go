package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/neuralmic/internal/observe"
	"github.com/MrWong99/neuralmic/internal/pipeline"
	"github.com/MrWong99/neuralmic/pkg/audio"
	"github.com/MrWong99/neuralmic/pkg/audio/wav"
)

// ProcessFile denoises the WAV file at inPath and writes the result to
// outPath with the same sample rate, channel count and length.
//
// Every channel is processed independently with a freshly reset filter
// state. The file's sample rate must match audio.sample_rate because the
// transform runs at a fixed rate and nothing is resampled.
func (a *App) ProcessFile(ctx context.Context, inPath, outPath string) error {
	ctx, span := observe.StartSpan(ctx, "app.ProcessFile",
		trace.WithAttributes(
			attribute.String("input", inPath),
			attribute.String("output", outPath),
		),
	)
	defer span.End()
	log := observe.WithTrace(ctx, a.log)

	clip, err := wav.Read(inPath)
	if err != nil {
		return observe.Fail(span, fmt.Errorf("app: %w", err))
	}
	if clip.SampleRate != a.cfg.Audio.SampleRate {
		return observe.Fail(span, fmt.Errorf("app: %s is %d Hz, the transform runs at %d Hz",
			inPath, clip.SampleRate, a.cfg.Audio.SampleRate))
	}
	span.SetAttributes(
		attribute.Int("channels", clip.Channels),
		attribute.Int("frames", clip.Frames()),
	)
	log.Info("processing file", "path", inPath, "format", clip.Format().String(), "frames", clip.Frames())

	seq := pipeline.NewSequencer(a.proc)
	chans := audio.Deinterleave(clip.Samples, clip.Channels)
	for c, signal := range chans {
		enhanced, err := a.processChannel(ctx, seq, c, signal)
		if err != nil {
			return observe.Fail(span, err)
		}
		chans[c] = enhanced
	}

	out := wav.Clip{
		Samples:    audio.Interleave(chans),
		SampleRate: clip.SampleRate,
		Channels:   clip.Channels,
	}
	if err := wav.Write(outPath, out); err != nil {
		return observe.Fail(span, fmt.Errorf("app: %w", err))
	}

	st := a.proc.Stats()
	log.Info("file written",
		"path", outPath,
		"processed", st.Processed,
		"failures", st.Failures,
		"violations", st.Violations,
		"bypassed", st.Bypassed,
	)
	return nil
}

func (a *App) processChannel(ctx context.Context, seq *pipeline.Sequencer, channel int, signal []float32) ([]float32, error) {
	ctx, span := observe.StartSpan(ctx, "app.processChannel",
		trace.WithAttributes(attribute.Int("channel", channel)),
	)
	defer span.End()

	start := time.Now()
	enhanced, err := seq.Process(ctx, signal)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.RecordBatch(ctx, elapsed, "error")
		return nil, observe.Fail(span, fmt.Errorf("app: channel %d: %w", channel, err))
	}
	a.metrics.RecordBatch(ctx, elapsed, "ok")

	in, out := pipeline.NewLevelMeter(len(signal)), pipeline.NewLevelMeter(len(enhanced))
	in.Observe(signal)
	out.Observe(enhanced)
	observe.WithTrace(ctx, a.log).Info("channel processed",
		"channel", channel,
		"seconds", elapsed,
		"input_dbfs", in.DBFS(),
		"output_dbfs", out.DBFS(),
	)
	return enhanced, nil
}
