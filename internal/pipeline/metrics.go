package pipeline

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

type instruments struct {
	tracer        trace.Tracer
	chunkDuration metric.Float64Histogram
	chunks        metric.Int64Counter
	reused        metric.Int64Counter
	samples       metric.Int64Counter
}

func newInstruments(log *slog.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	inst := instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if inst.chunkDuration, err = meter.Float64Histogram("narrator_chunk_inference_seconds",
		metric.WithDescription("Wall time spent synthesizing one chunk"),
		metric.WithUnit("s")); err != nil {
		log.Warn("failed to create histogram", slog.String("error", err.Error()))
		inst.chunkDuration, _ = fallback.Float64Histogram("narrator_chunk_inference_seconds")
	}
	if inst.chunks, err = meter.Int64Counter("narrator_chunks_completed_total",
		metric.WithDescription("Chunks written to the sink")); err != nil {
		log.Warn("failed to create counter", slog.String("error", err.Error()))
		inst.chunks, _ = fallback.Int64Counter("narrator_chunks_completed_total")
	}
	if inst.reused, err = meter.Int64Counter("narrator_chunks_reused_total",
		metric.WithDescription("Chunks restored from a checkpoint")); err != nil {
		log.Warn("failed to create counter", slog.String("error", err.Error()))
		inst.reused, _ = fallback.Int64Counter("narrator_chunks_reused_total")
	}
	if inst.samples, err = meter.Int64Counter("narrator_samples_written_total",
		metric.WithDescription("PCM samples written to the sink")); err != nil {
		log.Warn("failed to create counter", slog.String("error", err.Error()))
		inst.samples, _ = fallback.Int64Counter("narrator_samples_written_total")
	}
	return inst
}
