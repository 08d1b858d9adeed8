package pipeline

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/events"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runSequential handles one chunk at a time: reuse its checkpointed audio
// when possible, otherwise infer it, stream it to the sink and persist it.
func (s *Scheduler) runSequential(ctx context.Context, chunks []chunker.TextChunk) (Result, error) {
	total := len(chunks)
	res := Result{Offsets: make([]int64, total)}
	var cumulative int64

	for idx, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Offsets[idx] = cumulative

		written, reused, err := s.reuse(idx, total)
		if err != nil {
			return res, err
		}
		if !reused {
			start := s.clock()
			s.events.Emit(events.Worker(0, events.WorkerInfer, chunkLabel(idx, total)))
			written, err = s.infer(ctx, idx, chunk)
			if err != nil {
				return res, err
			}
			elapsed := s.clock().Sub(start)
			res.Timings = append(res.Timings, elapsed)
			s.metrics.chunkDuration.Record(ctx, elapsed.Seconds())
			s.events.Emit(events.Timing(idx, elapsed, "infer"))
		}
		cumulative += written
		s.metrics.chunks.Add(ctx, 1)
		s.metrics.samples.Add(ctx, written)

		s.heartbeatIfDue()
		s.events.Emit(events.Progress(idx+1, total))
	}
	res.TotalSamples = cumulative
	return res, nil
}

// reuse writes a checkpointed chunk to the sink. A chunk marked complete
// whose blob is gone is demoted so it gets inferred again.
func (s *Scheduler) reuse(idx, total int) (int64, bool, error) {
	ckpt := s.opts.Checkpoint
	if ckpt == nil || !ckpt.Resume || !ckpt.Manifest.IsCompleted(idx) {
		return 0, false, nil
	}
	samples, ok := ckpt.Store.LoadChunkAudio(idx)
	if !ok {
		ckpt.Manifest.Unmark(idx)
		if err := ckpt.Store.Save(ckpt.Manifest); err != nil {
			return 0, false, fmt.Errorf("save checkpoint: %w", err)
		}
		s.events.Emit(events.Checkpoint(events.CheckpointMissingAudio, idx))
		return 0, false, nil
	}
	if err := s.write(samples); err != nil {
		return 0, false, err
	}
	s.metrics.reused.Add(context.Background(), 1)
	s.events.Emit(events.Worker(0, events.WorkerEncode, fmt.Sprintf("Reused checkpoint chunk %d/%d", idx+1, total)))
	s.events.Emit(events.Checkpoint(events.CheckpointReused, idx))
	return int64(len(samples)), true, nil
}

// infer streams a chunk's buffers to the sink as they arrive and, when
// checkpointing, persists the chunk once the backend is exhausted.
func (s *Scheduler) infer(ctx context.Context, idx int, chunk chunker.TextChunk) (int64, error) {
	ctx, span := s.metrics.tracer.Start(ctx, "chunk.infer", trace.WithAttributes(attribute.Int("chunk.index", idx)))
	defer span.End()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ckpt := s.opts.Checkpoint
	var (
		written int64
		kept    []int16
	)
	chunksCh, errs := s.backend.Generate(genCtx, s.request(chunk))
	err := tts.Drain(genCtx, chunksCh, errs, func(buf audio.Buffer) error {
		samples := buf.Int16()
		if err := s.write(samples); err != nil {
			return err
		}
		written += int64(len(samples))
		if ckpt != nil {
			kept = append(kept, samples...)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return written, fmt.Errorf("chunk %d: %w", idx, err)
	}
	span.SetAttributes(attribute.Int64("chunk.samples", written))

	if ckpt != nil {
		if err := ckpt.Store.SaveChunkAudio(idx, kept, ckpt.SampleRate); err != nil {
			return written, fmt.Errorf("save chunk %d audio: %w", idx, err)
		}
		ckpt.Manifest.MarkCompleted(idx)
		if err := ckpt.Store.Save(ckpt.Manifest); err != nil {
			return written, fmt.Errorf("save checkpoint: %w", err)
		}
		s.events.Emit(events.Checkpoint(events.CheckpointSaved, idx))
	}
	return written, nil
}
