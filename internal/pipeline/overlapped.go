package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/events"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type msgKind int

const (
	msgStart msgKind = iota
	msgAudio
	msgDone
	msgEnd
)

func (k msgKind) String() string {
	switch k {
	case msgStart:
		return "start"
	case msgAudio:
		return "audio"
	case msgDone:
		return "done"
	case msgEnd:
		return "end"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// message flows between stages. End is its own variant so it can never be
// confused with a chunk.
type message struct {
	kind    msgKind
	idx     int
	audio   audio.Buffer
	elapsed time.Duration
}

// runOverlapped runs inference and int16 conversion in their own
// goroutines. This goroutine is the controller: it alone writes to the
// sink and records offsets, and it polls the error channel whenever a
// queue read times out.
func (s *Scheduler) runOverlapped(ctx context.Context, chunks []chunker.TextChunk) (Result, error) {
	total := len(chunks)
	res := Result{Offsets: make([]int64, total)}

	ctx, cancel := context.WithCancel(ctx)
	inferQ := make(chan message, max(2, s.opts.PrefetchChunks*2))
	pcmQ := make(chan message, max(2, s.opts.PCMQueueSize))
	errCh := make(chan error, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.inferStage(gctx, chunks, inferQ, errCh) })
	g.Go(func() error { return s.convertStage(gctx, inferQ, pcmQ, errCh) })
	defer s.join(g, cancel)

	var (
		cumulative int64
		processed  int
		started    = make([]bool, total)
	)
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case err := <-errCh:
			return res, err
		default:
		}

		timer.Reset(s.opts.PollInterval)
		var msg message
		select {
		case msg = <-pcmQ:
		case err := <-errCh:
			return res, err
		case <-timer.C:
			s.heartbeatIfDue()
			continue
		case <-ctx.Done():
			return res, ctx.Err()
		}

		if msg.kind == msgEnd {
			break
		}
		if msg.idx < 0 || msg.idx >= total {
			return res, fmt.Errorf("%w: %d", ErrInvalidChunkIndex, msg.idx)
		}

		switch msg.kind {
		case msgStart:
			res.Offsets[msg.idx] = cumulative
			started[msg.idx] = true
			s.events.Emit(events.Worker(0, events.WorkerInfer, chunkLabel(msg.idx, total)))
		case msgAudio:
			if !started[msg.idx] {
				res.Offsets[msg.idx] = cumulative
				started[msg.idx] = true
			}
			samples := msg.audio.Int16()
			if err := s.write(samples); err != nil {
				return res, err
			}
			cumulative += int64(len(samples))
			s.metrics.samples.Add(ctx, int64(len(samples)))
		case msgDone:
			res.Timings = append(res.Timings, msg.elapsed)
			s.metrics.chunkDuration.Record(ctx, msg.elapsed.Seconds())
			s.metrics.chunks.Add(ctx, 1)
			s.events.Emit(events.Worker(0, events.WorkerEncode, chunkLabel(msg.idx, total)))
			s.events.Emit(events.Timing(msg.idx, msg.elapsed, "infer"))
			processed++
			s.events.Emit(events.Progress(processed, total))
		default:
			return res, fmt.Errorf("unknown pipeline message %s", msg.kind)
		}
		s.heartbeatIfDue()
	}

	select {
	case err := <-errCh:
		return res, err
	default:
	}
	if processed != total {
		return res, fmt.Errorf("pipeline ended after %d of %d chunks", processed, total)
	}
	res.TotalSamples = cumulative
	return res, nil
}

// inferStage emits Start, Audio* and Done for every chunk in order, then
// End. A failure is reported on errCh before End is queued so the
// controller can never mistake a failed run for a finished one.
func (s *Scheduler) inferStage(ctx context.Context, chunks []chunker.TextChunk, out chan<- message, errCh chan<- error) error {
	err := s.produce(ctx, chunks, out)
	report(errCh, err)
	send(ctx, out, message{kind: msgEnd, idx: -1})
	return err
}

func (s *Scheduler) produce(ctx context.Context, chunks []chunker.TextChunk, out chan<- message) error {
	for idx, chunk := range chunks {
		if !send(ctx, out, message{kind: msgStart, idx: idx}) {
			return ctx.Err()
		}
		start := s.clock()
		if err := s.generateInto(ctx, idx, chunk, out); err != nil {
			return err
		}
		if !send(ctx, out, message{kind: msgDone, idx: idx, elapsed: s.clock().Sub(start)}) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) generateInto(ctx context.Context, idx int, chunk chunker.TextChunk, out chan<- message) error {
	ctx, span := s.metrics.tracer.Start(ctx, "chunk.infer", trace.WithAttributes(attribute.Int("chunk.index", idx)))
	defer span.End()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bufs, errs := s.backend.Generate(genCtx, s.request(chunk))
	err := tts.Drain(genCtx, bufs, errs, func(buf audio.Buffer) error {
		if !send(ctx, out, message{kind: msgAudio, idx: idx, audio: buf}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("chunk %d: %w", idx, err)
	}
	return nil
}

// convertStage turns backend buffers into int16 samples and forwards every
// message unchanged in order.
func (s *Scheduler) convertStage(ctx context.Context, in <-chan message, out chan<- message, errCh chan<- error) error {
	err := s.convert(ctx, in, out)
	report(errCh, err)
	send(ctx, out, message{kind: msgEnd, idx: -1})
	return err
}

func (s *Scheduler) convert(ctx context.Context, in <-chan message, out chan<- message) error {
	for {
		var msg message
		select {
		case msg = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if msg.kind == msgEnd {
			return nil
		}
		if msg.kind == msgAudio {
			msg.audio = audio.Buffer{PCM: msg.audio.Int16()}
		}
		if !send(ctx, out, msg) {
			return ctx.Err()
		}
	}
}

// join stops the stages and waits for them, abandoning any that do not
// return within the join timeout.
func (s *Scheduler) join(g *errgroup.Group, cancel context.CancelFunc) {
	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.JoinTimeout):
		s.log.Warn("pipeline workers did not stop in time", slog.Duration("timeout", s.opts.JoinTimeout))
	}
}

func send(ctx context.Context, out chan<- message, msg message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// report forwards a stage failure without ever blocking. Cancellation is
// a consequence of another failure and is not reported.
func report(errCh chan<- error, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case errCh <- err:
	default:
	}
}
