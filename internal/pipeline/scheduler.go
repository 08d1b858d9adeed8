// Package pipeline drives text chunks through a TTS backend into an audio
// sink, either one chunk at a time or as overlapped inference, conversion
// and write stages joined by bounded queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/events"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Mode selects the execution strategy. It never changes the output.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeOverlapped Mode = "overlap"
)

const (
	defaultHeartbeat   = 5 * time.Second
	defaultPoll        = 250 * time.Millisecond
	defaultJoinTimeout = 2 * time.Second
)

// ErrInvalidChunkIndex is returned when a stage reports an index outside
// the chunk list.
var ErrInvalidChunkIndex = errors.New("invalid chunk index from pipeline")

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(events.Event)
}

// Checkpointing carries the live manifest and the store it is persisted
// to. The scheduler is the only writer of the manifest while it runs.
type Checkpointing struct {
	Store      *checkpoint.Store
	Manifest   *checkpoint.Manifest
	Resume     bool
	SampleRate int
}

// Options configures a run.
type Options struct {
	Mode           Mode
	PrefetchChunks int
	PCMQueueSize   int
	Voice          string
	Speed          float64
	SplitPattern   string
	Checkpoint     *Checkpointing

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	JoinTimeout       time.Duration
}

// Result is the sample bookkeeping of a completed run. Offsets[i] is the
// cumulative sample count immediately before chunk i was written.
type Result struct {
	Offsets      []int64
	TotalSamples int64
	Timings      []time.Duration
}

// AverageTiming returns the mean inference time per live chunk.
func (r Result) AverageTiming() time.Duration {
	if len(r.Timings) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.Timings {
		sum += d
	}
	return sum / time.Duration(len(r.Timings))
}

// Scheduler owns chunk offset bookkeeping and is the only writer to the
// sink.
type Scheduler struct {
	backend tts.Backend
	sink    io.Writer
	events  Emitter
	opts    Options
	log     *slog.Logger
	clock   func() time.Time
	metrics instruments

	lastHeartbeat time.Time
}

// New builds a scheduler writing to sink. Zero intervals take the defaults.
func New(backend tts.Backend, sink io.Writer, emitter Emitter, opts Options, log *slog.Logger) *Scheduler {
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	log = log.With(slog.String("component", "pipeline"))
	return &Scheduler{
		backend: backend,
		sink:    sink,
		events:  emitter,
		opts:    opts,
		log:     log,
		clock:   time.Now,
		metrics: newInstruments(log),
	}
}

// Run processes every chunk in index order and returns the offset table.
func (s *Scheduler) Run(ctx context.Context, chunks []chunker.TextChunk) (Result, error) {
	s.lastHeartbeat = s.clock()
	mode := s.opts.Mode
	if mode == ModeOverlapped && s.opts.Checkpoint != nil {
		s.log.Warn("overlapped mode does not support checkpointing, running sequentially")
		mode = ModeSequential
	}
	s.log.Debug("pipeline starting", slog.String("mode", string(mode)), slog.Int("chunks", len(chunks)))
	if mode == ModeOverlapped {
		return s.runOverlapped(ctx, chunks)
	}
	return s.runSequential(ctx, chunks)
}

func (s *Scheduler) request(chunk chunker.TextChunk) tts.Request {
	return tts.Request{
		Text:         chunk.Text,
		Voice:        s.opts.Voice,
		Speed:        s.opts.Speed,
		SplitPattern: s.opts.SplitPattern,
	}
}

func (s *Scheduler) write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	if _, err := s.sink.Write(audio.Bytes(samples)); err != nil {
		return fmt.Errorf("write audio to sink: %w", err)
	}
	return nil
}

func (s *Scheduler) heartbeatIfDue() {
	now := s.clock()
	if now.Sub(s.lastHeartbeat) >= s.opts.HeartbeatInterval {
		s.events.Emit(events.Heartbeat(now))
		s.lastHeartbeat = now
	}
}

func chunkLabel(idx, total int) string {
	return fmt.Sprintf("Chunk %d/%d", idx+1, total)
}
