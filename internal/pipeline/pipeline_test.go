package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/events"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) checkpoints(code events.CheckpointCode) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, evt := range r.events {
		if evt.Type == events.TypeCheckpoint && evt.Payload["code"] == string(code) {
			out = append(out, evt.Payload["detail"])
		}
	}
	return out
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// scripted yields len(text) samples whose value is the chunk number
// encoded in the text ("c<n>"), split into two buffers.
type scripted struct {
	mu     sync.Mutex
	calls  []string
	failOn string
	delay  time.Duration
}

func (s *scripted) Name() string                             { return "scripted" }
func (s *scripted) Initialize(context.Context, string) error { return nil }
func (s *scripted) SampleRate() int                          { return 24000 }
func (s *scripted) Cleanup() error                           { return nil }

func (s *scripted) Generate(ctx context.Context, req tts.Request) (<-chan audio.Buffer, <-chan error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Text)
	s.mu.Unlock()

	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if req.Text == s.failOn {
			errs <- errors.New("synthesis exploded")
			return
		}
		n, _ := strconv.Atoi(strings.TrimPrefix(req.Text, "c"))
		samples := make([]int16, len(req.Text)*3)
		for i := range samples {
			samples[i] = int16(n)
		}
		half := len(samples) / 2
		for _, part := range [][]int16{samples[:half], samples[half:]} {
			select {
			case chunks <- audio.Buffer{PCM: part}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (s *scripted) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func textChunks(n int) []chunker.TextChunk {
	out := make([]chunker.TextChunk, n)
	for i := range out {
		out[i] = chunker.TextChunk{Text: "c" + strconv.Itoa(i)}
	}
	return out
}

func decode(t *testing.T, b []byte) []int16 {
	t.Helper()
	samples, err := audio.FromBytes(b)
	if err != nil {
		t.Fatalf("decode sink: %v", err)
	}
	return samples
}

func assertOffsets(t *testing.T, res Result, chunks []chunker.TextChunk, sink []int16) {
	t.Helper()
	var expected int64
	for i, c := range chunks {
		if res.Offsets[i] != expected {
			t.Fatalf("chunk %d: expected offset %d, got %d", i, expected, res.Offsets[i])
		}
		n := int64(len(c.Text) * 3)
		for _, s := range sink[expected : expected+n] {
			if s != int16(i) {
				t.Fatalf("chunk %d audio out of order: found sample %d", i, s)
			}
		}
		expected += n
	}
	if res.TotalSamples != expected || int64(len(sink)) != expected {
		t.Fatalf("expected %d total samples, got %d (sink %d)", expected, res.TotalSamples, len(sink))
	}
}

func TestSequentialOffsets(t *testing.T) {
	chunks := textChunks(12)
	var sink bytes.Buffer
	rec := &recorder{}
	s := New(&scripted{}, &sink, rec, Options{Mode: ModeSequential}, newLogger())

	res, err := s.Run(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertOffsets(t, res, chunks, decode(t, sink.Bytes()))
	if rec.count(events.TypeProgress) != len(chunks) {
		t.Fatalf("expected one progress event per chunk")
	}
	if len(res.Timings) != len(chunks) {
		t.Fatalf("expected a timing per inferred chunk, got %d", len(res.Timings))
	}
}

func TestOverlappedMatchesSequential(t *testing.T) {
	chunks := textChunks(25)
	var seqSink, ovSink bytes.Buffer

	seq := New(&scripted{}, &seqSink, &recorder{}, Options{Mode: ModeSequential}, newLogger())
	seqRes, err := seq.Run(context.Background(), chunks)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	for _, prefetch := range []int{1, 2, 8} {
		ovSink.Reset()
		rec := &recorder{}
		ov := New(&scripted{}, &ovSink, rec, Options{Mode: ModeOverlapped, PrefetchChunks: prefetch, PCMQueueSize: 1}, newLogger())
		ovRes, err := ov.Run(context.Background(), chunks)
		if err != nil {
			t.Fatalf("overlapped prefetch=%d: %v", prefetch, err)
		}
		if !bytes.Equal(seqSink.Bytes(), ovSink.Bytes()) {
			t.Fatalf("prefetch=%d: overlapped output differs from sequential", prefetch)
		}
		assertOffsets(t, ovRes, chunks, decode(t, ovSink.Bytes()))
		for i := range seqRes.Offsets {
			if seqRes.Offsets[i] != ovRes.Offsets[i] {
				t.Fatalf("prefetch=%d: offset %d differs", prefetch, i)
			}
		}
		if rec.count(events.TypeProgress) != len(chunks) {
			t.Fatalf("prefetch=%d: expected %d progress events", prefetch, len(chunks))
		}
	}
}

func TestBackendFailurePropagates(t *testing.T) {
	for _, mode := range []Mode{ModeSequential, ModeOverlapped} {
		t.Run(string(mode), func(t *testing.T) {
			var sink bytes.Buffer
			backend := &scripted{failOn: "c3"}
			s := New(backend, &sink, &recorder{}, Options{Mode: mode, PrefetchChunks: 2, PCMQueueSize: 2, JoinTimeout: time.Second}, newLogger())
			_, err := s.Run(context.Background(), textChunks(8))
			if err == nil || !strings.Contains(err.Error(), "synthesis exploded") {
				t.Fatalf("expected backend error, got %v", err)
			}
			if !strings.Contains(err.Error(), "chunk 3") {
				t.Fatalf("expected failing chunk index in error, got %v", err)
			}
		})
	}
}

func TestOverlappedCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &scripted{delay: 20 * time.Millisecond}
	s := New(backend, io.Discard, &recorder{}, Options{Mode: ModeOverlapped, PrefetchChunks: 1, PCMQueueSize: 1, PollInterval: 5 * time.Millisecond}, newLogger())
	time.AfterFunc(30*time.Millisecond, cancel)
	if _, err := s.Run(ctx, textChunks(50)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestHeartbeatWhileWaiting(t *testing.T) {
	rec := &recorder{}
	backend := &scripted{delay: 30 * time.Millisecond}
	s := New(backend, io.Discard, rec, Options{
		Mode:              ModeOverlapped,
		PrefetchChunks:    1,
		PCMQueueSize:      1,
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      2 * time.Millisecond,
	}, newLogger())
	if _, err := s.Run(context.Background(), textChunks(3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count(events.TypeHeartbeat) == 0 {
		t.Fatalf("expected heartbeats while the backend was busy")
	}
}

// trickle yields one long chunk as many small buffers with a pause between
// them.
type trickle struct {
	buffers int
	gap     time.Duration
}

func (tr *trickle) Name() string                             { return "trickle" }
func (tr *trickle) Initialize(context.Context, string) error { return nil }
func (tr *trickle) SampleRate() int                          { return 24000 }
func (tr *trickle) Cleanup() error                           { return nil }

func (tr *trickle) Generate(ctx context.Context, _ tts.Request) (<-chan audio.Buffer, <-chan error) {
	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < tr.buffers; i++ {
			time.Sleep(tr.gap)
			select {
			case chunks <- audio.Buffer{PCM: []int16{1, 2, 3}}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func TestHeartbeatWhileAudioStreams(t *testing.T) {
	rec := &recorder{}
	s := New(&trickle{buffers: 100, gap: 2 * time.Millisecond}, io.Discard, rec, Options{
		Mode:              ModeOverlapped,
		PrefetchChunks:    1,
		PCMQueueSize:      1,
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      time.Second,
	}, newLogger())
	start := time.Now()
	res, err := s.Run(context.Background(), textChunks(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalSamples != 300 {
		t.Fatalf("expected 300 samples, got %d", res.TotalSamples)
	}
	elapsed := time.Since(start)
	want := int(elapsed/(20*time.Millisecond)) / 2
	if got := rec.count(events.TypeHeartbeat); got < 2 || got < want {
		t.Fatalf("expected heartbeats during a %s chunk, got %d", elapsed, got)
	}
}

func TestOverlappedUsesSchedulerClock(t *testing.T) {
	rec := &recorder{}
	s := New(&scripted{}, io.Discard, rec, Options{Mode: ModeOverlapped}, newLogger())
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	s.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	res, err := s.Run(context.Background(), textChunks(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, d := range res.Timings {
		if d <= 0 || d%time.Second != 0 {
			t.Fatalf("chunk %d timed with the wall clock: %s", i, d)
		}
	}
}

func TestOverlappedFallsBackWhenCheckpointing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.mp3.checkpoint")
	store := checkpoint.NewStore(dir, newLogger())
	manifest := checkpoint.NewManifest("fp", map[string]string{}, 4, nil)
	var sink bytes.Buffer
	rec := &recorder{}
	s := New(&scripted{}, &sink, rec, Options{
		Mode:       ModeOverlapped,
		Checkpoint: &Checkpointing{Store: store, Manifest: manifest, SampleRate: 24000},
	}, newLogger())
	if _, err := s.Run(context.Background(), textChunks(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(rec.checkpoints(events.CheckpointSaved)); got != 4 {
		t.Fatalf("expected 4 saved checkpoints from the sequential fallback, got %d", got)
	}
	if manifest.CompletedCount() != 4 {
		t.Fatalf("expected every chunk marked complete")
	}
}

func TestResumeReinfersChunkWithMissingBlob(t *testing.T) {
	chunks := textChunks(10)
	dir := filepath.Join(t.TempDir(), "out.mp3.checkpoint")
	store := checkpoint.NewStore(dir, newLogger())

	// First run persists everything.
	first := checkpoint.NewManifest("fp", map[string]string{}, len(chunks), nil)
	var firstSink bytes.Buffer
	s := New(&scripted{}, &firstSink, &recorder{}, Options{
		Checkpoint: &Checkpointing{Store: store, Manifest: first, SampleRate: 24000},
	}, newLogger())
	if _, err := s.Run(context.Background(), chunks); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Only chunks 0-4 are recorded as done, and chunk 3 lost its blob.
	manifest := checkpoint.NewManifest("fp", map[string]string{}, len(chunks), nil)
	for i := 0; i < 5; i++ {
		manifest.MarkCompleted(i)
	}
	if err := store.Save(manifest); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.Remove(store.ChunkPath(3)); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	backend := &scripted{failOn: "c7"}
	rec := &recorder{}
	var sink bytes.Buffer
	s = New(backend, &sink, rec, Options{
		Checkpoint: &Checkpointing{Store: store, Manifest: manifest, Resume: true, SampleRate: 24000},
	}, newLogger())
	if _, err := s.Run(context.Background(), chunks); err == nil {
		t.Fatalf("expected failure at chunk 7")
	}

	calls := backend.called()
	want := []string{"c3", "c5", "c6", "c7"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected inference for %v, got %v", want, calls)
	}
	if missing := rec.checkpoints(events.CheckpointMissingAudio); len(missing) != 1 || missing[0] != 3 {
		t.Fatalf("expected MISSING_AUDIO for chunk 3, got %v", missing)
	}
	if reused := rec.checkpoints(events.CheckpointReused); len(reused) != 4 {
		t.Fatalf("expected 4 reused chunks, got %v", reused)
	}

	persisted, ok := store.Load()
	if !ok {
		t.Fatalf("expected checkpoint on disk")
	}
	got := persisted.Completed()
	if len(got) != 7 || !persisted.IsCompleted(3) || persisted.IsCompleted(7) {
		t.Fatalf("unexpected completed set after partial run %v", got)
	}
}

func TestResumeProducesIdenticalAudio(t *testing.T) {
	chunks := textChunks(6)
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "ckpt"), newLogger())
	var full bytes.Buffer
	if _, err := New(&scripted{}, &full, &recorder{}, Options{}, newLogger()).Run(context.Background(), chunks); err != nil {
		t.Fatalf("reference run: %v", err)
	}

	manifest := checkpoint.NewManifest("fp", map[string]string{}, len(chunks), nil)
	failing := New(&scripted{failOn: "c4"}, io.Discard, &recorder{}, Options{
		Checkpoint: &Checkpointing{Store: store, Manifest: manifest, SampleRate: 24000},
	}, newLogger())
	if _, err := failing.Run(context.Background(), chunks); err == nil {
		t.Fatalf("expected interrupted run")
	}

	var resumed bytes.Buffer
	res, err := New(&scripted{}, &resumed, &recorder{}, Options{
		Checkpoint: &Checkpointing{Store: store, Manifest: manifest, Resume: true, SampleRate: 24000},
	}, newLogger()).Run(context.Background(), chunks)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if !bytes.Equal(full.Bytes(), resumed.Bytes()) {
		t.Fatalf("resumed audio differs from an uninterrupted run")
	}
	assertOffsets(t, res, chunks, decode(t, resumed.Bytes()))
}

func TestAverageTiming(t *testing.T) {
	if (Result{}).AverageTiming() != 0 {
		t.Fatalf("expected zero average without timings")
	}
	r := Result{Timings: []time.Duration{time.Second, 3 * time.Second}}
	if r.AverageTiming() != 2*time.Second {
		t.Fatalf("unexpected average %s", r.AverageTiming())
	}
}
