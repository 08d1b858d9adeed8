// Package runtime runs one narration job end to end: it wires the event
// emitter, optional bus and history publishers, the TTS backend, the
// pipeline scheduler and the encoder sink.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/chapters"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/encode"
	"github.com/loqalabs/loqa-narrator/internal/epub"
	"github.com/loqalabs/loqa-narrator/internal/events"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoChunks is returned when the book parses but yields nothing to speak.
var ErrNoChunks = errors.New("no text chunks produced from EPUB")

// Encoder opens the sink a job writes PCM into.
type Encoder interface {
	Open(ctx context.Context, s encode.Settings, checkpointing bool) (encode.Sink, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput redirects the event streams.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithBackendFactory replaces tts.New.
func WithBackendFactory(fn func(kind string) (tts.Backend, error)) Option {
	return func(r *Runner) {
		r.newBackend = fn
	}
}

// WithEncoderFactory replaces the ffmpeg encoder.
func WithEncoderFactory(fn func() (Encoder, error)) Option {
	return func(r *Runner) {
		r.newEncoder = fn
	}
}

// WithResolver replaces the backend resolver.
func WithResolver(res *tts.Resolver) Option {
	return func(r *Runner) {
		r.resolver = res
	}
}

// Runner owns everything a single job needs, including the lazily
// resolved backend choice.
type Runner struct {
	cfg        config.Config
	log        *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
	resolver   *tts.Resolver
	newBackend func(kind string) (tts.Backend, error)
	newEncoder func() (Encoder, error)

	runID   string
	metrics http.Handler
}

func NewRunner(cfg config.Config, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		log:      log,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		resolver: tts.NewResolver(cfg.TTS),
		runID:    uuid.NewString(),
	}
	r.newBackend = func(kind string) (tts.Backend, error) {
		return tts.New(kind, r.cfg.TTS, r.log)
	}
	r.newEncoder = func() (Encoder, error) {
		return encode.NewEncoder(r.cfg.Encoder, r.log)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID identifies this run in JSON events and the job history.
func (r *Runner) RunID() string { return r.runID }

// Run validates the configuration and executes the job. Every fatal error,
// including an invalid configuration, is reported as exactly one error
// event before being returned.
func (r *Runner) Run(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metrics
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.log.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	jobID := filepath.Base(r.cfg.Job.Output)
	if jobID == "" || jobID == "." || jobID == string(filepath.Separator) {
		jobID = "job"
	}
	emitter, err := events.NewEmitter(events.Options{
		Format:  events.Format(r.cfg.Events.Format),
		JobID:   jobID,
		RunID:   r.runID,
		LogFile: r.cfg.Events.LogFile,
		Stdout:  r.stdout,
		Stderr:  r.stderr,
	}, r.log)
	if err != nil {
		return err
	}
	defer emitter.Close()

	if err := config.Validate(r.cfg); err != nil {
		err = stageErr(StageValidate, err)
		emitter.Error(err)
		return err
	}

	release, err := r.attachPublishers(ctx, emitter, jobID)
	defer release()
	if err != nil {
		emitter.Error(err)
		return stageErr(StageSetup, err)
	}

	if bind := r.cfg.HTTP.Bind; bind != "" {
		status := NewStatusServer(emitter.Snapshot, r.metrics, r.log)
		if err := status.Start(bind); err != nil {
			err = fmt.Errorf("start status server: %w", err)
			emitter.Error(err)
			return stageErr(StageSetup, err)
		}
		status.SetReady(true)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			status.Shutdown(shutdownCtx)
		}()
	}

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-narrator/runtime").Start(ctx, "narrator.job")
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("job.run_id", r.runID))
	defer span.End()

	if err := r.execute(ctx, emitter); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emitter.Error(err)
		return err
	}
	return nil
}

// attachPublishers connects the optional NATS and job history publishers.
// The returned release func is always safe to call.
func (r *Runner) attachPublishers(ctx context.Context, emitter *events.Emitter, jobID string) (func(), error) {
	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if r.cfg.Events.Publish {
		busCfg := r.cfg.Bus
		srv, err := natsserver.Start(busCfg, r.log)
		if err != nil {
			return release, err
		}
		if srv != nil {
			closers = append(closers, srv.Shutdown)
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.log)
		if err != nil {
			return release, err
		}
		closers = append(closers, client.Close)
		emitter.Attach(client.Publisher(r.cfg.Events.SubjectPrefix))
	}

	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.log)
		if err != nil {
			return release, err
		}
		closers = append(closers, func() { _ = store.Close() })
		if err := store.BeginJob(ctx, eventstore.Job{
			RunID:  r.runID,
			JobID:  jobID,
			Input:  r.cfg.Job.Input,
			Output: r.cfg.Job.Output,
		}); err != nil {
			return release, fmt.Errorf("record job: %w", err)
		}
		emitter.Attach(store.Recorder(context.WithoutCancel(ctx)))
	}
	return release, nil
}

func (r *Runner) execute(ctx context.Context, emitter *events.Emitter) error {
	job := r.cfg.Job
	if _, err := os.Stat(job.Input); err != nil {
		return stageErr(StageValidate, fmt.Errorf("input EPUB not found: %s", job.Input))
	}
	if job.NoCheckpoint {
		emitter.Warn("--no_checkpoint is deprecated and has no effect (checkpointing is opt-in via --checkpoint).")
	}
	if job.Workers != 1 {
		emitter.Warn(fmt.Sprintf("--workers=%d is currently a compatibility setting. Inference remains sequential.", job.Workers))
	}

	if job.ExtractMetadata {
		return r.extractMetadata(emitter)
	}

	useCheckpoint := job.UseCheckpoint()
	store := checkpoint.NewStore(checkpoint.Dir(job.Output), r.log)

	if job.CheckCheckpoint {
		return r.checkCheckpoint(emitter, store)
	}

	backendName, err := r.resolver.Resolve(job.Backend)
	if err != nil {
		return stageErr(StageSetup, err)
	}
	emitter.Emit(events.Metadata("backend_resolved", backendName))

	mode := r.pipelineMode(emitter, useCheckpoint)
	emitter.Emit(events.Metadata("pipeline_mode", string(mode)))

	chunkChars := job.ChunkChars
	if chunkChars <= 0 {
		chunkChars = tts.DefaultChunkChars(backendName)
	}

	emitter.Emit(events.Phased(events.PhaseParsing))
	book, err := epub.Open(job.Input)
	if err != nil {
		return stageErr(StageParse, err)
	}
	defer book.Close()
	chs, err := book.Chapters()
	if err != nil {
		return stageErr(StageParse, err)
	}
	chunks, starts := chunker.Split(chs, chunkChars)

	var meta encode.Metadata
	if job.Format == encode.FormatM4B {
		meta, err = r.bookMetadata(book)
		if err != nil {
			return stageErr(StageParse, err)
		}
	}

	totalChars := 0
	for _, c := range chunks {
		totalChars += utf8.RuneCountInString(c.Text)
	}
	emitter.Emit(events.Metadata("total_chars", totalChars))
	emitter.Emit(events.Metadata("chapter_count", len(starts)))
	if len(chunks) == 0 {
		return stageErr(StageParse, ErrNoChunks)
	}

	runCfg := map[string]string{
		"voice":         job.Voice,
		"speed":         strconv.FormatFloat(job.Speed, 'g', -1, 64),
		"lang_code":     job.LangCode,
		"backend":       backendName,
		"chunk_chars":   strconv.Itoa(chunkChars),
		"split_pattern": job.SplitPattern,
		"format":        job.Format,
		"bitrate":       job.Bitrate,
		"normalize":     strconv.FormatBool(job.Normalize),
	}

	var (
		manifest    *checkpoint.Manifest
		fingerprint string
		resumed     bool
	)
	if useCheckpoint {
		fingerprint, err = checkpoint.FingerprintFile(job.Input)
		if err != nil {
			return stageErr(StageValidate, err)
		}
	}
	if useCheckpoint && job.Resume {
		verdict := store.Check(fingerprint, runCfg)
		switch {
		case verdict.Reason == checkpoint.ReasonMissing:
			emitter.Emit(events.Checkpoint(events.CheckpointNone, nil))
		case !verdict.OK:
			emitter.Emit(events.Checkpoint(events.CheckpointInvalid, verdict.Reason))
		case verdict.Manifest.TotalChunks != len(chunks):
			emitter.Emit(events.Checkpoint(events.CheckpointInvalid, checkpoint.ReasonChunkMismatch))
		default:
			manifest = verdict.Manifest
			resumed = true
			emitter.Emit(events.Checkpoint(events.CheckpointResuming, manifest.CompletedCount()))
		}
	}

	backend, err := r.newBackend(backendName)
	if err != nil {
		return stageErr(StageSetup, err)
	}
	if err := backend.Initialize(ctx, job.LangCode); err != nil {
		return stageErr(StageSetup, fmt.Errorf("failed to initialize %q backend: %w", backendName, err))
	}
	defer func() {
		if err := backend.Cleanup(); err != nil {
			r.log.Warn("backend cleanup failed", slog.String("error", err.Error()))
		}
	}()
	sampleRate := backend.SampleRate()

	if dir := filepath.Dir(job.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stageErr(StageSetup, fmt.Errorf("create output dir: %w", err))
		}
	}

	enc, err := r.newEncoder()
	if err != nil {
		return stageErr(StageSetup, err)
	}
	sink, err := enc.Open(ctx, encode.Settings{
		Output:     job.Output,
		Format:     job.Format,
		SampleRate: sampleRate,
		Bitrate:    job.Bitrate,
		Normalize:  job.Normalize,
	}, useCheckpoint)
	if err != nil {
		return stageErr(StageSetup, err)
	}
	finalized := false
	defer func() {
		if !finalized {
			if err := sink.Abort(); err != nil {
				r.log.Warn("sink abort failed", slog.String("error", err.Error()))
			}
		}
	}()

	var ckpt *pipeline.Checkpointing
	if useCheckpoint {
		if manifest == nil {
			manifest = checkpoint.NewManifest(fingerprint, runCfg, len(chunks), starts)
		}
		if err := store.Save(manifest); err != nil {
			return stageErr(StageSetup, err)
		}
		ckpt = &pipeline.Checkpointing{Store: store, Manifest: manifest, Resume: resumed, SampleRate: sampleRate}
	}

	sinkMode := "disk spooling"
	if sink.Streaming() {
		sinkMode = "streaming MP3 export"
	}
	emitter.Info(fmt.Sprintf("Processing %d chunks with %s backend (%s pipeline + %s)", len(chunks), backend.Name(), mode, sinkMode))

	emitter.Emit(events.Phased(events.PhaseInference))
	sched := pipeline.New(backend, sink, emitter, pipeline.Options{
		Mode:              mode,
		PrefetchChunks:    job.PrefetchChunks,
		PCMQueueSize:      job.PCMQueueSize,
		Voice:             job.Voice,
		Speed:             job.Speed,
		SplitPattern:      job.SplitPattern,
		Checkpoint:        ckpt,
		HeartbeatInterval: time.Duration(r.cfg.Events.HeartbeatMS) * time.Millisecond,
	}, r.log)
	res, err := sched.Run(ctx, chunks)
	if err != nil {
		return stageErr(StageInference, err)
	}

	emitter.Emit(events.Phased(events.PhaseConcatenating))
	emitter.Info("Concatenating audio segments...")
	var spans []chapters.Info
	if job.Format == encode.FormatM4B {
		spans = chapters.Derive(res.Offsets, starts, res.TotalSamples)
	}

	emitter.Emit(events.Phased(events.PhaseExporting))
	finalized = true
	if err := sink.Finalize(ctx, meta, spans); err != nil {
		return stageErr(StageExport, err)
	}

	if useCheckpoint {
		if err := store.Cleanup(); err != nil {
			r.log.Warn("checkpoint cleanup failed", slog.String("error", err.Error()))
		} else {
			emitter.Emit(events.Checkpoint(events.CheckpointCleaned, nil))
		}
	}

	emitter.Emit(events.Done(job.Output, len(chunks)))
	emitter.Info("Done.")
	emitter.Info("Output: " + job.Output)
	emitter.Info(fmt.Sprintf("Chunks: %d", len(chunks)))
	emitter.Info(fmt.Sprintf("Average chunk time: %.2fs", res.AverageTiming().Seconds()))
	return nil
}

// pipelineMode applies the mode policy: overlap only for MP3 output without
// checkpointing.
func (r *Runner) pipelineMode(emitter *events.Emitter, useCheckpoint bool) pipeline.Mode {
	job := r.cfg.Job
	overlapOK := job.Format == encode.FormatMP3 && !useCheckpoint
	switch job.PipelineMode {
	case string(pipeline.ModeSequential):
		return pipeline.ModeSequential
	case string(pipeline.ModeOverlapped):
		if !overlapOK {
			emitter.Warn("--pipeline_mode=overlap is currently supported only for MP3 without checkpointing; falling back to sequential.")
			return pipeline.ModeSequential
		}
		return pipeline.ModeOverlapped
	}
	if overlapOK {
		return pipeline.ModeOverlapped
	}
	return pipeline.ModeSequential
}

func (r *Runner) extractMetadata(emitter *events.Emitter) error {
	book, err := epub.Open(r.cfg.Job.Input)
	if err != nil {
		return stageErr(StageParse, err)
	}
	defer book.Close()
	meta := book.Metadata()
	emitter.Emit(events.Metadata("title", meta.Title))
	emitter.Emit(events.Metadata("author", meta.Author))
	emitter.Emit(events.Metadata("has_cover", strconv.FormatBool(meta.HasCover())))
	return nil
}

func (r *Runner) checkCheckpoint(emitter *events.Emitter, store *checkpoint.Store) error {
	m, ok := store.Load()
	if !ok {
		emitter.Emit(events.Checkpoint(events.CheckpointNone, nil))
		return nil
	}
	fingerprint, err := checkpoint.FingerprintFile(r.cfg.Job.Input)
	if err != nil {
		return stageErr(StageValidate, err)
	}
	if m.InputFingerprint != fingerprint {
		emitter.Emit(events.Checkpoint(events.CheckpointInvalid, checkpoint.ReasonHashMismatch))
		return nil
	}
	emitter.Emit(events.Checkpoint(events.CheckpointFound, fmt.Sprintf("%d:%d", m.TotalChunks, m.CompletedCount())))
	return nil
}

// bookMetadata reads the EPUB metadata and applies the title, author and
// cover overrides.
func (r *Runner) bookMetadata(book *epub.Book) (encode.Metadata, error) {
	job := r.cfg.Job
	src := book.Metadata()
	meta := encode.Metadata{Title: src.Title, Author: src.Author, Cover: src.Cover, CoverMime: src.CoverMime}
	if job.Title != "" {
		meta.Title = job.Title
	}
	if job.Author != "" {
		meta.Author = job.Author
	}
	if job.Cover != "" {
		path, err := filepath.Abs(job.Cover)
		if err != nil {
			return meta, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return meta, fmt.Errorf("cover override file not found: %s", path)
		}
		meta.Cover = data
		meta.CoverMime = epub.MimeByExtension(path)
	}
	return meta, nil
}
