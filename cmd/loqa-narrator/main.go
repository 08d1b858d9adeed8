package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("loqa-narrator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defaults := config.Default()

	var (
		configPath  = fs.String("config", "", "Path to YAML configuration file")
		envFile     = fs.String("env_file", ".env", "Optional .env file with NARRATOR_* variables")
		showVersion = fs.Bool("version", false, "Print version and exit")
		job         config.JobConfig
		eventFormat string
		logFile     string
	)
	fs.StringVar(&job.Input, "input", "", "Input EPUB path")
	fs.StringVar(&job.Output, "output", "", "Output audio path")
	fs.StringVar(&job.Voice, "voice", defaults.Job.Voice, "Voice identifier")
	fs.StringVar(&job.LangCode, "lang_code", defaults.Job.LangCode, "Language code")
	fs.Float64Var(&job.Speed, "speed", defaults.Job.Speed, "Speech speed")
	fs.IntVar(&job.ChunkChars, "chunk_chars", 0, "Maximum characters per chunk (0 picks the backend default)")
	fs.StringVar(&job.SplitPattern, "split_pattern", defaults.Job.SplitPattern, "Regex the backend uses to split chunk text")
	fs.IntVar(&job.Workers, "workers", defaults.Job.Workers, "Compatibility setting; inference stays sequential")
	fs.StringVar(&job.PipelineMode, "pipeline_mode", defaults.Job.PipelineMode, "Pipeline mode: auto|sequential|overlap")
	fs.IntVar(&job.PrefetchChunks, "prefetch_chunks", defaults.Job.PrefetchChunks, "Chunks inferred ahead in overlap mode")
	fs.IntVar(&job.PCMQueueSize, "pcm_queue_size", defaults.Job.PCMQueueSize, "PCM queue depth in overlap mode")
	fs.StringVar(&job.Backend, "backend", defaults.Job.Backend, "TTS backend: auto|exec|piper|mock")
	fs.StringVar(&job.Format, "format", defaults.Job.Format, "Output format: mp3|m4b")
	fs.StringVar(&job.Bitrate, "bitrate", defaults.Job.Bitrate, "Audio bitrate: 128k|192k|320k")
	fs.BoolVar(&job.Normalize, "normalize", false, "Apply loudness normalization")
	fs.BoolVar(&job.ExtractMetadata, "extract_metadata", false, "Print EPUB metadata and exit")
	fs.StringVar(&job.Title, "title", "", "Override the book title (m4b)")
	fs.StringVar(&job.Author, "author", "", "Override the book author (m4b)")
	fs.StringVar(&job.Cover, "cover", "", "Override the cover image (m4b)")
	fs.BoolVar(&job.Resume, "resume", false, "Resume from an existing checkpoint")
	fs.BoolVar(&job.Checkpoint, "checkpoint", false, "Persist progress so the job can be resumed")
	fs.BoolVar(&job.NoCheckpoint, "no_checkpoint", false, "Deprecated; has no effect")
	fs.BoolVar(&job.CheckCheckpoint, "check_checkpoint", false, "Report checkpoint status and exit")
	fs.StringVar(&eventFormat, "event_format", defaults.Events.Format, "Event format: text|json")
	fs.StringVar(&logFile, "log_file", "", "Append every event line to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Job.Input = job.Input
		case "output":
			cfg.Job.Output = job.Output
		case "voice":
			cfg.Job.Voice = job.Voice
		case "lang_code":
			cfg.Job.LangCode = job.LangCode
		case "speed":
			cfg.Job.Speed = job.Speed
		case "chunk_chars":
			cfg.Job.ChunkChars = job.ChunkChars
		case "split_pattern":
			cfg.Job.SplitPattern = job.SplitPattern
		case "workers":
			cfg.Job.Workers = job.Workers
		case "pipeline_mode":
			cfg.Job.PipelineMode = job.PipelineMode
		case "prefetch_chunks":
			cfg.Job.PrefetchChunks = job.PrefetchChunks
		case "pcm_queue_size":
			cfg.Job.PCMQueueSize = job.PCMQueueSize
		case "backend":
			cfg.Job.Backend = job.Backend
		case "format":
			cfg.Job.Format = job.Format
		case "bitrate":
			cfg.Job.Bitrate = job.Bitrate
		case "normalize":
			cfg.Job.Normalize = job.Normalize
		case "extract_metadata":
			cfg.Job.ExtractMetadata = job.ExtractMetadata
		case "title":
			cfg.Job.Title = job.Title
		case "author":
			cfg.Job.Author = job.Author
		case "cover":
			cfg.Job.Cover = job.Cover
		case "resume":
			cfg.Job.Resume = job.Resume
		case "checkpoint":
			cfg.Job.Checkpoint = job.Checkpoint
		case "no_checkpoint":
			cfg.Job.NoCheckpoint = job.NoCheckpoint
		case "check_checkpoint":
			cfg.Job.CheckCheckpoint = job.CheckCheckpoint
		case "event_format":
			cfg.Events.Format = eventFormat
		case "log_file":
			cfg.Events.LogFile = logFile
		}
	})

	// stdout carries job events; diagnostics go to stderr. Run validates cfg.
	logger := logging.New(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := runtime.NewRunner(cfg, logger, runtime.WithOutput(stdout, stderr))
	if err := runner.Run(ctx); err != nil {
		logger.Debug("job failed", slog.String("run_id", runner.RunID()), slog.String("error", err.Error()))
		return 1
	}
	return 0
}
