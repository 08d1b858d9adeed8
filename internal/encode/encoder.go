// Package encode wraps ffmpeg as the audio sink: raw 16-bit mono PCM goes
// in, an MP3 or chaptered M4B file comes out.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/loqalabs/loqa-narrator/internal/chapters"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

// Container formats.
const (
	FormatMP3 = "mp3"
	FormatM4B = "m4b"
)

const loudnormFilter = "loudnorm=I=-14:TP=-1:LRA=11"

var (
	// ErrFFmpegNotFound is returned when the ffmpeg binary cannot be located.
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
	// ErrEncoderFailed is wrapped by every EncoderError.
	ErrEncoderFailed = errors.New("encoder failed")
)

// EncoderError reports a failed ffmpeg run with its diagnostic output.
type EncoderError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *EncoderError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("ffmpeg failed: %v", e.Err)
}

func (e *EncoderError) Unwrap() []error {
	return []error{ErrEncoderFailed, e.Err}
}

// Settings describe the artifact to produce.
type Settings struct {
	Output     string
	Format     string
	SampleRate int
	Bitrate    string
	Normalize  bool
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(e *Encoder) {
		e.runner = r
	}
}

// WithLookPath replaces the binary lookup used by NewEncoder.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *Encoder) {
		e.lookPath = fn
	}
}

// Encoder builds ffmpeg invocations and the sinks that feed them.
type Encoder struct {
	ffmpeg    string
	extraArgs []string
	tempDir   string
	runner    Runner
	lookPath  func(string) (string, error)
	log       *slog.Logger
}

func NewEncoder(cfg config.EncoderConfig, log *slog.Logger, opts ...Option) (*Encoder, error) {
	e := &Encoder{
		tempDir:  cfg.TempDir,
		runner:   execRunner{},
		lookPath: exec.LookPath,
		log:      log.With(slog.String("component", "encoder")),
	}
	for _, opt := range opts {
		opt(e)
	}

	name := cfg.FFmpegPath
	if name == "" {
		name = "ffmpeg"
	}
	path, err := e.lookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFFmpegNotFound, name)
	}
	e.ffmpeg = path

	if cfg.ExtraArgs != "" {
		parser := shellwords.NewParser()
		parser.ParseEnv = true
		args, err := parser.Parse(cfg.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("parse encoder extra args: %w", err)
		}
		e.extraArgs = args
	}
	return e, nil
}

// Path returns the resolved ffmpeg binary.
func (e *Encoder) Path() string {
	return e.ffmpeg
}

func pcmInput(sampleRate int, source string) []string {
	return []string{"-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ac", "1", "-i", source}
}

func silenceInput(sampleRate int) []string {
	return []string{"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", sampleRate), "-t", "0.1"}
}

// mp3Args encodes source, or 0.1s of silence when source is empty.
func (e *Encoder) mp3Args(s Settings, source string) []string {
	var args []string
	if source == "" {
		args = silenceInput(s.SampleRate)
	} else {
		args = pcmInput(s.SampleRate, source)
		if s.Normalize {
			args = append(args, "-af", loudnormFilter)
		}
	}
	args = append(args, e.extraArgs...)
	return append(args, "-b:a", s.Bitrate, "-y", s.Output)
}

func (e *Encoder) m4bArgs(s Settings, source, metadataPath, coverPath string) []string {
	var args []string
	if source == "" {
		args = silenceInput(s.SampleRate)
	} else {
		args = pcmInput(s.SampleRate, source)
	}
	args = append(args, "-i", metadataPath)
	if coverPath != "" {
		args = append(args, "-i", coverPath)
	}
	args = append(args, "-map", "0:a", "-map_metadata", "1")
	if coverPath != "" {
		args = append(args, "-map", "2:v", "-c:v", "copy", "-disposition:v:0", "attached_pic")
	}
	if s.Normalize && source != "" {
		args = append(args, "-af", loudnormFilter)
	}
	args = append(args, e.extraArgs...)
	return append(args, "-c:a", "aac", "-b:a", s.Bitrate, "-movflags", "+faststart", "-y", s.Output)
}

func (e *Encoder) run(ctx context.Context, args []string) error {
	e.log.Debug("running ffmpeg", slog.Any("args", args))
	stderr, err := e.runner.Run(ctx, nil, e.ffmpeg, args...)
	if err != nil {
		return &EncoderError{Args: args, Stderr: string(stderr), Err: err}
	}
	return nil
}

// export encodes a spooled PCM file. An empty or missing file produces a
// short silent artifact.
func (e *Encoder) export(ctx context.Context, s Settings, pcmPath string, meta Metadata, chs []chapters.Info) error {
	source := pcmPath
	if info, err := os.Stat(pcmPath); err != nil || info.Size() == 0 {
		source = ""
	}
	if s.Format != FormatM4B {
		return e.run(ctx, e.mp3Args(s, source))
	}

	work, err := os.MkdirTemp(e.tempDir, "narrator-m4b-*")
	if err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	defer os.RemoveAll(work)

	metadataPath := filepath.Join(work, "metadata.txt")
	f, err := os.Create(metadataPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	if err := WriteMetadata(f, meta, chs, s.SampleRate); err != nil {
		f.Close()
		return fmt.Errorf("write metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metadata file: %w", err)
	}

	var coverPath string
	if len(meta.Cover) > 0 {
		coverPath = filepath.Join(work, "cover"+coverExtension(meta.CoverMime))
		if err := os.WriteFile(coverPath, meta.Cover, 0o644); err != nil {
			return fmt.Errorf("write cover: %w", err)
		}
	}
	return e.run(ctx, e.m4bArgs(s, source, metadataPath, coverPath))
}
