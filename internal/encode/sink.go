package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/chapters"
)

// Sink accepts little-endian 16-bit mono PCM and produces the output file
// when finalized. Abort releases resources without producing output.
type Sink interface {
	io.Writer
	Streaming() bool
	Finalize(ctx context.Context, meta Metadata, chs []chapters.Info) error
	Abort() error
}

// StreamSink pipes PCM straight into a running ffmpeg process. Only MP3
// output can be streamed.
type StreamSink struct {
	enc      *Encoder
	settings Settings
	pw       *io.PipeWriter
	cancel   context.CancelFunc
	done     chan error
	written  int64
	once     sync.Once
	result   error
}

// Stream starts ffmpeg reading from stdin.
func (e *Encoder) Stream(ctx context.Context, s Settings) (*StreamSink, error) {
	if s.Format != FormatMP3 {
		return nil, fmt.Errorf("streaming is only supported for %s output, got %q", FormatMP3, s.Format)
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	sink := &StreamSink{enc: e, settings: s, pw: pw, cancel: cancel, done: make(chan error, 1)}
	args := e.mp3Args(s, "pipe:0")
	e.log.Debug("starting ffmpeg stream", slog.Any("args", args))
	go func() {
		stderr, err := e.runner.Run(ctx, pr, e.ffmpeg, args...)
		if err != nil {
			err = &EncoderError{Args: args, Stderr: string(stderr), Err: err}
			pr.CloseWithError(err)
		} else {
			pr.CloseWithError(io.ErrClosedPipe)
		}
		sink.done <- err
	}()
	return sink, nil
}

func (s *StreamSink) Streaming() bool { return true }

func (s *StreamSink) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *StreamSink) wait() error {
	s.once.Do(func() {
		s.result = <-s.done
		s.cancel()
	})
	return s.result
}

// Finalize closes ffmpeg's stdin and waits for it to exit. A stream that
// received no audio is replaced with a short silent file.
func (s *StreamSink) Finalize(ctx context.Context, _ Metadata, _ []chapters.Info) error {
	s.pw.Close()
	err := s.wait()
	if s.written == 0 {
		return s.enc.run(ctx, s.enc.mp3Args(s.settings, ""))
	}
	return err
}

func (s *StreamSink) Abort() error {
	s.cancel()
	s.pw.CloseWithError(context.Canceled)
	_ = s.wait()
	return nil
}

// SpoolSink writes PCM to a temp file and encodes it in one pass at the
// end. It is used whenever the output needs the full audio length up
// front or the run may be resumed.
type SpoolSink struct {
	enc      *Encoder
	settings Settings
	file     *os.File
	closed   bool
}

// Spool creates the temp PCM file.
func (e *Encoder) Spool(s Settings) (*SpoolSink, error) {
	f, err := os.CreateTemp(e.tempDir, "narrator-*.pcm")
	if err != nil {
		return nil, fmt.Errorf("create pcm spool: %w", err)
	}
	e.log.Debug("spooling pcm", slog.String("path", f.Name()))
	return &SpoolSink{enc: e, settings: s, file: f}, nil
}

func (s *SpoolSink) Streaming() bool { return false }

// Path returns the spool file location.
func (s *SpoolSink) Path() string { return s.file.Name() }

func (s *SpoolSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *SpoolSink) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Finalize encodes the spooled audio and removes the spool file.
func (s *SpoolSink) Finalize(ctx context.Context, meta Metadata, chs []chapters.Info) error {
	defer os.Remove(s.file.Name())
	if err := s.close(); err != nil {
		return fmt.Errorf("close pcm spool: %w", err)
	}
	return s.enc.export(ctx, s.settings, s.file.Name(), meta, chs)
}

func (s *SpoolSink) Abort() error {
	closeErr := s.close()
	removeErr := os.Remove(s.file.Name())
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(closeErr, removeErr)
}

// Open picks the sink for a run: MP3 without checkpointing streams,
// everything else spools.
func (e *Encoder) Open(ctx context.Context, s Settings, checkpointing bool) (Sink, error) {
	if s.Format == FormatMP3 && !checkpointing {
		return e.Stream(ctx, s)
	}
	return e.Spool(s)
}
