package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

var (
	// ErrNotInitialized is returned when Generate runs before Initialize.
	ErrNotInitialized = errors.New("tts backend not initialized")
	// ErrUnknownBackend is returned for an unrecognized backend name.
	ErrUnknownBackend = errors.New("unknown tts backend")
	// ErrBackendUnavailable is returned when auto-detection finds nothing usable.
	ErrBackendUnavailable = errors.New("no tts backend available")
	// ErrSynthesisFailed wraps backend process failures.
	ErrSynthesisFailed = errors.New("tts synthesis failed")
)

// Request contains the parameters for synthesizing one chunk.
type Request struct {
	Text         string
	Voice        string
	Speed        float64
	SplitPattern string
}

// Backend is the contract every speech engine implements. Generate streams
// zero or more buffers and closes both channels when done; at most one
// error is sent.
type Backend interface {
	Name() string
	Initialize(ctx context.Context, langCode string) error
	Generate(ctx context.Context, req Request) (<-chan audio.Buffer, <-chan error)
	SampleRate() int
	Cleanup() error
}

// Drain consumes a Generate stream, calling fn for each buffer in order.
// If fn fails the caller should cancel the context passed to Generate so
// the producer stops.
func Drain(ctx context.Context, chunks <-chan audio.Buffer, errs <-chan error, fn func(audio.Buffer) error) error {
	for {
		select {
		case buf, ok := <-chunks:
			if !ok {
				if err, ok := <-errs; ok && err != nil {
					return err
				}
				return nil
			}
			if err := fn(buf); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func failed(err error) (<-chan audio.Buffer, <-chan error) {
	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}
