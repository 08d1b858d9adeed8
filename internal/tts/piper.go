package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

var (
	// ErrPiperNotFound is returned when the piper binary is not on PATH.
	ErrPiperNotFound = errors.New("piper binary not found")
	// ErrNoModelSpecified is returned when no piper model is configured.
	ErrNoModelSpecified = errors.New("no piper model specified")
)

// piperReadSamples is the number of samples read from piper per buffer.
const piperReadSamples = 4096

// PiperConfig holds configuration for the Piper backend.
type PiperConfig struct {
	BinaryPath string
	ModelPath  string
	SampleRate int
	// Speakers maps voice names to piper speaker ids.
	Speakers map[string]string
}

// PiperBackend streams raw PCM from a local piper process.
type PiperBackend struct {
	cfg PiperConfig
	log *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewPiperBackend(cfg PiperConfig, log *slog.Logger) *PiperBackend {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "piper"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 22050
	}
	return &PiperBackend{cfg: cfg, log: log.With(slog.String("component", "tts-piper"))}
}

func (p *PiperBackend) Name() string { return "piper" }

func (p *PiperBackend) SampleRate() int { return p.cfg.SampleRate }

func (p *PiperBackend) Initialize(_ context.Context, langCode string) error {
	if _, err := exec.LookPath(p.cfg.BinaryPath); err != nil {
		return fmt.Errorf("%w: %s", ErrPiperNotFound, p.cfg.BinaryPath)
	}
	if p.cfg.ModelPath == "" {
		return ErrNoModelSpecified
	}
	p.log.Debug("piper ready", slog.String("model", p.cfg.ModelPath), slog.String("lang_code", langCode))
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *PiperBackend) Cleanup() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *PiperBackend) args(req Request) []string {
	args := []string{"--model", p.cfg.ModelPath, "--output-raw"}
	if speaker := p.speaker(req.Voice); speaker != "" {
		args = append(args, "--speaker", speaker)
	}
	if req.Speed > 0 && req.Speed != 1 {
		args = append(args, "--length_scale", strconv.FormatFloat(1/req.Speed, 'f', 3, 64))
	}
	return args
}

func (p *PiperBackend) speaker(voice string) string {
	if voice == "" || voice == "default" {
		return ""
	}
	if id, ok := p.cfg.Speakers[voice]; ok {
		return id
	}
	if _, err := strconv.Atoi(voice); err == nil {
		return voice
	}
	return ""
}

func (p *PiperBackend) Generate(ctx context.Context, req Request) (<-chan audio.Buffer, <-chan error) {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	if !ready {
		return failed(ErrNotInitialized)
	}

	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, p.args(req)...)
		cmd.Stdin = strings.NewReader(req.Text)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start piper: %w", err)
			return
		}

		buf := make([]byte, piperReadSamples*2)
		var carry []byte
		for {
			n, readErr := io.ReadFull(stdout, buf)
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%2
			carry = append([]byte(nil), data[whole:]...)
			if whole > 0 {
				samples, _ := audio.FromBytes(data[:whole])
				select {
				case chunks <- audio.Buffer{PCM: samples}:
				case <-ctx.Done():
					_ = cmd.Wait()
					errs <- ctx.Err()
					return
				}
			}
			if readErr != nil {
				break
			}
		}
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("%w: %v: %s", ErrSynthesisFailed, err, bytes.TrimSpace(stderr.Bytes()))
		}
	}()
	return chunks, errs
}
