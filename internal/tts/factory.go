package tts

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Backend names accepted by New.
const (
	BackendAuto  = "auto"
	BackendExec  = "exec"
	BackendPiper = "piper"
	BackendMock  = "mock"
)

var defaultChunkChars = map[string]int{
	BackendExec:  900,
	BackendPiper: 600,
	BackendMock:  600,
}

// DefaultChunkChars returns the preferred chunk size for a backend.
func DefaultChunkChars(name string) int {
	if n, ok := defaultChunkChars[name]; ok {
		return n
	}
	return 600
}

// New constructs the backend named kind. "auto" must be resolved first.
func New(kind string, cfg config.TTSConfig, log *slog.Logger) (Backend, error) {
	switch kind {
	case BackendExec:
		return NewExecBackend(cfg.Command, cfg.SampleRate, log)
	case BackendPiper:
		return NewPiperBackend(PiperConfig{
			BinaryPath: cfg.Piper.Binary,
			ModelPath:  cfg.Piper.Model,
			SampleRate: cfg.Piper.SampleRate,
			Speakers:   cfg.Piper.Speakers,
		}, log), nil
	case BackendMock:
		return NewMockBackend(cfg.SampleRate), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

// Resolver picks a concrete backend for "auto" once and remembers the
// answer. It is owned by the job runner.
type Resolver struct {
	cfg      config.TTSConfig
	lookPath func(string) (string, error)

	once sync.Once
	name string
	err  error
}

func NewResolver(cfg config.TTSConfig) *Resolver {
	return &Resolver{cfg: cfg, lookPath: exec.LookPath}
}

// Resolve returns requested unchanged unless it is "auto".
func (r *Resolver) Resolve(requested string) (string, error) {
	switch requested {
	case BackendExec, BackendPiper, BackendMock:
		return requested, nil
	case BackendAuto, "":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, requested)
	}
	r.once.Do(func() {
		r.name, r.err = r.detect()
	})
	return r.name, r.err
}

func (r *Resolver) detect() (string, error) {
	if r.cfg.Piper.Model != "" {
		binary := r.cfg.Piper.Binary
		if binary == "" {
			binary = "piper"
		}
		if _, err := r.lookPath(binary); err == nil {
			return BackendPiper, nil
		}
	}
	if strings.TrimSpace(r.cfg.Command) != "" {
		return BackendExec, nil
	}
	return "", fmt.Errorf("%w: configure tts.piper.model or tts.command", ErrBackendUnavailable)
}
