package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, b Backend, text string) ([]int16, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, errs := b.Generate(ctx, Request{Text: text, Voice: "af_heart", Speed: 1})
	var out []int16
	err := Drain(ctx, chunks, errs, func(buf audio.Buffer) error {
		out = append(out, buf.Int16()...)
		return nil
	})
	return out, err
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateBeforeInitialize(t *testing.T) {
	backends := []Backend{
		NewMockBackend(0),
		NewPiperBackend(PiperConfig{ModelPath: "model.onnx"}, newLogger()),
	}
	exe, err := NewExecBackend("sh -c true", 0, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backends = append(backends, exe)
	for _, b := range backends {
		if _, err := collect(t, b, "hello"); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s: expected ErrNotInitialized, got %v", b.Name(), err)
		}
	}
}

func TestMockBackendLength(t *testing.T) {
	m := NewMockBackend(16000)
	m.BufferSamples = 7
	if err := m.Initialize(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	samples, err := collect(t, m, "abcd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 40 {
		t.Fatalf("expected 40 samples, got %d", len(samples))
	}
	if m.SampleRate() != 16000 {
		t.Fatalf("unexpected sample rate %d", m.SampleRate())
	}
}

func TestExecBackendStreamsPCM(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AQACAA=="}'
echo ''
echo '{"pcm_base64":"AwA=","final":true}'
`)
	b, err := NewExecBackend("sh '"+script+"'", 22050, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Initialize(context.Background(), "a"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	samples, err := collect(t, b, "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int16{1, 2, 3}
	if len(samples) != len(want) {
		t.Fatalf("expected %v, got %v", want, samples)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, samples)
		}
	}
}

func TestExecBackendFailure(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho boom >&2\nexit 3\n")
	b, err := NewExecBackend("sh "+script, 0, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Initialize(context.Background(), "a"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := collect(t, b, "hi"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
}

func TestNewExecBackendRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecBackend("   ", 0, newLogger()); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := NewExecBackend(`synth "unterminated`, 0, newLogger()); err == nil {
		t.Fatalf("expected error for unbalanced quotes")
	}
}

func TestPiperArgs(t *testing.T) {
	p := NewPiperBackend(PiperConfig{ModelPath: "en.onnx", Speakers: map[string]string{"amy": "3"}}, newLogger())
	args := p.args(Request{Voice: "amy", Speed: 2})
	want := []string{"--model", "en.onnx", "--output-raw", "--speaker", "3", "--length_scale", "0.500"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
	if got := p.args(Request{Voice: "af_heart", Speed: 1}); len(got) != 3 {
		t.Fatalf("unknown voice and unit speed should add no flags, got %v", got)
	}
}

func TestFactory(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Command = "synth --fast"
	for _, name := range []string{BackendExec, BackendPiper, BackendMock} {
		b, err := New(name, cfg, newLogger())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if b.Name() != name {
			t.Fatalf("expected %s, got %s", name, b.Name())
		}
	}
	if _, err := New("kokoro", cfg, newLogger()); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestResolverAuto(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Piper.Model = "voice.onnx"
	cfg.Command = "synth"

	calls := 0
	r := NewResolver(cfg)
	r.lookPath = func(string) (string, error) {
		calls++
		return "/usr/bin/piper", nil
	}
	for i := 0; i < 3; i++ {
		name, err := r.Resolve(BackendAuto)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != BackendPiper {
			t.Fatalf("expected piper, got %s", name)
		}
	}
	if calls != 1 {
		t.Fatalf("expected detection to run once, ran %d times", calls)
	}

	r = NewResolver(cfg)
	r.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if name, _ := r.Resolve(BackendAuto); name != BackendExec {
		t.Fatalf("expected exec fallback, got %s", name)
	}

	r = NewResolver(config.Default().TTS)
	r.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := r.Resolve(BackendAuto); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if name, err := r.Resolve(BackendMock); err != nil || name != BackendMock {
		t.Fatalf("explicit backend should pass through, got %s %v", name, err)
	}
	if _, err := r.Resolve("tensorrt"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}
