package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs an external synthesizer once per chunk. The process
// receives a JSON request on stdin and answers with JSON lines carrying
// base64 little-endian 16-bit PCM.
type ExecBackend struct {
	cmd        []string
	sampleRate int
	log        *slog.Logger

	mu       sync.Mutex
	langCode string
	ready    bool
}

type execRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	LangCode     string  `json:"lang_code"`
	SplitPattern string  `json:"split_pattern"`
	SampleRate   int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
}

// NewExecBackend parses command with shell quoting rules.
func NewExecBackend(command string, sampleRate int, log *slog.Logger) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &ExecBackend{
		cmd:        args,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "tts-exec")),
	}, nil
}

func (e *ExecBackend) Name() string { return "exec" }

func (e *ExecBackend) SampleRate() int { return e.sampleRate }

func (e *ExecBackend) Initialize(_ context.Context, langCode string) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, e.cmd[0], err)
	}
	e.mu.Lock()
	e.langCode = langCode
	e.ready = true
	e.mu.Unlock()
	return nil
}

func (e *ExecBackend) Cleanup() error {
	e.mu.Lock()
	e.ready = false
	e.mu.Unlock()
	return nil
}

func (e *ExecBackend) Generate(ctx context.Context, req Request) (<-chan audio.Buffer, <-chan error) {
	e.mu.Lock()
	ready, langCode := e.ready, e.langCode
	e.mu.Unlock()
	if !ready {
		return failed(ErrNotInitialized)
	}

	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:         req.Text,
			Voice:        req.Voice,
			Speed:        req.Speed,
			LangCode:     langCode,
			SplitPattern: req.SplitPattern,
			SampleRate:   e.sampleRate,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts response: %w", err)
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts audio: %w", err)
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			samples, err := audio.FromBytes(raw)
			if err != nil {
				errs <- err
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			if len(samples) > 0 {
				select {
				case chunks <- audio.Buffer{PCM: samples}:
				case <-ctx.Done():
					_ = cmd.Wait()
					errs <- ctx.Err()
					return
				}
			}
		}
		scanErr := scanner.Err()
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("%w: %v: %s", ErrSynthesisFailed, err, bytes.TrimSpace(stderr.Bytes()))
			return
		}
		if scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}
