package tts

import (
	"context"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// MockBackend produces a deterministic tone whose length follows the text
// length. It needs no external process and is used for dry runs and tests.
type MockBackend struct {
	sampleRate int
	// SamplesPerChar controls the generated length.
	SamplesPerChar int
	// BufferSamples caps the size of each yielded buffer.
	BufferSamples int

	mu    sync.Mutex
	ready bool
}

func NewMockBackend(sampleRate int) *MockBackend {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &MockBackend{sampleRate: sampleRate, SamplesPerChar: 10, BufferSamples: 2048}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) SampleRate() int { return m.sampleRate }

func (m *MockBackend) Initialize(context.Context, string) error {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) Cleanup() error {
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) Generate(ctx context.Context, req Request) (<-chan audio.Buffer, <-chan error) {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if !ready {
		return failed(ErrNotInitialized)
	}

	total := utf8.RuneCountInString(req.Text) * m.SamplesPerChar
	chunks := make(chan audio.Buffer)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for pos := 0; pos < total; pos += m.BufferSamples {
			n := min(m.BufferSamples, total-pos)
			samples := make([]float32, n)
			for i := range samples {
				samples[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(pos+i)/float64(m.sampleRate)))
			}
			select {
			case chunks <- audio.Buffer{Float: samples}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
