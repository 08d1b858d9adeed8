package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ChunkPath returns the blob path for a chunk index.
func (s *Store) ChunkPath(idx int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%06d.wav", idx))
}

// SaveChunkAudio writes one chunk's samples as a 16-bit mono WAV file.
func (s *Store) SaveChunkAudio(idx int, samples []int16, sampleRate int) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	return writeAtomic(s.ChunkPath(idx), func(f *os.File) error {
		enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close wav encoder: %w", err)
		}
		return nil
	})
}

// LoadChunkAudio reads a chunk blob. A missing or unreadable blob yields
// ok=false.
func (s *Store) LoadChunkAudio(idx int) ([]int16, bool) {
	f, err := os.Open(s.ChunkPath(idx))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, false
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		s.log.Warn("unreadable chunk blob", slog.Int("chunk", idx), slog.String("error", err.Error()))
		return nil, false
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, true
}
