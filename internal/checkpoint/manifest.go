package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

// VerifyKeys are the run settings that must match exactly for a resume.
var VerifyKeys = []string{
	"voice",
	"speed",
	"lang_code",
	"backend",
	"chunk_chars",
	"split_pattern",
	"format",
	"bitrate",
	"normalize",
}

// Manifest is the persisted snapshot of job progress. It is owned and
// mutated by the scheduler; the store only serializes it.
type Manifest struct {
	InputFingerprint string
	Config           map[string]string
	TotalChunks      int
	ChapterStarts    []chunker.ChapterStart

	completed map[int]struct{}
}

type manifestJSON struct {
	InputFingerprint string                 `json:"input_fingerprint"`
	Config           map[string]string      `json:"config"`
	TotalChunks      int                    `json:"total_chunks"`
	CompletedChunks  []int                  `json:"completed_chunks"`
	ChapterStarts    []chunker.ChapterStart `json:"chapter_starts"`
}

// NewManifest creates an empty manifest for a fresh run.
func NewManifest(fingerprint string, cfg map[string]string, total int, starts []chunker.ChapterStart) *Manifest {
	return &Manifest{
		InputFingerprint: fingerprint,
		Config:           cfg,
		TotalChunks:      total,
		ChapterStarts:    starts,
		completed:        make(map[int]struct{}),
	}
}

// IsCompleted reports whether idx has a persisted chunk blob.
func (m *Manifest) IsCompleted(idx int) bool {
	_, ok := m.completed[idx]
	return ok
}

// MarkCompleted adds idx to the completed set.
func (m *Manifest) MarkCompleted(idx int) {
	if m.completed == nil {
		m.completed = make(map[int]struct{})
	}
	m.completed[idx] = struct{}{}
}

// Unmark removes idx from the completed set.
func (m *Manifest) Unmark(idx int) {
	delete(m.completed, idx)
}

// ResetCompleted drops all progress while keeping identity fields.
func (m *Manifest) ResetCompleted() {
	m.completed = make(map[int]struct{})
}

// CompletedCount returns the size of the completed set.
func (m *Manifest) CompletedCount() int {
	return len(m.completed)
}

// Completed returns the completed indices in ascending order.
func (m *Manifest) Completed() []int {
	out := make([]int, 0, len(m.completed))
	for idx := range m.completed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestJSON{
		InputFingerprint: m.InputFingerprint,
		Config:           m.Config,
		TotalChunks:      m.TotalChunks,
		CompletedChunks:  m.Completed(),
		ChapterStarts:    m.ChapterStarts,
	})
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.InputFingerprint = raw.InputFingerprint
	m.Config = raw.Config
	m.TotalChunks = raw.TotalChunks
	m.ChapterStarts = raw.ChapterStarts
	m.completed = make(map[int]struct{}, len(raw.CompletedChunks))
	for _, idx := range raw.CompletedChunks {
		m.completed[idx] = struct{}{}
	}
	return nil
}

// Validate checks the structural invariants of a loaded manifest.
func (m *Manifest) Validate() error {
	if m.InputFingerprint == "" {
		return errors.New("input fingerprint missing")
	}
	if m.TotalChunks < 0 {
		return fmt.Errorf("negative total_chunks %d", m.TotalChunks)
	}
	for idx := range m.completed {
		if idx < 0 || idx >= m.TotalChunks {
			return fmt.Errorf("completed chunk %d outside [0, %d)", idx, m.TotalChunks)
		}
	}
	prev := -1
	for _, s := range m.ChapterStarts {
		if s.ChunkIndex <= prev || s.ChunkIndex >= m.TotalChunks {
			return fmt.Errorf("chapter start %d out of order or range", s.ChunkIndex)
		}
		prev = s.ChunkIndex
	}
	return nil
}
