// Package chapters turns chunk-indexed chapter boundaries into sample spans.
package chapters

import (
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

// Info is a chapter span in samples, [StartSample, EndSample).
type Info struct {
	Title       string
	StartSample int64
	EndSample   int64
}

// StartMillis converts the span start to milliseconds at sampleRate.
func (i Info) StartMillis(sampleRate int) int64 {
	return samplesToMillis(i.StartSample, sampleRate)
}

// EndMillis converts the span end to milliseconds at sampleRate.
func (i Info) EndMillis(sampleRate int) int64 {
	return samplesToMillis(i.EndSample, sampleRate)
}

func samplesToMillis(samples int64, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return samples * 1000 / int64(sampleRate)
}

// Derive builds chapter spans from per-chunk start offsets. Each chapter
// runs from the offset of its first chunk to the offset of the next
// chapter's first chunk, and the last one ends at totalSamples. Empty
// titles become "Chapter N".
func Derive(offsets []int64, starts []chunker.ChapterStart, totalSamples int64) []Info {
	infos := make([]Info, 0, len(starts))
	for i, start := range starts {
		begin := offsetAt(offsets, start.ChunkIndex, 0)
		end := totalSamples
		if i+1 < len(starts) {
			end = offsetAt(offsets, starts[i+1].ChunkIndex, totalSamples)
		}
		title := start.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		infos = append(infos, Info{Title: title, StartSample: begin, EndSample: end})
	}
	return infos
}

func offsetAt(offsets []int64, idx int, fallback int64) int64 {
	if idx < 0 || idx >= len(offsets) {
		return fallback
	}
	return offsets[idx]
}
