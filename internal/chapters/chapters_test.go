package chapters

import (
	"math/rand"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

func TestDeriveSpans(t *testing.T) {
	offsets := []int64{0, 100, 250, 400}
	starts := []chunker.ChapterStart{{ChunkIndex: 0, Title: "Intro"}, {ChunkIndex: 2, Title: ""}}
	infos := Derive(offsets, starts, 600)
	if len(infos) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(infos))
	}
	if infos[0] != (Info{Title: "Intro", StartSample: 0, EndSample: 250}) {
		t.Fatalf("unexpected first chapter %+v", infos[0])
	}
	if infos[1] != (Info{Title: "Chapter 2", StartSample: 250, EndSample: 600}) {
		t.Fatalf("unexpected second chapter %+v", infos[1])
	}
}

func TestDeriveNoChapters(t *testing.T) {
	if infos := Derive([]int64{0}, nil, 10); len(infos) != 0 {
		t.Fatalf("expected no chapters, got %+v", infos)
	}
}

func TestDeriveContiguousForRandomLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(40)
		offsets := make([]int64, n)
		var total int64
		for i := range offsets {
			offsets[i] = total
			total += int64(rng.Intn(5000))
		}
		starts := []chunker.ChapterStart{{ChunkIndex: 0}}
		for i := 1; i < n; i++ {
			if rng.Intn(3) == 0 {
				starts = append(starts, chunker.ChapterStart{ChunkIndex: i})
			}
		}

		infos := Derive(offsets, starts, total)
		if infos[0].StartSample != 0 {
			t.Fatalf("first chapter must start at 0, got %d", infos[0].StartSample)
		}
		if last := infos[len(infos)-1]; last.EndSample != total {
			t.Fatalf("last chapter must end at %d, got %d", total, last.EndSample)
		}
		for i := range infos {
			if infos[i].EndSample < infos[i].StartSample {
				t.Fatalf("chapter %d has negative span %+v", i, infos[i])
			}
			if i > 0 && infos[i].StartSample != infos[i-1].EndSample {
				t.Fatalf("chapters %d and %d are not contiguous", i-1, i)
			}
		}
	}
}

func TestMillis(t *testing.T) {
	info := Info{StartSample: 24000, EndSample: 36000}
	if info.StartMillis(24000) != 1000 || info.EndMillis(24000) != 1500 {
		t.Fatalf("unexpected millis %d-%d", info.StartMillis(24000), info.EndMillis(24000))
	}
}
