// Package chunker splits chapter text into bounded-size units of TTS work.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chapter is one (title, text) pair produced by the document parser.
type Chapter struct {
	Title string
	Text  string
}

// TextChunk is a single unit of text submitted to inference.
type TextChunk struct {
	ChapterTitle string `json:"chapter_title"`
	Text         string `json:"text"`
}

// ChapterStart records the first chunk index of a chapter.
type ChapterStart struct {
	ChunkIndex int    `json:"chunk_index"`
	Title      string `json:"title"`
}

var paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)

// Split turns chapters into chunks of at most maxChars characters and
// reports which chunk begins each chapter. Chapters that normalize to
// nothing are omitted. The result is deterministic for identical input.
func Split(chapters []Chapter, maxChars int) ([]TextChunk, []ChapterStart) {
	if maxChars < 1 {
		maxChars = 1
	}
	var (
		chunks []TextChunk
		starts []ChapterStart
	)
	for _, ch := range chapters {
		paragraphs := Paragraphs(ch.Text)
		if len(paragraphs) == 0 {
			continue
		}
		starts = append(starts, ChapterStart{ChunkIndex: len(chunks), Title: ch.Title})

		var buf string
		flush := func() {
			if buf != "" {
				chunks = append(chunks, TextChunk{ChapterTitle: ch.Title, Text: buf})
				buf = ""
			}
		}
		for _, para := range paragraphs {
			pieces := []string{para}
			if runeLen(para) > maxChars {
				pieces = splitOversized(para, maxChars)
			}
			for _, piece := range pieces {
				if runeLen(buf)+runeLen(piece)+1 <= maxChars {
					if buf == "" {
						buf = piece
					} else {
						buf += " " + piece
					}
					continue
				}
				flush()
				buf = piece
			}
		}
		flush()
	}
	return chunks, starts
}

// Paragraphs splits text on blank lines and collapses whitespace inside
// each paragraph. Empty paragraphs are dropped.
func Paragraphs(text string) []string {
	var out []string
	for _, raw := range paragraphBreak.Split(text, -1) {
		if p := strings.Join(strings.Fields(raw), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitOversized packs the sentences of a paragraph into pieces no longer
// than maxChars, hard-splitting any sentence that alone exceeds the limit.
func splitOversized(paragraph string, maxChars int) []string {
	var (
		pieces []string
		buf    string
	)
	for _, sentence := range Sentences(paragraph) {
		if runeLen(sentence) > maxChars {
			if buf != "" {
				pieces = append(pieces, buf)
				buf = ""
			}
			pieces = append(pieces, hardSplit(sentence, maxChars)...)
			continue
		}
		if buf == "" {
			buf = sentence
			continue
		}
		candidate := buf + " " + sentence
		if runeLen(candidate) <= maxChars {
			buf = candidate
			continue
		}
		pieces = append(pieces, buf)
		buf = sentence
	}
	if buf != "" {
		pieces = append(pieces, buf)
	}
	return pieces
}

// Sentences splits text after terminal punctuation (. ! ?) that is followed
// by whitespace. The punctuation stays with its sentence.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hardSplit(s string, maxChars int) []string {
	runes := []rune(s)
	parts := make([]string, 0, len(runes)/maxChars+1)
	for len(runes) > 0 {
		n := min(maxChars, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
