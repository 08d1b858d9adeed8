package encode

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/chapters"
)

// Metadata describes the book for chaptered containers.
type Metadata struct {
	Title     string
	Author    string
	Cover     []byte
	CoverMime string
}

var metadataEscaper = strings.NewReplacer(
	`\`, `\\`,
	"=", `\=`,
	";", `\;`,
	"#", `\#`,
	"\n", "\\\n",
)

func escapeMetadata(s string) string {
	return metadataEscaper.Replace(s)
}

// WriteMetadata renders an FFMETADATA1 document with one chapter block per
// entry. Chapter times use a millisecond timebase.
func WriteMetadata(w io.Writer, meta Metadata, chs []chapters.Info, sampleRate int) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, ";FFMETADATA1")
	fmt.Fprintf(bw, "title=%s\n", escapeMetadata(meta.Title))
	fmt.Fprintf(bw, "artist=%s\n", escapeMetadata(meta.Author))
	fmt.Fprintf(bw, "album=%s\n", escapeMetadata(meta.Title))
	for _, ch := range chs {
		fmt.Fprintln(bw)
		fmt.Fprintln(bw, "[CHAPTER]")
		fmt.Fprintln(bw, "TIMEBASE=1/1000")
		fmt.Fprintf(bw, "START=%d\n", ch.StartMillis(sampleRate))
		fmt.Fprintf(bw, "END=%d\n", ch.EndMillis(sampleRate))
		fmt.Fprintf(bw, "title=%s\n", escapeMetadata(ch.Title))
	}
	return bw.Flush()
}

// coverExtension picks the temp file suffix ffmpeg uses to probe the cover.
func coverExtension(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	}
	return ".jpg"
}
