// Package epub reads chapter text and book metadata from EPUB files.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

const (
	DefaultTitle  = "Unknown Title"
	DefaultAuthor = "Unknown Author"
)

var (
	// ErrNoText is returned when no document in the book has readable text.
	ErrNoText = errors.New("no readable text content found in EPUB")
	// ErrInvalidContainer is returned for archives without a usable package document.
	ErrInvalidContainer = errors.New("invalid EPUB container")
)

// Metadata is the book-level information used for chaptered output.
type Metadata struct {
	Title     string
	Author    string
	Cover     []byte
	CoverMime string
}

// HasCover reports whether a cover image was found.
func (m Metadata) HasCover() bool {
	return len(m.Cover) > 0
}

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type packageDoc struct {
	Metadata struct {
		Titles   []string `xml:"title"`
		Creators []string `xml:"creator"`
		Meta     []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest []manifestItem `xml:"manifest>item"`
	Spine    []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// Book is an opened EPUB archive.
type Book struct {
	zr   *zip.ReadCloser
	base string
	pkg  packageDoc
}

// Open reads the container and package document of the EPUB at p.
func Open(p string) (*Book, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open epub %s: %w", p, err)
	}
	b := &Book{zr: zr}
	if err := b.load(); err != nil {
		zr.Close()
		return nil, err
	}
	return b, nil
}

func (b *Book) Close() error {
	return b.zr.Close()
}

func (b *Book) load() error {
	var c container
	if err := b.decodeXML("META-INF/container.xml", &c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return fmt.Errorf("%w: no rootfile", ErrInvalidContainer)
	}
	opf := c.Rootfiles[0].FullPath
	if err := b.decodeXML(opf, &b.pkg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	b.base = path.Dir(opf)
	return nil
}

func (b *Book) decodeXML(name string, v any) error {
	rc, err := b.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func (b *Book) open(name string) (io.ReadCloser, error) {
	for _, f := range b.zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
}

func (b *Book) read(item manifestItem) ([]byte, error) {
	rc, err := b.open(b.resolve(item.Href))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (b *Book) resolve(href string) string {
	if b.base == "." || b.base == "" {
		return href
	}
	return path.Join(b.base, href)
}

func (b *Book) item(id string) (manifestItem, bool) {
	for _, it := range b.pkg.Manifest {
		if it.ID == id {
			return it, true
		}
	}
	return manifestItem{}, false
}

// Chapters returns the readable documents in spine order. Documents with no
// text are skipped and titles come from each document's <title>.
func (b *Book) Chapters() ([]chunker.Chapter, error) {
	var out []chunker.Chapter
	for _, ref := range b.pkg.Spine {
		it, ok := b.item(ref.IDRef)
		if !ok || !isDocument(it.MediaType) {
			continue
		}
		body, err := b.read(it)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", it.Href, err)
		}
		title, text, err := extractText(body)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", it.Href, err)
		}
		if text == "" {
			continue
		}
		out = append(out, chunker.Chapter{Title: title, Text: text})
	}
	if len(out) == 0 {
		return nil, ErrNoText
	}
	return out, nil
}

// Metadata returns the title, author and cover. The cover is the item
// flagged cover-image, else the one named by <meta name="cover">, else the
// first image whose path mentions "cover".
func (b *Book) Metadata() Metadata {
	meta := Metadata{Title: DefaultTitle, Author: DefaultAuthor}
	if t := firstNonEmpty(b.pkg.Metadata.Titles); t != "" {
		meta.Title = t
	}
	if a := firstNonEmpty(b.pkg.Metadata.Creators); a != "" {
		meta.Author = a
	}
	if it, ok := b.coverItem(); ok {
		if data, err := b.read(it); err == nil {
			meta.Cover = data
			meta.CoverMime = it.MediaType
			if meta.CoverMime == "" {
				meta.CoverMime = MimeByExtension(it.Href)
			}
		}
	}
	return meta
}

func (b *Book) coverItem() (manifestItem, bool) {
	for _, it := range b.pkg.Manifest {
		if strings.Contains(" "+it.Properties+" ", " cover-image ") {
			return it, true
		}
	}
	for _, m := range b.pkg.Metadata.Meta {
		if m.Name == "cover" && m.Content != "" {
			if it, ok := b.item(m.Content); ok {
				return it, true
			}
		}
	}
	for _, it := range b.pkg.Manifest {
		if strings.HasPrefix(it.MediaType, "image/") && strings.Contains(strings.ToLower(it.Href), "cover") {
			return it, true
		}
	}
	return manifestItem{}, false
}

func isDocument(mediaType string) bool {
	return mediaType == "application/xhtml+xml" || mediaType == "text/html"
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// MimeByExtension maps a cover image path to its mime type, defaulting to
// image/jpeg.
func MimeByExtension(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	}
	if t := mime.TypeByExtension(filepath.Ext(p)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}
