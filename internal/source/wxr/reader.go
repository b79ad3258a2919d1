// Package wxr streams records out of an XML interchange export without
// loading the document into memory.
package wxr

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
	"golang.org/x/net/html/charset"
)

// Reader reads one interchange file.
type Reader struct {
	path string
}

// NewReader creates a reader over the file at path.
// Parameters:
//   - path: local path of the export document.
//
// Returns:
//   - *Reader: reader; the file is opened lazily per stream.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Kind returns the source kind.
func (r *Reader) Kind() domain.SourceKind {
	return domain.SourceKindFile
}

// Fingerprint hashes the file bytes.
func (r *Reader) Fingerprint(ctx context.Context) (string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return "", fmt.Errorf("open interchange file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash interchange file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Site reads the channel header that precedes the first record.
func (r *Reader) Site(ctx context.Context) (*source.SiteInfo, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open interchange file: %w", err)
	}
	defer f.Close()

	sc := newScanner(f, 0)
	info := &source.SiteInfo{}
	for {
		start, off, err := sc.next()
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if err != nil {
			return nil, parseError(off, err)
		}
		var text string
		switch start.Name.Local {
		case "title", "link", "base_site_url", "base_blog_url":
			if err := sc.dec.DecodeElement(&text, &start); err != nil {
				return nil, parseError(off, err)
			}
		case "item":
			return info, nil
		default:
			if err := sc.dec.Skip(); err != nil {
				return nil, parseError(off, err)
			}
			continue
		}
		text = strings.TrimSpace(text)
		switch start.Name.Local {
		case "title":
			info.Title = text
		case "link":
			info.URL = text
		case "base_site_url":
			info.BaseURL = text
		case "base_blog_url":
			if info.URL == "" {
				info.URL = text
			}
		}
	}
}

// Open returns a stream resuming at from. A non-zero offset seeks directly
// into the file; the root namespace declarations are replayed first so that
// prefixed names still resolve. Documents in another encoding than UTF-8
// are decoded from the start instead, since their offsets count decoded
// bytes, and every element before the offset is skipped.
func (r *Reader) Open(ctx context.Context, from source.Position, kinds ...domain.RecordKind) (source.Stream, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open interchange file: %w", err)
	}

	var sc *scanner
	var until int64
	if from.Offset == 0 {
		sc = newScanner(f, 0)
	} else {
		header, seekable, err := r.header()
		if err != nil {
			f.Close()
			return nil, err
		}
		if !seekable {
			sc = newScanner(f, 0)
			until = from.Offset
		} else {
			if _, err := f.Seek(from.Offset, io.SeekStart); err != nil {
				f.Close()
				return nil, fmt.Errorf("seek interchange file to %d: %w", from.Offset, err)
			}
			in := io.MultiReader(strings.NewReader(header), f)
			sc = newScanner(in, from.Offset-int64(len(header)))
		}
	}

	return &stream{
		file:   f,
		sc:     sc,
		kinds:  source.KindFilter(kinds),
		until:  until,
		skip:   from.Skip,
		curEnd: from.Offset,
	}, nil
}

// header rebuilds "<rss ...><channel>" from the document root. seekable
// reports whether the document is UTF-8, so that decoder offsets are file
// offsets.
func (r *Reader) header() (header string, seekable bool, err error) {
	f, err := os.Open(r.path)
	if err != nil {
		return "", false, fmt.Errorf("open interchange file: %w", err)
	}
	defer f.Close()

	seekable = true
	dec := newDecoder(f)
	for {
		tok, err := dec.RawToken()
		if err != nil {
			return "", false, parseError(dec.InputOffset(), err)
		}
		if pi, ok := tok.(xml.ProcInst); ok && pi.Target == "xml" {
			seekable = isUTF8(declaredEncoding(pi.Inst))
			continue
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var buf bytes.Buffer
		buf.WriteString("<rss")
		for _, a := range start.Attr {
			buf.WriteByte(' ')
			if a.Name.Space != "" {
				buf.WriteString(a.Name.Space)
				buf.WriteByte(':')
			}
			buf.WriteString(a.Name.Local)
			buf.WriteString(`="`)
			xml.EscapeText(&buf, []byte(a.Value))
			buf.WriteByte('"')
		}
		buf.WriteString("><channel>")
		return buf.String(), seekable, nil
	}
}

// declaredEncoding returns the encoding of an XML declaration, "" when
// none is named.
func declaredEncoding(inst []byte) string {
	s := string(inst)
	i := strings.Index(s, "encoding=")
	if i < 0 {
		return ""
	}
	s = s[i+len("encoding="):]
	if s == "" || (s[0] != '"' && s[0] != '\'') {
		return ""
	}
	end := strings.IndexByte(s[1:], s[0])
	if end < 0 {
		return ""
	}
	return s[1 : end+1]
}

func isUTF8(enc string) bool {
	switch strings.ToLower(enc) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

func newDecoder(in io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(in)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

func parseError(offset int64, err error) error {
	return fmt.Errorf("%w: interchange file near byte %d: %v", domain.ErrValidation, offset, err)
}

// scanner yields the direct children of <channel> with their byte offsets.
type scanner struct {
	dec   *xml.Decoder
	base  int64
	depth int
}

func newScanner(in io.Reader, base int64) *scanner {
	return &scanner{dec: newDecoder(in), base: base}
}

// offset is the absolute file offset right after the last consumed token.
func (s *scanner) offset() int64 {
	return s.base + s.dec.InputOffset()
}

// next returns the next channel child. The caller must consume the element
// with DecodeElement or Skip before calling next again.
func (s *scanner) next() (xml.StartElement, int64, error) {
	for {
		off := s.offset()
		tok, err := s.dec.Token()
		if err != nil {
			return xml.StartElement{}, off, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if s.depth == 2 {
				return t, off, nil
			}
			s.depth++
		case xml.EndElement:
			s.depth--
		}
	}
}

// stream implements source.Stream.
type stream struct {
	file  *os.File
	sc    *scanner
	kinds source.KindFilter
	// until skips every channel child starting before this offset.
	until int64

	pending  []*source.Record
	idx      int
	curStart int64
	curEnd   int64
	skip     int
	done     bool
}

func (s *stream) Next(ctx context.Context) (*source.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for s.idx < len(s.pending) {
			rec := s.pending[s.idx]
			s.idx++
			if s.kinds.Accepts(rec.Kind) {
				return rec, nil
			}
		}
		if s.done {
			return nil, io.EOF
		}

		start, off, err := s.sc.next()
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return nil, parseError(off, err)
		}

		if off < s.until {
			if err := s.sc.dec.Skip(); err != nil {
				return nil, parseError(off, err)
			}
			continue
		}

		var recs []*source.Record
		if s.wants(start.Name.Local) {
			recs, err = decodeElement(s.sc.dec, start)
		} else {
			err = s.sc.dec.Skip()
		}
		if err != nil {
			return nil, parseError(off, err)
		}

		s.curStart = off
		s.curEnd = s.sc.offset()
		s.pending = recs
		s.idx = 0
		if s.skip > 0 {
			s.idx = min(s.skip, len(recs))
			s.skip = 0
		}
	}
}

// wants reports whether an element can yield any accepted kind.
func (s *stream) wants(local string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	for _, k := range elementKinds(local) {
		if s.kinds.Accepts(k) {
			return true
		}
	}
	return false
}

func (s *stream) Position() source.Position {
	if s.idx < len(s.pending) {
		return source.Position{Offset: s.curStart, Skip: s.idx}
	}
	return source.Position{Offset: s.curEnd}
}

func (s *stream) Close() error {
	return s.file.Close()
}
