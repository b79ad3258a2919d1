package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/timmy/contentport/internal/domain"
)

// Position is a resumable point in a source stream. The interchange-file
// reader uses Offset and Skip; the REST reader uses Endpoint, Page and Skip.
type Position struct {
	// Offset is the byte offset of the top-level element to resume at.
	Offset int64 `json:"offset,omitempty"`
	// Endpoint indexes the REST endpoint sequence.
	Endpoint int `json:"endpoint,omitempty"`
	// Page is the 1-based REST page to resume at. Zero means the first page.
	Page int `json:"page,omitempty"`
	// Skip is the number of records already produced from the element or
	// page at the position.
	Skip int `json:"skip,omitempty"`
}

// IsZero reports whether p is the start of the source.
func (p Position) IsZero() bool {
	return p == Position{}
}

// Encode serializes p for persistence.
func (p Position) Encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// DecodePosition parses a persisted position. The empty string is the start.
func DecodePosition(s string) (Position, error) {
	var p Position
	if s == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(s), &p)
	return p, err
}

// SiteInfo describes the source site.
type SiteInfo struct {
	Title   string
	URL     string
	BaseURL string
}

// Reader opens restartable streams over one source snapshot.
type Reader interface {
	// Kind returns the source kind.
	Kind() domain.SourceKind

	// Site returns the source site description.
	Site(ctx context.Context) (*SiteInfo, error)

	// Fingerprint returns a cheap identity of the current source snapshot.
	// Two calls return the same value iff the snapshot did not change.
	Fingerprint(ctx context.Context) (string, error)

	// Open returns a stream starting at from, producing only the given kinds.
	// No kinds means all kinds.
	Open(ctx context.Context, from Position, kinds ...domain.RecordKind) (Stream, error)
}

// Stream is a lazy sequence of normalized records.
type Stream interface {
	// Next returns the next record, io.EOF at the end, or an error. A
	// *PageError is not fatal: the stream continues with the next page.
	Next(ctx context.Context) (*Record, error)

	// Position returns the point right after the last record Next returned.
	Position() Position

	Close() error
}

// PageError reports a page that could not be read after all retries.
// Rest is set when the reader also gave up on every later page of the
// collection because their number is unknown.
type PageError struct {
	Endpoint string
	Page     int
	Rest     bool
	Err      error
}

func (e *PageError) Error() string {
	if e.Rest {
		return fmt.Sprintf("read %s page %d and all later pages: %v", e.Endpoint, e.Page, e.Err)
	}
	return fmt.Sprintf("read %s page %d: %v", e.Endpoint, e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// KindFilter reports whether a kind is wanted. Empty means all.
type KindFilter []domain.RecordKind

// Accepts reports whether k passes the filter.
func (f KindFilter) Accepts(k domain.RecordKind) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if want == k {
			return true
		}
	}
	return false
}
