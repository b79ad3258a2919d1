package service

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/timmy/contentport/internal/domain"
)

// idMapStore is the persistence the identifier map writes through to.
type idMapStore interface {
	ListByLineage(ctx context.Context, lineageID string) ([]domain.IDMapEntry, error)
	Upsert(ctx context.Context, entry *domain.IDMapEntry) error
}

type extKey struct {
	kind domain.RecordKind
	id   string
}

// IdentifierMap resolves external identifiers of a lineage to target
// entities. Lookups are served from memory; Put writes through to the
// backing store first. A scratch map has no store and never persists.
type IdentifierMap struct {
	lineageID string
	store     idMapStore

	mu      sync.RWMutex
	entries []domain.IDMapEntry
	byExt   map[extKey]int
	byKey   map[extKey]int
	byURL   map[string]int
}

// LoadIdentifierMap reads every entry of a lineage.
func LoadIdentifierMap(ctx context.Context, store idMapStore, lineageID string) (*IdentifierMap, error) {
	entries, err := store.ListByLineage(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	m := newIdentifierMap(lineageID, store)
	for i := range entries {
		m.index(entries[i])
	}
	return m, nil
}

// Scratch returns an in-memory copy that accepts writes without persisting.
func (m *IdentifierMap) Scratch() *IdentifierMap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := newIdentifierMap(m.lineageID, nil)
	for _, e := range m.entries {
		s.index(e)
	}
	return s
}

func newIdentifierMap(lineageID string, store idMapStore) *IdentifierMap {
	return &IdentifierMap{
		lineageID: lineageID,
		store:     store,
		byExt:     make(map[extKey]int),
		byKey:     make(map[extKey]int),
		byURL:     make(map[string]int),
	}
}

// index adds or replaces an entry. Callers hold mu or own m exclusively.
func (m *IdentifierMap) index(e domain.IDMapEntry) {
	k := extKey{e.ExternalKind, e.ExternalID}
	i, ok := m.byExt[k]
	if ok {
		m.entries[i] = e
	} else {
		i = len(m.entries)
		m.entries = append(m.entries, e)
		m.byExt[k] = i
	}
	if e.ExternalKey != "" {
		m.byKey[extKey{e.ExternalKind, e.ExternalKey}] = i
	}
	if n := normalizeURL(e.SourceURL); n != "" {
		m.byURL[n] = i
	}
}

// LineageID returns the lineage the map belongs to.
func (m *IdentifierMap) LineageID() string {
	return m.lineageID
}

// Lookup returns the entry for an external id.
func (m *IdentifierMap) Lookup(kind domain.RecordKind, externalID string) (domain.IDMapEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byExt[extKey{kind, externalID}]
	if !ok {
		return domain.IDMapEntry{}, false
	}
	return m.entries[i], true
}

// LookupKey returns the entry for a natural key such as an author login.
func (m *IdentifierMap) LookupKey(kind domain.RecordKind, key string) (domain.IDMapEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byKey[extKey{kind, key}]
	if !ok {
		return domain.IDMapEntry{}, false
	}
	return m.entries[i], true
}

// LookupURL returns the entry whose source URL matches raw, ignoring the
// scheme, host case and a trailing slash.
func (m *IdentifierMap) LookupURL(raw string) (domain.IDMapEntry, bool) {
	n := normalizeURL(raw)
	if n == "" {
		return domain.IDMapEntry{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byURL[n]
	if !ok {
		return domain.IDMapEntry{}, false
	}
	return m.entries[i], true
}

// Put records an entry, persisting it first when the map is backed.
func (m *IdentifierMap) Put(ctx context.Context, e domain.IDMapEntry) error {
	e.LineageID = m.lineageID
	if m.store != nil {
		if err := m.store.Upsert(ctx, &e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byExt[extKey{e.ExternalKind, e.ExternalID}]; ok {
		// The creating job and id survive a refresh.
		prev := m.entries[i]
		e.JobID = prev.JobID
		if e.ID == 0 {
			e.ID = prev.ID
		}
		e.Adopted = e.Adopted || prev.Adopted
	}
	m.index(e)
	return nil
}

// Entries returns a copy of every entry.
func (m *IdentifierMap) Entries() []domain.IDMapEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.IDMapEntry(nil), m.entries...)
}

// Len returns the number of entries.
func (m *IdentifierMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// normalizeURL reduces a URL to host+path+query for matching.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	n := host + path
	if u.RawQuery != "" {
		n += "?" + u.RawQuery
	}
	return n
}
