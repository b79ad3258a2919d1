// Package content defines the contract of the target storage engine that
// imported entities are written to.
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/contentport/internal/domain"
)

var (
	// ErrNotFound is returned by Update and Delete for unknown ids.
	ErrNotFound = errors.New("entity not found")
	// ErrUnavailable means the engine cannot serve requests at all. It is
	// phase-fatal for an import.
	ErrUnavailable = fmt.Errorf("%w: content store unavailable", domain.ErrStorage)
)

// IDKey in a Query matches the entity id instead of a data field.
const IDKey = "id"

// Entity is one typed record of the target engine.
type Entity struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// String returns a data field rendered as text.
func (e Entity) String(key string) string {
	v, ok := e.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Query selects entities whose data fields equal the given values.
type Query map[string]string

// Matches reports whether e satisfies q.
func (q Query) Matches(e Entity) bool {
	for k, want := range q {
		if k == IDKey {
			if e.ID != want {
				return false
			}
			continue
		}
		v, ok := e.Data[k]
		if !ok || v == nil || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Store is the create/update/delete/find contract of the target engine.
type Store interface {
	// Create persists a new entity and returns its id.
	Create(ctx context.Context, entityType string, data map[string]any) (string, error)
	// Update merges data into an existing entity.
	Update(ctx context.Context, id string, data map[string]any) error
	// Delete removes an entity.
	Delete(ctx context.Context, id string) error
	// Find returns entities of a type matching query, oldest first. An
	// empty type matches every type.
	Find(ctx context.Context, entityType string, query Query) ([]Entity, error)
}

// Clone deep-copies an entity data map one level down. Nested slices of
// strings are copied; other values are shared.
func Clone(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}
