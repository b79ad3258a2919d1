package content

import (
	"context"
	"strconv"
	"sync"
)

// Overlay records writes in memory on top of a read-only base store.
// Reads see the base with the recorded writes applied. Nothing reaches
// the base.
type Overlay struct {
	base Store

	mu      sync.RWMutex
	seq     int
	local   map[string]Entity // created here or copied from base on update
	order   []string
	deleted map[string]bool
}

// NewOverlay wraps base.
func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base:    base,
		local:   make(map[string]Entity),
		deleted: make(map[string]bool),
	}
}

func (o *Overlay) Create(ctx context.Context, entityType string, data map[string]any) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq++
	id := "dry-" + strconv.Itoa(o.seq)
	o.local[id] = Entity{ID: id, Type: entityType, Data: Clone(data)}
	o.order = append(o.order, id)
	return id, nil
}

func (o *Overlay) Update(ctx context.Context, id string, data map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted[id] {
		return ErrNotFound
	}
	e, ok := o.local[id]
	if !ok {
		found, err := o.base.Find(ctx, "", Query{IDKey: id})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return ErrNotFound
		}
		e = Entity{ID: id, Type: found[0].Type, Data: Clone(found[0].Data)}
		o.order = append(o.order, id)
	}
	for k, v := range data {
		e.Data[k] = v
	}
	o.local[id] = e
	return nil
}

func (o *Overlay) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted[id] {
		return ErrNotFound
	}
	delete(o.local, id)
	o.deleted[id] = true
	return nil
}

func (o *Overlay) Find(ctx context.Context, entityType string, query Query) ([]Entity, error) {
	found, err := o.base.Find(ctx, entityType, query)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []Entity
	for _, e := range found {
		// Local copies are matched below with their pending changes.
		if _, shadowed := o.local[e.ID]; shadowed || o.deleted[e.ID] {
			continue
		}
		out = append(out, e)
	}
	for _, id := range o.order {
		e, ok := o.local[id]
		if !ok || (entityType != "" && e.Type != entityType) {
			continue
		}
		if query.Matches(e) {
			out = append(out, Entity{ID: e.ID, Type: e.Type, Data: Clone(e.Data)})
		}
	}
	return out, nil
}
