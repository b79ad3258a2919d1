package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/contentport/internal/content"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntityRecord is the row shape of the default content store.
type EntityRecord struct {
	Seq       uint           `gorm:"primaryKey;autoIncrement"`
	ID        string         `gorm:"type:varchar(64);not null;uniqueIndex"`
	Type      string         `gorm:"type:varchar(64);not null;index"`
	Data      datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the database table name for EntityRecord.
func (EntityRecord) TableName() string {
	return "entities"
}

// EntityStore implements content.Store on the application database.
type EntityStore struct {
	db *gorm.DB
}

// NewEntityStore creates a new EntityStore.
func NewEntityStore(db *gorm.DB) *EntityStore {
	return &EntityStore{db: db}
}

var _ content.Store = (*EntityStore)(nil)

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", content.ErrUnavailable, err)
}

// Create persists a new entity with a generated UUID.
func (s *EntityStore) Create(ctx context.Context, entityType string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s entity: %w", entityType, err)
	}
	rec := &EntityRecord{ID: uuid.NewString(), Type: entityType, Data: datatypes.JSON(raw)}
	if err := retryOnBusy(func() error { return s.db.WithContext(ctx).Create(rec).Error }); err != nil {
		return "", unavailable(err)
	}
	return rec.ID, nil
}

// Update merges data into the stored fields.
func (s *EntityStore) Update(ctx context.Context, id string, data map[string]any) error {
	err := retryOnBusy(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec EntityRecord
			if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
				return err
			}
			merged := map[string]any{}
			if len(rec.Data) > 0 {
				if err := json.Unmarshal(rec.Data, &merged); err != nil {
					return fmt.Errorf("decode entity %s: %w", id, err)
				}
			}
			for k, v := range data {
				merged[k] = v
			}
			raw, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("encode entity %s: %w", id, err)
			}
			return tx.Model(&EntityRecord{}).Where("seq = ?", rec.Seq).
				Updates(map[string]interface{}{"data": datatypes.JSON(raw), "updated_at": time.Now()}).Error
		})
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return content.ErrNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Delete removes an entity.
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(func() error {
		res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&EntityRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return content.ErrNotFound
	}
	return nil
}

// Find filters on the JSON data column, oldest first.
func (s *EntityStore) Find(ctx context.Context, entityType string, query content.Query) ([]content.Entity, error) {
	q := s.db.WithContext(ctx).Model(&EntityRecord{})
	if entityType != "" {
		q = q.Where("type = ?", entityType)
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == content.IDKey {
			q = q.Where("id = ?", query[k])
			continue
		}
		q = q.Where(datatypes.JSONQuery("data").Equals(query[k], k))
	}

	var recs []EntityRecord
	if err := q.Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, unavailable(err)
	}

	out := make([]content.Entity, 0, len(recs))
	for _, rec := range recs {
		e := content.Entity{ID: rec.ID, Type: rec.Type, Data: map[string]any{}}
		if len(rec.Data) > 0 {
			if err := json.Unmarshal(rec.Data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode entity %s: %w", rec.ID, err)
			}
		}
		if query.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
