package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/timmy/contentport/internal/domain"
)

// Well-known field names of a normalized record.
const (
	FieldTitle       = "title"
	FieldSlug        = "slug"
	FieldContent     = "content"
	FieldExcerpt     = "excerpt"
	FieldLogin       = "login"
	FieldEmail       = "email"
	FieldDisplayName = "display_name"
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
	FieldName        = "name"
	FieldDescription = "description"
	FieldURL         = "url"
	FieldMimeType    = "mime_type"
	FieldAltText     = "alt_text"
	FieldAuthorName  = "author_name"
	FieldAuthorEmail = "author_email"
	FieldOrder       = "order"
	FieldObjectType  = "object_type"
)

// Reference roles.
const (
	RoleAuthor        = "author"
	RoleParent        = "parent"
	RoleFeaturedMedia = "featured_media"
	RoleCategory      = "categories"
	RoleTag           = "tags"
	RoleTerm          = "terms"
	RolePost          = "post"
	RoleMenu          = "menu"
	RoleObject        = "object"
)

// Ref is a cross-reference from one record to another, by external id or by
// natural key (login for authors, taxonomy:slug for terms).
type Ref struct {
	Role     string            `json:"role"`
	Kind     domain.RecordKind `json:"kind"`
	ID       string            `json:"id,omitempty"`
	Key      string            `json:"key,omitempty"`
	Required bool              `json:"required,omitempty"`
	// Multi collects every resolved ref of the role into a list.
	Multi bool `json:"multi,omitempty"`
}

// Meta is one attached metadata pair.
type Meta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is the normalized shape of every source record regardless of origin.
type Record struct {
	Kind       domain.RecordKind `json:"kind"`
	ExternalID string            `json:"external_id"`
	// Subtype is the post type for content, the taxonomy for terms.
	Subtype string `json:"subtype,omitempty"`
	Status  string `json:"status,omitempty"`
	// Key is the natural key other records may reference this one by.
	Key    string            `json:"key,omitempty"`
	Link   string            `json:"link,omitempty"`
	GUID   string            `json:"guid,omitempty"`
	Date   time.Time         `json:"date,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Meta   []Meta            `json:"meta,omitempty"`
	Refs   []Ref             `json:"refs,omitempty"`

	hash string
}

// Field returns a raw field value.
func (r *Record) Field(name string) string {
	return r.Fields[name]
}

// SetField sets a raw field, allocating the map when needed.
func (r *Record) SetField(name, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[name] = value
}

// MetaValue returns the first metadata value for key.
func (r *Record) MetaValue(key string) (string, bool) {
	for _, m := range r.Meta {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// AddRef appends a reference when it points somewhere.
func (r *Record) AddRef(ref Ref) {
	if ref.ID == "" && ref.Key == "" {
		return
	}
	if ref.ID == "0" && ref.Key == "" {
		return
	}
	r.Refs = append(r.Refs, ref)
}

// Size approximates the record's payload in bytes.
func (r *Record) Size() int64 {
	var n int64
	for k, v := range r.Fields {
		n += int64(len(k) + len(v))
	}
	for _, m := range r.Meta {
		n += int64(len(m.Key) + len(m.Value))
	}
	return n
}

// Hash returns a stable content digest of the record, independent of field
// and metadata ordering in the source.
func (r *Record) Hash() string {
	if r.hash != "" {
		return r.hash
	}
	meta := append([]Meta(nil), r.Meta...)
	sort.SliceStable(meta, func(i, j int) bool {
		if meta[i].Key != meta[j].Key {
			return meta[i].Key < meta[j].Key
		}
		return meta[i].Value < meta[j].Value
	})
	refs := append([]Ref(nil), r.Refs...)
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		return a.Role+"\x00"+a.ID+"\x00"+a.Key < b.Role+"\x00"+b.ID+"\x00"+b.Key
	})
	canonical := struct {
		Kind    domain.RecordKind `json:"k"`
		ID      string            `json:"i"`
		Subtype string            `json:"t"`
		Status  string            `json:"s"`
		Link    string            `json:"l"`
		Fields  map[string]string `json:"f"`
		Meta    []Meta            `json:"m"`
		Refs    []Ref             `json:"r"`
	}{r.Kind, r.ExternalID, r.Subtype, r.Status, r.Link, r.Fields, meta, refs}

	// encoding/json sorts map keys.
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	r.hash = hex.EncodeToString(sum[:])
	return r.hash
}

// TermKey builds the natural key of a term.
func TermKey(taxonomy, slug string) string {
	return taxonomy + ":" + strings.ToLower(slug)
}
