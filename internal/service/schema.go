package service

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

// Target entity types.
const (
	EntityUser     = "user"
	EntityCategory = "category"
	EntityTag      = "tag"
	EntityTerm     = "term"
	EntityMenu     = "menu"
	EntityMedia    = "media"
	EntityPost     = "post"
	EntityPage     = "page"
	EntityComment  = "comment"
	EntityMenuItem = "menu_item"
)

// Import markers stored on every entity the engine writes.
const (
	MarkerLineage    = "_import_lineage"
	MarkerKind       = "_import_kind"
	MarkerExternalID = "_import_external_id"
)

// Schema maps normalized source records onto the target content model.
type Schema struct {
	baseURL  string
	patterns map[string]string
	custom   map[string]bool
}

// NewSchema builds the mapping from target configuration.
func NewSchema(cfg config.TargetConfig) *Schema {
	s := &Schema{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		patterns: config.DefaultURLPatterns(),
		custom:   make(map[string]bool),
	}
	for k, v := range cfg.URLPatterns {
		s.patterns[k] = v
	}
	for _, t := range cfg.ContentTypes {
		s.custom[strings.TrimSpace(t)] = true
	}
	return s
}

// AcceptsContentType reports whether content of a post type can be stored.
func (s *Schema) AcceptsContentType(postType string) bool {
	return postType == EntityPost || postType == EntityPage || postType == "" || s.custom[postType]
}

// EntityType returns the target entity type of a record.
func (s *Schema) EntityType(rec *source.Record) (string, error) {
	switch rec.Kind {
	case domain.KindAuthor:
		return EntityUser, nil
	case domain.KindTerm:
		switch rec.Subtype {
		case "category":
			return EntityCategory, nil
		case "post_tag":
			return EntityTag, nil
		case domain.TaxonomyMenu:
			return EntityMenu, nil
		}
		return EntityTerm, nil
	case domain.KindMedia:
		return EntityMedia, nil
	case domain.KindContent:
		switch rec.Subtype {
		case "", EntityPost:
			return EntityPost, nil
		case EntityPage:
			return EntityPage, nil
		}
		if s.custom[rec.Subtype] {
			return rec.Subtype, nil
		}
		return "", fmt.Errorf("%w: content type %q is not accepted by the target", domain.ErrValidation, rec.Subtype)
	case domain.KindComment:
		return EntityComment, nil
	case domain.KindMenuEntry:
		return EntityMenuItem, nil
	}
	return "", fmt.Errorf("%w: unknown record kind %q", domain.ErrValidation, rec.Kind)
}

// CounterKey returns the job counter an entity type is tallied under.
func CounterKey(entityType string) string {
	switch entityType {
	case EntityPost:
		return domain.CounterPosts
	case EntityPage:
		return domain.CounterPages
	case EntityMedia:
		return domain.CounterMedia
	case EntityCategory:
		return domain.CounterCategories
	case EntityTag:
		return domain.CounterTags
	case EntityTerm:
		return domain.CounterTerms
	case EntityUser:
		return domain.CounterAuthors
	case EntityComment:
		return domain.CounterComments
	case EntityMenu:
		return domain.CounterMenus
	case EntityMenuItem:
		return domain.CounterMenuItems
	}
	return domain.CounterCustom
}

// IsContentType reports whether entities of the type carry rich text
// eligible for link fixing and redirects.
func IsContentType(entityType string) bool {
	switch entityType {
	case EntityUser, EntityCategory, EntityTag, EntityTerm, EntityMenu, EntityMedia, EntityComment, EntityMenuItem:
		return false
	}
	return true
}

// UniqueField names the field that must be unique per entity type, or ""
// when the type has none.
func UniqueField(entityType string) string {
	switch entityType {
	case EntityUser:
		return "email"
	case EntityMedia, EntityComment, EntityMenuItem:
		return ""
	}
	return "slug"
}

// uniqueQuery scopes a unique-key lookup. Generic terms are unique per taxonomy.
func uniqueQuery(entityType, field, value string, data map[string]any) content.Query {
	q := content.Query{field: value}
	if entityType == EntityTerm {
		if tax, ok := data["taxonomy"].(string); ok {
			q["taxonomy"] = tax
		}
	}
	return q
}

// TargetPath returns the target permalink path, or "" when the type has no
// public page.
func (s *Schema) TargetPath(entityType, slug string) string {
	if slug == "" {
		return ""
	}
	pattern, ok := s.patterns[entityType]
	if !ok {
		if !IsContentType(entityType) {
			return ""
		}
		pattern = "/" + entityType + "/{slug}"
	}
	return strings.ReplaceAll(pattern, "{slug}", url.PathEscape(slug))
}

// TargetURL prefixes a path with the target base URL.
func (s *Schema) TargetURL(path string) string {
	if path == "" {
		return ""
	}
	return s.baseURL + path
}

// PathOf strips the target base URL from a target URL.
func (s *Schema) PathOf(targetURL string) string {
	if s.baseURL != "" && strings.HasPrefix(targetURL, s.baseURL) {
		return strings.TrimPrefix(targetURL, s.baseURL)
	}
	if u, err := url.Parse(targetURL); err == nil && u.IsAbs() {
		return u.RequestURI()
	}
	return targetURL
}

// MapStatus translates a source publication status.
func MapStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "publish":
		return "published"
	case "draft", "auto-draft":
		return "draft"
	case "pending":
		return "pending"
	case "private":
		return "private"
	case "future":
		return "scheduled"
	case "trash":
		return "archived"
	case "inherit", "":
		return "published"
	}
	return "draft"
}

// IsDraft reports whether a source status is an unpublished draft.
func IsDraft(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "draft", "auto-draft":
		return true
	}
	return false
}

// Slugify lowercases s and joins runs of letters and digits with dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
