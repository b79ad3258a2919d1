package service

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/sanitize"
	"github.com/timmy/contentport/internal/source"
)

// fallbackEmailDomain completes authors exported without an email.
const fallbackEmailDomain = "imported.local"

// prepared is a record translated into target entity data, before
// references are resolved.
type prepared struct {
	entityType string
	counter    string
	data       map[string]any
	slug       string
	// sourceURL is the record's public URL on the source site; for media
	// it is the file URL.
	sourceURL string

	// skip, when set, ends the record as skipped. skipWarn reports it.
	skip     string
	skipWarn bool

	warnings []string
}

// seoMeta maps well-known SEO plugin metadata onto target fields.
var seoMeta = map[string]string{
	"_yoast_wpseo_title":    "seo_title",
	"_yoast_wpseo_metadesc": "seo_description",
	"rank_math_title":       "seo_title",
	"rank_math_description": "seo_description",
	"_aioseo_title":         "seo_title",
	"_aioseo_description":   "seo_description",
}

// prepare maps a record onto entity data. Errors are validation failures
// of the record.
func prepare(schema *Schema, r *run, rec *source.Record) (*prepared, error) {
	entityType, err := schema.EntityType(rec)
	if err != nil {
		if rec.Kind == domain.KindContent {
			return &prepared{skip: err.Error(), skipWarn: true}, nil
		}
		return nil, err
	}

	p := &prepared{
		entityType: entityType,
		counter:    CounterKey(entityType),
		data: map[string]any{
			MarkerLineage:    r.job.LineageID,
			MarkerKind:       string(rec.Kind),
			MarkerExternalID: rec.ExternalID,
		},
		sourceURL: rec.Link,
	}

	switch rec.Kind {
	case domain.KindAuthor:
		err = p.author(rec)
	case domain.KindTerm:
		err = p.term(rec)
	case domain.KindMedia:
		err = p.media(rec)
	case domain.KindContent:
		err = p.content(rec, r.opts)
	case domain.KindComment:
		err = p.comment(rec)
	case domain.KindMenuEntry:
		p.menuEntry(rec)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *prepared) set(key, value string) {
	if value != "" {
		p.data[key] = value
	}
}

// clean sanitizes a rich text field and stores it.
func (p *prepared) clean(key, value string) {
	if value == "" {
		return
	}
	res := sanitize.HTML(value)
	for _, w := range res.Warnings {
		p.warnings = append(p.warnings, key+": "+w)
	}
	p.data[key] = res.HTML
}

func (p *prepared) author(rec *source.Record) error {
	login := strings.TrimSpace(rec.Field(source.FieldLogin))
	if login == "" {
		login = rec.Key
	}
	if login == "" {
		return fmt.Errorf("%w: author has no login", domain.ErrValidation)
	}
	email := strings.TrimSpace(rec.Field(source.FieldEmail))
	if email == "" {
		email = Slugify(login) + "@" + fallbackEmailDomain
	}
	display := rec.Field(source.FieldDisplayName)
	if display == "" {
		display = login
	}

	p.slug = Slugify(login)
	p.set("login", login)
	p.set("email", strings.ToLower(email))
	p.set("display_name", display)
	p.set("first_name", rec.Field(source.FieldFirstName))
	p.set("last_name", rec.Field(source.FieldLastName))
	p.set("slug", p.slug)
	p.data["role"] = "author"
	return nil
}

func (p *prepared) term(rec *source.Record) error {
	name := strings.TrimSpace(rec.Field(source.FieldName))
	slug := strings.TrimSpace(rec.Field(source.FieldSlug))
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" && slug == "" {
		return fmt.Errorf("%w: term has neither name nor slug", domain.ErrValidation)
	}
	if name == "" {
		name = slug
	}

	p.slug = slug
	p.set("name", name)
	p.set("slug", slug)
	p.clean("description", rec.Field(source.FieldDescription))
	if p.entityType == EntityTerm {
		p.set("taxonomy", rec.Subtype)
	}
	return nil
}

func (p *prepared) media(rec *source.Record) error {
	fileURL := strings.TrimSpace(rec.Field(source.FieldURL))
	if fileURL == "" {
		return fmt.Errorf("%w: media has no file url", domain.ErrValidation)
	}
	mimeType := rec.Field(source.FieldMimeType)
	if mimeType == "" {
		if u, err := url.Parse(fileURL); err == nil {
			mimeType = mime.TypeByExtension(path.Ext(u.Path))
		}
	}

	p.sourceURL = fileURL
	p.slug = rec.Field(source.FieldSlug)
	p.set("title", rec.Field(source.FieldTitle))
	p.set("slug", p.slug)
	p.set("alt_text", rec.Field(source.FieldAltText))
	p.clean("caption", rec.Field(source.FieldExcerpt))
	p.clean("description", rec.Field(source.FieldDescription))
	p.set("mime_type", mimeType)
	p.set("source_url", fileURL)
	p.data["url"] = fileURL
	return nil
}

func (p *prepared) content(rec *source.Record, opts domain.ImportOptions) error {
	if IsDraft(rec.Status) && !opts.IncludeDrafts {
		p.skip = "draft excluded by options"
		return nil
	}

	title := strings.TrimSpace(rec.Field(source.FieldTitle))
	body := rec.Field(source.FieldContent)
	slug := strings.TrimSpace(rec.Field(source.FieldSlug))
	if title == "" && strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: content item has neither title nor body", domain.ErrValidation)
	}
	if slug == "" {
		slug = Slugify(title)
	}
	if slug == "" {
		slug = p.entityType + "-" + Slugify(rec.ExternalID)
	}
	if title == "" {
		p.warnings = append(p.warnings, "title: missing, slug used instead")
		title = slug
	}

	p.slug = slug
	p.set("title", title)
	p.set("slug", slug)
	p.clean("content", body)
	p.clean("excerpt", rec.Field(source.FieldExcerpt))
	p.data["status"] = MapStatus(rec.Status)
	p.set("menu_order", rec.Field(source.FieldOrder))
	if !rec.Date.IsZero() {
		p.data["published_at"] = rec.Date.UTC().Format(time.RFC3339)
	}

	custom := map[string]any{}
	for _, m := range rec.Meta {
		if field, ok := seoMeta[m.Key]; ok {
			if _, set := p.data[field]; !set && m.Value != "" {
				p.data[field] = m.Value
			}
			continue
		}
		if !strings.HasPrefix(m.Key, "_") {
			custom[m.Key] = m.Value
		}
	}
	if len(custom) > 0 {
		p.data["meta"] = custom
	}
	return nil
}

func (p *prepared) comment(rec *source.Record) error {
	body := rec.Field(source.FieldContent)
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: comment is empty", domain.ErrValidation)
	}
	p.clean("content", body)
	p.set("author_name", rec.Field(source.FieldAuthorName))
	p.set("author_email", rec.Field(source.FieldAuthorEmail))
	p.set("author_url", rec.Field(source.FieldURL))
	status := rec.Status
	if status == "" {
		status = "hold"
	}
	p.data["status"] = status
	if !rec.Date.IsZero() {
		p.data["created_at"] = rec.Date.UTC().Format(time.RFC3339)
	}
	return nil
}

func (p *prepared) menuEntry(rec *source.Record) {
	p.set("title", rec.Field(source.FieldTitle))
	p.set("url", rec.Field(source.FieldURL))
	p.set("object_type", rec.Field(source.FieldObjectType))
	p.set("menu_order", rec.Field(source.FieldOrder))
}

// refField names the entity field a resolved reference is stored in.
func refField(kind domain.RecordKind, role string) string {
	switch role {
	case source.RoleAuthor:
		if kind == domain.KindComment {
			return "user"
		}
		return "author"
	case source.RoleFeaturedMedia:
		return "featured_image"
	}
	return role
}

// refOutcome is what resolving a record's references decided.
type refOutcome struct {
	deferred bool
	skip     string
	err      error
	warnings []string
}

// resolveRefs replaces external references with target entity ids in
// p.data. References into the running phase are deferred on the first
// pass; on the final pass they are settled.
func resolveRefs(r *run, phase domain.Phase, rec *source.Record, p *prepared, final bool) refOutcome {
	var out refOutcome
	multi := map[string][]string{}

	for _, ref := range rec.Refs {
		field := refField(rec.Kind, ref.Role)
		entry, ok := lookupRef(r.target.idmap, ref)
		if ok {
			if ref.Multi {
				multi[field] = append(multi[field], entry.EntityID)
			} else {
				p.data[field] = entry.EntityID
			}
			continue
		}

		switch {
		case r.excluded(ref.Kind):
			continue
		case refUnavailable(r, ref):
			if ref.Required {
				out.skip = fmt.Sprintf("referenced %s %s was not imported", ref.Kind, refName(ref))
				return out
			}
			out.warnings = append(out.warnings, fmt.Sprintf("%s: referenced %s %s was not imported", field, ref.Kind, refName(ref)))
		case !final && inPhase(phase, ref.Kind):
			out.deferred = true
		case ref.Required:
			out.err = &domain.RecordError{
				Class:      domain.ClassReference,
				Kind:       rec.Kind,
				ExternalID: rec.ExternalID,
				Err:        fmt.Errorf("%w: %s %s %s", domain.ErrUnresolved, field, ref.Kind, refName(ref)),
			}
		default:
			out.warnings = append(out.warnings, fmt.Sprintf("%s: unresolved %s %s dropped", field, ref.Kind, refName(ref)))
		}
	}

	if out.deferred {
		return refOutcome{deferred: true}
	}
	for field, ids := range multi {
		p.data[field] = ids
	}
	return out
}

func lookupRef(m *IdentifierMap, ref source.Ref) (domain.IDMapEntry, bool) {
	if ref.ID != "" {
		if e, ok := m.Lookup(ref.Kind, ref.ID); ok {
			return e, true
		}
	}
	if ref.Key != "" {
		return m.LookupKey(ref.Kind, ref.Key)
	}
	return domain.IDMapEntry{}, false
}

func refUnavailable(r *run, ref source.Ref) bool {
	if ref.ID != "" && r.isUnavailable(ref.Kind, ref.ID) {
		return true
	}
	return ref.Key != "" && r.isUnavailable(ref.Kind, keyPrefix+ref.Key)
}

// keyPrefix distinguishes natural keys from ids in the unavailable set.
const keyPrefix = "#"

func refName(ref source.Ref) string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.Key
}

func inPhase(phase domain.Phase, kind domain.RecordKind) bool {
	for _, k := range phase.RecordKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// belongsTo reports whether a streamed record is handled by phase. Terms
// are read by two phases: navigation menus go to the menus phase.
func belongsTo(phase domain.Phase, rec *source.Record) bool {
	switch phase {
	case domain.PhaseTerms:
		return rec.Kind == domain.KindTerm && rec.Subtype != domain.TaxonomyMenu
	case domain.PhaseMenus:
		return rec.Kind == domain.KindMenuEntry || (rec.Kind == domain.KindTerm && rec.Subtype == domain.TaxonomyMenu)
	}
	return inPhase(phase, rec.Kind)
}
