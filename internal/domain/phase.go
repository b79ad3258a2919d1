package domain

import (
	"database/sql/driver"
	"fmt"
)

// Phase is an ordered sub-stage of IMPORTING.
type Phase string

const (
	PhaseAuthors   Phase = "authors"
	PhaseTerms     Phase = "terms"
	PhaseMedia     Phase = "media"
	PhaseContent   Phase = "content"
	PhaseComments  Phase = "comments"
	PhaseMenus     Phase = "menus"
	PhaseLinkFix   Phase = "link_fix"
	PhaseRedirects Phase = "redirects"
)

// Phases lists every phase in dependency order.
var Phases = []Phase{
	PhaseAuthors,
	PhaseTerms,
	PhaseMedia,
	PhaseContent,
	PhaseComments,
	PhaseMenus,
	PhaseLinkFix,
	PhaseRedirects,
}

// ParsePhase validates a phase string. The empty string is the zero phase.
func ParsePhase(s string) (Phase, error) {
	if s == "" {
		return "", nil
	}
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown phase %q", ErrValidation, s)
}

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Before reports whether p runs strictly before q.
func (p Phase) Before(q Phase) bool {
	return p.Index() < q.Index()
}

// RecordKinds lists the source record kinds a record phase consumes.
// Post-processing phases consume none.
func (p Phase) RecordKinds() []RecordKind {
	switch p {
	case PhaseAuthors:
		return []RecordKind{KindAuthor}
	case PhaseTerms:
		return []RecordKind{KindTerm}
	case PhaseMedia:
		return []RecordKind{KindMedia}
	case PhaseContent:
		return []RecordKind{KindContent}
	case PhaseComments:
		return []RecordKind{KindComment}
	case PhaseMenus:
		return []RecordKind{KindTerm, KindMenuEntry}
	}
	return nil
}

// Value implements driver.Valuer.
func (p Phase) Value() (driver.Value, error) {
	return string(p), nil
}

// Scan implements sql.Scanner and rejects unknown values.
func (p *Phase) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		raw = ""
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Phase", value)
	}
	parsed, err := ParsePhase(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RecordKind tags a normalized source record.
type RecordKind string

const (
	KindAuthor    RecordKind = "author"
	KindTerm      RecordKind = "term"
	KindMedia     RecordKind = "media"
	KindContent   RecordKind = "content"
	KindComment   RecordKind = "comment"
	KindMenuEntry RecordKind = "menu_entry"
)

// AllKinds lists the kinds in phase order.
var AllKinds = []RecordKind{KindAuthor, KindTerm, KindMedia, KindContent, KindComment, KindMenuEntry}

// TaxonomyMenu is the term taxonomy that carries navigation menus.
const TaxonomyMenu = "nav_menu"
