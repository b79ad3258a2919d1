package wxr

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

const (
	nsContent  = "http://purl.org/rss/1.0/modules/content/"
	wpDateTime = "2006-01-02 15:04:05"
)

type wxrAuthor struct {
	ID          string `xml:"author_id"`
	Login       string `xml:"author_login"`
	Email       string `xml:"author_email"`
	DisplayName string `xml:"author_display_name"`
	FirstName   string `xml:"author_first_name"`
	LastName    string `xml:"author_last_name"`
}

type wxrCategory struct {
	TermID      string `xml:"term_id"`
	Slug        string `xml:"category_nicename"`
	Parent      string `xml:"category_parent"`
	Name        string `xml:"cat_name"`
	Description string `xml:"category_description"`
}

type wxrTag struct {
	TermID      string `xml:"term_id"`
	Slug        string `xml:"tag_slug"`
	Name        string `xml:"tag_name"`
	Description string `xml:"tag_description"`
}

type wxrTerm struct {
	TermID      string `xml:"term_id"`
	Taxonomy    string `xml:"term_taxonomy"`
	Slug        string `xml:"term_slug"`
	Parent      string `xml:"term_parent"`
	Name        string `xml:"term_name"`
	Description string `xml:"term_description"`
}

// nsText keeps the element name so content:encoded and excerpt:encoded,
// which share a local name, can be told apart.
type nsText struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type wxrItemTerm struct {
	Domain   string `xml:"domain,attr"`
	Nicename string `xml:"nicename,attr"`
	Name     string `xml:",chardata"`
}

type wxrMeta struct {
	Key   string `xml:"meta_key"`
	Value string `xml:"meta_value"`
}

type wxrComment struct {
	ID          string    `xml:"comment_id"`
	Author      string    `xml:"comment_author"`
	AuthorEmail string    `xml:"comment_author_email"`
	AuthorURL   string    `xml:"comment_author_url"`
	DateGMT     string    `xml:"comment_date_gmt"`
	Content     string    `xml:"comment_content"`
	Approved    string    `xml:"comment_approved"`
	Type        string    `xml:"comment_type"`
	Parent      string    `xml:"comment_parent"`
	UserID      string    `xml:"comment_user_id"`
	Meta        []wxrMeta `xml:"commentmeta"`
}

type wxrItem struct {
	Title         string        `xml:"title"`
	Link          string        `xml:"link"`
	Creator       string        `xml:"creator"`
	GUID          string        `xml:"guid"`
	Encoded       []nsText      `xml:"encoded"`
	PostID        string        `xml:"post_id"`
	PostDateGMT   string        `xml:"post_date_gmt"`
	PostName      string        `xml:"post_name"`
	Status        string        `xml:"status"`
	PostParent    string        `xml:"post_parent"`
	MenuOrder     string        `xml:"menu_order"`
	PostType      string        `xml:"post_type"`
	AttachmentURL string        `xml:"attachment_url"`
	Terms         []wxrItemTerm `xml:"category"`
	Meta          []wxrMeta     `xml:"postmeta"`
	Comments      []wxrComment  `xml:"comment"`
}

// elementKinds lists the record kinds a channel child can produce.
func elementKinds(local string) []domain.RecordKind {
	switch local {
	case "author":
		return []domain.RecordKind{domain.KindAuthor}
	case "category", "tag", "term":
		return []domain.RecordKind{domain.KindTerm}
	case "item":
		return []domain.RecordKind{domain.KindContent, domain.KindMedia, domain.KindMenuEntry, domain.KindComment}
	}
	return nil
}

// decodeElement consumes one channel child and returns its records in
// document order. Unknown elements are skipped.
func decodeElement(dec *xml.Decoder, start xml.StartElement) ([]*source.Record, error) {
	switch start.Name.Local {
	case "author":
		var a wxrAuthor
		if err := dec.DecodeElement(&a, &start); err != nil {
			return nil, err
		}
		return []*source.Record{authorRecord(a)}, nil
	case "category":
		var c wxrCategory
		if err := dec.DecodeElement(&c, &start); err != nil {
			return nil, err
		}
		return []*source.Record{termRecord(wxrTerm{
			TermID: c.TermID, Taxonomy: "category", Slug: c.Slug,
			Parent: c.Parent, Name: c.Name, Description: c.Description,
		})}, nil
	case "tag":
		var t wxrTag
		if err := dec.DecodeElement(&t, &start); err != nil {
			return nil, err
		}
		return []*source.Record{termRecord(wxrTerm{
			TermID: t.TermID, Taxonomy: "post_tag", Slug: t.Slug,
			Name: t.Name, Description: t.Description,
		})}, nil
	case "term":
		var t wxrTerm
		if err := dec.DecodeElement(&t, &start); err != nil {
			return nil, err
		}
		return []*source.Record{termRecord(t)}, nil
	case "item":
		var it wxrItem
		if err := dec.DecodeElement(&it, &start); err != nil {
			return nil, err
		}
		return itemRecords(it), nil
	}
	return nil, dec.Skip()
}

func authorRecord(a wxrAuthor) *source.Record {
	login := strings.TrimSpace(a.Login)
	id := strings.TrimSpace(a.ID)
	if id == "" {
		id = login
	}
	rec := &source.Record{Kind: domain.KindAuthor, ExternalID: id, Key: login}
	rec.SetField(source.FieldLogin, login)
	rec.SetField(source.FieldSlug, login)
	rec.SetField(source.FieldEmail, strings.TrimSpace(a.Email))
	rec.SetField(source.FieldDisplayName, a.DisplayName)
	rec.SetField(source.FieldFirstName, a.FirstName)
	rec.SetField(source.FieldLastName, a.LastName)
	return rec
}

func termRecord(t wxrTerm) *source.Record {
	slug := strings.TrimSpace(t.Slug)
	id := strings.TrimSpace(t.TermID)
	if id == "" {
		id = source.TermKey(t.Taxonomy, slug)
	}
	rec := &source.Record{
		Kind:       domain.KindTerm,
		ExternalID: id,
		Subtype:    t.Taxonomy,
		Key:        source.TermKey(t.Taxonomy, slug),
	}
	rec.SetField(source.FieldName, t.Name)
	rec.SetField(source.FieldSlug, slug)
	rec.SetField(source.FieldDescription, t.Description)
	if p := strings.TrimSpace(t.Parent); p != "" {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindTerm, Key: source.TermKey(t.Taxonomy, p)})
	}
	return rec
}

func itemRecords(it wxrItem) []*source.Record {
	var content, excerpt string
	for _, e := range it.Encoded {
		if e.XMLName.Space == nsContent || e.XMLName.Space == "content" {
			content = e.Value
		} else {
			excerpt = e.Value
		}
	}

	id := strings.TrimSpace(it.PostID)
	base := source.Record{
		ExternalID: id,
		Subtype:    strings.TrimSpace(it.PostType),
		Status:     strings.TrimSpace(it.Status),
		Link:       strings.TrimSpace(it.Link),
		GUID:       strings.TrimSpace(it.GUID),
		Date:       parseDate(it.PostDateGMT),
	}
	for _, m := range it.Meta {
		base.Meta = append(base.Meta, source.Meta{Key: m.Key, Value: m.Value})
	}

	var rec *source.Record
	switch base.Subtype {
	case "attachment":
		rec = &base
		rec.Kind = domain.KindMedia
		rec.Subtype = ""
		rec.SetField(source.FieldTitle, it.Title)
		rec.SetField(source.FieldSlug, it.PostName)
		url := strings.TrimSpace(it.AttachmentURL)
		if url == "" {
			url = rec.GUID
		}
		rec.SetField(source.FieldURL, url)
		rec.SetField(source.FieldDescription, content)
		rec.SetField(source.FieldExcerpt, excerpt)
		if alt, ok := rec.MetaValue("_wp_attachment_image_alt"); ok {
			rec.SetField(source.FieldAltText, alt)
		}
	case "nav_menu_item":
		rec = &base
		rec.Kind = domain.KindMenuEntry
		rec.Subtype = ""
		menuEntryFields(rec, it)
	default:
		rec = &base
		rec.Kind = domain.KindContent
		rec.SetField(source.FieldTitle, it.Title)
		rec.SetField(source.FieldSlug, it.PostName)
		rec.SetField(source.FieldContent, content)
		rec.SetField(source.FieldExcerpt, excerpt)
		rec.SetField(source.FieldOrder, it.MenuOrder)
		if login := strings.TrimSpace(it.Creator); login != "" {
			rec.AddRef(source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, Key: login, Required: true})
		}
		if p := strings.TrimSpace(it.PostParent); p != "" && p != "0" {
			rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindContent, ID: p})
		}
		if thumb, ok := rec.MetaValue("_thumbnail_id"); ok {
			rec.AddRef(source.Ref{Role: source.RoleFeaturedMedia, Kind: domain.KindMedia, ID: strings.TrimSpace(thumb)})
		}
		for _, t := range it.Terms {
			rec.AddRef(itemTermRef(t))
		}
	}

	out := []*source.Record{rec}
	if rec.Kind != domain.KindContent {
		return out
	}
	for _, c := range it.Comments {
		out = append(out, commentRecord(id, c))
	}
	return out
}

func menuEntryFields(rec *source.Record, it wxrItem) {
	meta := func(k string) string {
		v, _ := rec.MetaValue(k)
		return strings.TrimSpace(v)
	}
	rec.SetField(source.FieldTitle, it.Title)
	rec.SetField(source.FieldOrder, it.MenuOrder)
	rec.SetField(source.FieldURL, meta("_menu_item_url"))
	rec.SetField(source.FieldObjectType, meta("_menu_item_object"))

	for _, t := range it.Terms {
		if t.Domain == domain.TaxonomyMenu {
			rec.AddRef(source.Ref{
				Role: source.RoleMenu, Kind: domain.KindTerm,
				Key: source.TermKey(domain.TaxonomyMenu, t.Nicename), Required: true,
			})
		}
	}
	if p := meta("_menu_item_menu_item_parent"); p != "" && p != "0" {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindMenuEntry, ID: p})
	}
	objectID := meta("_menu_item_object_id")
	switch meta("_menu_item_type") {
	case "post_type":
		rec.AddRef(source.Ref{Role: source.RoleObject, Kind: domain.KindContent, ID: objectID})
	case "taxonomy":
		rec.AddRef(source.Ref{Role: source.RoleObject, Kind: domain.KindTerm, ID: objectID})
	}
}

func itemTermRef(t wxrItemTerm) source.Ref {
	ref := source.Ref{Kind: domain.KindTerm, Key: source.TermKey(t.Domain, t.Nicename), Multi: true}
	switch t.Domain {
	case "category":
		ref.Role = source.RoleCategory
	case "post_tag":
		ref.Role = source.RoleTag
	default:
		ref.Role = source.RoleTerm
	}
	return ref
}

func commentRecord(postID string, c wxrComment) *source.Record {
	rec := &source.Record{
		Kind:       domain.KindComment,
		ExternalID: strings.TrimSpace(c.ID),
		Subtype:    strings.TrimSpace(c.Type),
		Status:     commentStatus(c.Approved),
		Date:       parseDate(c.DateGMT),
	}
	rec.SetField(source.FieldContent, c.Content)
	rec.SetField(source.FieldAuthorName, c.Author)
	rec.SetField(source.FieldAuthorEmail, strings.TrimSpace(c.AuthorEmail))
	rec.SetField(source.FieldURL, strings.TrimSpace(c.AuthorURL))
	for _, m := range c.Meta {
		rec.Meta = append(rec.Meta, source.Meta{Key: m.Key, Value: m.Value})
	}
	rec.AddRef(source.Ref{Role: source.RolePost, Kind: domain.KindContent, ID: postID, Required: true})
	if p := strings.TrimSpace(c.Parent); p != "" && p != "0" {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindComment, ID: p})
	}
	if u := strings.TrimSpace(c.UserID); u != "" && u != "0" {
		rec.AddRef(source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, ID: u})
	}
	return rec
}

func commentStatus(approved string) string {
	switch strings.TrimSpace(approved) {
	case "1", "approve", "approved":
		return "approved"
	case "spam":
		return "spam"
	case "trash":
		return "trash"
	}
	return "hold"
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000") {
		return time.Time{}
	}
	t, err := time.Parse(wpDateTime, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
