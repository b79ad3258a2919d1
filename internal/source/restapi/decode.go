package restapi

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

const apiDateTime = "2006-01-02T15:04:05"

// endpoint is one collection in read order.
type endpoint struct {
	path      string
	kind      domain.RecordKind
	optional  bool
	statusAny bool
	modified  bool
	decode    func(json.RawMessage) (*source.Record, error)
}

// endpointsFor returns the fixed read order. Custom content types follow pages.
// Positions index into this slice, so the order must not change between
// runs of a job.
func endpointsFor(customTypes []string) []endpoint {
	eps := []endpoint{
		{path: "users", kind: domain.KindAuthor, decode: decodeUser},
		{path: "categories", kind: domain.KindTerm, decode: decodeTerm("category")},
		{path: "tags", kind: domain.KindTerm, decode: decodeTerm("post_tag")},
		{path: "menus", kind: domain.KindTerm, optional: true, decode: decodeTerm(domain.TaxonomyMenu)},
		{path: "media", kind: domain.KindMedia, modified: true, decode: decodeMedia},
		{path: "posts", kind: domain.KindContent, statusAny: true, modified: true, decode: decodeContent},
		{path: "pages", kind: domain.KindContent, statusAny: true, modified: true, decode: decodeContent},
	}
	for _, t := range customTypes {
		t = strings.Trim(strings.TrimSpace(t), "/")
		if t == "" {
			continue
		}
		eps = append(eps, endpoint{path: t, kind: domain.KindContent, statusAny: true, modified: true, decode: decodeContent})
	}
	return append(eps,
		endpoint{path: "comments", kind: domain.KindComment, decode: decodeComment},
		endpoint{path: "menu-items", kind: domain.KindMenuEntry, optional: true, decode: decodeMenuItem},
	)
}

// text is a rendered/raw pair. Raw is only present with context=edit.
type text struct {
	Raw      string `json:"raw"`
	Rendered string `json:"rendered"`
}

func (t text) String() string {
	if t.Raw != "" {
		return t.Raw
	}
	return t.Rendered
}

// plain is String with entities decoded, for titles.
func (t text) plain() string {
	if t.Raw != "" {
		return t.Raw
	}
	return html.UnescapeString(t.Rendered)
}

func id(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseDate(s string) time.Time {
	t, err := time.Parse(apiDateTime, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type apiUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

func decodeUser(raw json.RawMessage) (*source.Record, error) {
	var u apiUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	login := u.Username
	if login == "" {
		login = u.Slug
	}
	rec := &source.Record{Kind: domain.KindAuthor, ExternalID: id(u.ID), Key: login, Link: u.Link}
	rec.SetField(source.FieldLogin, login)
	rec.SetField(source.FieldSlug, u.Slug)
	rec.SetField(source.FieldEmail, u.Email)
	rec.SetField(source.FieldDisplayName, u.Name)
	rec.SetField(source.FieldFirstName, u.FirstName)
	rec.SetField(source.FieldLastName, u.LastName)
	rec.SetField(source.FieldDescription, u.Description)
	return rec, nil
}

type apiTerm struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Parent      int64  `json:"parent"`
	Link        string `json:"link"`
	Taxonomy    string `json:"taxonomy"`
}

// decodeTerm decodes a term collection. Term ids are unique across taxonomies.
func decodeTerm(taxonomy string) func(json.RawMessage) (*source.Record, error) {
	return func(raw json.RawMessage) (*source.Record, error) {
		var t apiTerm
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		tax := t.Taxonomy
		if tax == "" {
			tax = taxonomy
		}
		rec := &source.Record{
			Kind:       domain.KindTerm,
			ExternalID: id(t.ID),
			Subtype:    tax,
			Key:        source.TermKey(tax, t.Slug),
			Link:       t.Link,
		}
		rec.SetField(source.FieldName, html.UnescapeString(t.Name))
		rec.SetField(source.FieldSlug, t.Slug)
		rec.SetField(source.FieldDescription, t.Description)
		if t.Parent > 0 {
			rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindTerm, ID: id(t.Parent)})
		}
		return rec, nil
	}
}

type apiMedia struct {
	ID        int64  `json:"id"`
	Date      string `json:"date_gmt"`
	Slug      string `json:"slug"`
	Status    string `json:"status"`
	Link      string `json:"link"`
	GUID      text   `json:"guid"`
	Title     text   `json:"title"`
	Caption   text   `json:"caption"`
	AltText   string `json:"alt_text"`
	MimeType  string `json:"mime_type"`
	SourceURL string `json:"source_url"`
	Author    int64  `json:"author"`
	Post      int64  `json:"post"`
}

func decodeMedia(raw json.RawMessage) (*source.Record, error) {
	var m apiMedia
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	rec := &source.Record{
		Kind:       domain.KindMedia,
		ExternalID: id(m.ID),
		Status:     m.Status,
		Link:       m.Link,
		GUID:       m.GUID.String(),
		Date:       parseDate(m.Date),
	}
	rec.SetField(source.FieldTitle, m.Title.plain())
	rec.SetField(source.FieldSlug, m.Slug)
	rec.SetField(source.FieldURL, m.SourceURL)
	rec.SetField(source.FieldMimeType, m.MimeType)
	rec.SetField(source.FieldAltText, m.AltText)
	rec.SetField(source.FieldExcerpt, m.Caption.String())
	return rec, nil
}

type apiContent struct {
	ID            int64           `json:"id"`
	Date          string          `json:"date_gmt"`
	Slug          string          `json:"slug"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	Link          string          `json:"link"`
	GUID          text            `json:"guid"`
	Title         text            `json:"title"`
	Content       text            `json:"content"`
	Excerpt       text            `json:"excerpt"`
	Author        int64           `json:"author"`
	Parent        int64           `json:"parent"`
	FeaturedMedia int64           `json:"featured_media"`
	MenuOrder     int             `json:"menu_order"`
	Categories    []int64         `json:"categories"`
	Tags          []int64         `json:"tags"`
	Meta          json.RawMessage `json:"meta"`
	Yoast         *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"yoast_head_json"`
}

func decodeContent(raw json.RawMessage) (*source.Record, error) {
	var c apiContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	rec := &source.Record{
		Kind:       domain.KindContent,
		ExternalID: id(c.ID),
		Subtype:    c.Type,
		Status:     c.Status,
		Link:       c.Link,
		GUID:       c.GUID.String(),
		Date:       parseDate(c.Date),
		Meta:       decodeMeta(c.Meta),
	}
	rec.SetField(source.FieldTitle, c.Title.plain())
	rec.SetField(source.FieldSlug, c.Slug)
	rec.SetField(source.FieldContent, c.Content.String())
	rec.SetField(source.FieldExcerpt, c.Excerpt.String())
	rec.SetField(source.FieldOrder, strconv.Itoa(c.MenuOrder))
	if c.Yoast != nil {
		if c.Yoast.Title != "" {
			rec.Meta = append(rec.Meta, source.Meta{Key: "_yoast_wpseo_title", Value: c.Yoast.Title})
		}
		if c.Yoast.Description != "" {
			rec.Meta = append(rec.Meta, source.Meta{Key: "_yoast_wpseo_metadesc", Value: c.Yoast.Description})
		}
	}

	if c.Author > 0 {
		rec.AddRef(source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, ID: id(c.Author), Required: true})
	}
	if c.Parent > 0 {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindContent, ID: id(c.Parent)})
	}
	if c.FeaturedMedia > 0 {
		rec.AddRef(source.Ref{Role: source.RoleFeaturedMedia, Kind: domain.KindMedia, ID: id(c.FeaturedMedia)})
	}
	for _, t := range c.Categories {
		rec.AddRef(source.Ref{Role: source.RoleCategory, Kind: domain.KindTerm, ID: id(t), Multi: true})
	}
	for _, t := range c.Tags {
		rec.AddRef(source.Ref{Role: source.RoleTag, Kind: domain.KindTerm, ID: id(t), Multi: true})
	}
	return rec, nil
}

// decodeMeta flattens the registered-meta object. Sites without
// registered meta send an empty array instead of an object.
func decodeMeta(raw json.RawMessage) []source.Meta {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]source.Meta, 0, len(keys))
	for _, k := range keys {
		switch v := obj[k].(type) {
		case nil:
		case string:
			out = append(out, source.Meta{Key: k, Value: v})
		case []any:
			for _, item := range v {
				out = append(out, source.Meta{Key: k, Value: fmt.Sprint(item)})
			}
		default:
			b, _ := json.Marshal(v)
			out = append(out, source.Meta{Key: k, Value: string(b)})
		}
	}
	return out
}

type apiComment struct {
	ID          int64  `json:"id"`
	Post        int64  `json:"post"`
	Parent      int64  `json:"parent"`
	Author      int64  `json:"author"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	AuthorURL   string `json:"author_url"`
	Date        string `json:"date_gmt"`
	Content     text   `json:"content"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Link        string `json:"link"`
}

func decodeComment(raw json.RawMessage) (*source.Record, error) {
	var c apiComment
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	status := c.Status
	if status == "approve" {
		status = "approved"
	}
	rec := &source.Record{
		Kind:       domain.KindComment,
		ExternalID: id(c.ID),
		Subtype:    c.Type,
		Status:     status,
		Date:       parseDate(c.Date),
	}
	rec.SetField(source.FieldContent, c.Content.String())
	rec.SetField(source.FieldAuthorName, c.AuthorName)
	rec.SetField(source.FieldAuthorEmail, c.AuthorEmail)
	rec.SetField(source.FieldURL, c.AuthorURL)
	rec.AddRef(source.Ref{Role: source.RolePost, Kind: domain.KindContent, ID: id(c.Post), Required: true})
	if c.Parent > 0 {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindComment, ID: id(c.Parent)})
	}
	if c.Author > 0 {
		rec.AddRef(source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, ID: id(c.Author)})
	}
	return rec, nil
}

type apiMenuItem struct {
	ID        int64  `json:"id"`
	Title     text   `json:"title"`
	URL       string `json:"url"`
	MenuOrder int    `json:"menu_order"`
	Parent    int64  `json:"parent"`
	Menus     int64  `json:"menus"`
	Object    string `json:"object"`
	ObjectID  int64  `json:"object_id"`
	Type      string `json:"type"`
}

func decodeMenuItem(raw json.RawMessage) (*source.Record, error) {
	var m apiMenuItem
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	rec := &source.Record{Kind: domain.KindMenuEntry, ExternalID: id(m.ID)}
	rec.SetField(source.FieldTitle, m.Title.plain())
	rec.SetField(source.FieldURL, m.URL)
	rec.SetField(source.FieldOrder, strconv.Itoa(m.MenuOrder))
	rec.SetField(source.FieldObjectType, m.Object)
	if m.Menus > 0 {
		rec.AddRef(source.Ref{Role: source.RoleMenu, Kind: domain.KindTerm, ID: id(m.Menus), Required: true})
	}
	if m.Parent > 0 {
		rec.AddRef(source.Ref{Role: source.RoleParent, Kind: domain.KindMenuEntry, ID: id(m.Parent)})
	}
	if m.ObjectID > 0 {
		switch m.Type {
		case "post_type":
			rec.AddRef(source.Ref{Role: source.RoleObject, Kind: domain.KindContent, ID: id(m.ObjectID)})
		case "taxonomy":
			rec.AddRef(source.Ref{Role: source.RoleObject, Kind: domain.KindTerm, ID: id(m.ObjectID)})
		}
	}
	return rec, nil
}
