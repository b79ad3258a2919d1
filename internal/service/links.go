package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
)

// sizeSuffix matches the dimension suffix of a resized image, as in
// photo-300x200.jpg.
var sizeSuffix = regexp.MustCompile(`-\d+x\d+(\.[A-Za-z0-9]+)$`)

// idParams maps query-string permalinks onto the kind they address.
var idParams = []struct {
	param string
	kind  domain.RecordKind
}{
	{"p", domain.KindContent},
	{"page_id", domain.KindContent},
	{"attachment_id", domain.KindMedia},
	{"cat", domain.KindTerm},
}

// LinkFixResult is the outcome of fixing one HTML fragment.
type LinkFixResult struct {
	HTML       string
	Fixed      int
	Unresolved []string
}

// LinkFixer rewrites links that point into the source site so they point at
// the imported entities instead.
type LinkFixer struct {
	base  *url.URL
	hosts map[string]bool
	idmap *IdentifierMap
}

// NewLinkFixer creates a fixer for links into siteURL. extraURLs name more
// hosts of the same site, such as a separate home URL.
func NewLinkFixer(idmap *IdentifierMap, siteURL string, extraURLs ...string) *LinkFixer {
	f := &LinkFixer{hosts: make(map[string]bool), idmap: idmap}
	for _, raw := range append([]string{siteURL}, extraURLs...) {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		if f.base == nil {
			f.base = u
		}
		f.hosts[bareHost(u.Host)] = true
	}
	return f
}

func bareHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// Fix rewrites href, src and srcset attributes of html. The fragment is
// re-serialized only when a link changed.
func (f *LinkFixer) Fix(html string) (LinkFixResult, error) {
	res := LinkFixResult{HTML: html}
	if f.base == nil || !strings.Contains(html, "<") {
		return res, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return res, fmt.Errorf("parse html: %w", err)
	}

	rewrite := func(raw string) string {
		fixed, ours, ok := f.resolve(raw)
		switch {
		case ok:
			res.Fixed++
			return fixed
		case ours:
			res.Unresolved = append(res.Unresolved, raw)
		}
		return raw
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if fixed := rewrite(href); fixed != href {
			s.SetAttr("href", fixed)
		}
	})
	doc.Find("img[src], source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if fixed := rewrite(src); fixed != src {
			s.SetAttr("src", fixed)
		}
	})
	doc.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		srcset, _ := s.Attr("srcset")
		candidates := strings.Split(srcset, ",")
		changed := false
		for i, c := range candidates {
			parts := strings.Fields(c)
			if len(parts) == 0 {
				continue
			}
			if fixed := rewrite(parts[0]); fixed != parts[0] {
				parts[0] = fixed
				candidates[i] = strings.Join(parts, " ")
				changed = true
			}
		}
		if changed {
			s.SetAttr("srcset", strings.Join(candidates, ", "))
		}
	})

	if res.Fixed == 0 {
		return res, nil
	}
	out, err := doc.Find("body").Html()
	if err != nil {
		return res, fmt.Errorf("render html: %w", err)
	}
	res.HTML = out
	return res, nil
}

// resolve maps one link. ours reports whether the link points into the
// source site; ok whether a target was found.
func (f *LinkFixer) resolve(raw string) (target string, ours, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, false
	}
	switch {
	case u.Host != "":
		if !f.hosts[bareHost(u.Host)] {
			return "", false, false
		}
	case u.Scheme == "" && strings.HasPrefix(u.Path, "/"):
		u = f.base.ResolveReference(u)
	default:
		return "", false, false
	}
	if (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		return "", false, false
	}

	fragment := u.Fragment
	u.Fragment = ""
	entry, found := f.lookup(u)
	if !found || entry.TargetURL == "" {
		return "", true, false
	}
	target = entry.TargetURL
	if fragment != "" {
		target += "#" + fragment
	}
	return target, true, true
}

func (f *LinkFixer) lookup(u *url.URL) (domain.IDMapEntry, bool) {
	q := u.Query()
	for _, p := range idParams {
		if id := q.Get(p.param); id != "" {
			if e, ok := f.idmap.Lookup(p.kind, id); ok {
				return e, true
			}
		}
	}
	if e, ok := f.idmap.LookupURL(u.String()); ok {
		return e, true
	}
	if m := sizeSuffix.FindStringSubmatch(u.Path); m != nil {
		full := *u
		full.Path = strings.TrimSuffix(u.Path, m[0]) + m[1]
		full.RawPath = ""
		return f.idmap.LookupURL(full.String())
	}
	return domain.IDMapEntry{}, false
}

// linkFields are the rich text fields scanned for links.
var linkFields = []string{"content", "excerpt"}

// fixLinks rewrites source-site links inside the content this job wrote.
func (im *Importer) fixLinks(ctx context.Context, r *run) error {
	cp, err := r.target.checkpoints.Begin(ctx, domain.PhaseLinkFix)
	if err != nil {
		return err
	}
	if cp.Finished() {
		return nil
	}

	var extra []string
	siteURL := r.job.Descriptor().URL
	if r.site != nil {
		if r.site.URL != "" {
			extra = append(extra, siteURL)
			siteURL = r.site.URL
		}
		extra = append(extra, r.site.BaseURL)
	}
	fixer := NewLinkFixer(r.target.idmap, siteURL, extra...)
	store := r.target.store

	fixed, unresolved := 0, 0
	for _, e := range r.target.idmap.Entries() {
		if e.LastJobID != r.job.ID || !IsContentType(e.EntityType) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		found, err := store.Find(ctx, e.EntityType, content.Query{content.IDKey: e.EntityID})
		if err != nil {
			if errors.Is(err, content.ErrUnavailable) {
				return err
			}
			r.rec.issue(ctx, domain.SeverityError, domain.ClassStorage, domain.PhaseLinkFix, e.ExternalKind, e.ExternalID, "load entity %s: %v", e.EntityID, err)
			continue
		}
		if len(found) == 0 {
			continue
		}

		updates := map[string]any{}
		for _, field := range linkFields {
			body := found[0].String(field)
			if body == "" {
				continue
			}
			res, err := fixer.Fix(body)
			if err != nil {
				r.rec.warn(ctx, domain.ClassLink, domain.PhaseLinkFix, e.ExternalKind, e.ExternalID, "%s: %v", field, err)
				continue
			}
			for _, link := range res.Unresolved {
				r.rec.warn(ctx, domain.ClassLink, domain.PhaseLinkFix, e.ExternalKind, e.ExternalID, "%s: unresolved link %s", field, link)
			}
			unresolved += len(res.Unresolved)
			if res.Fixed > 0 {
				fixed += res.Fixed
				updates[field] = res.HTML
			}
		}
		if len(updates) == 0 {
			continue
		}
		if err := store.Update(ctx, e.EntityID, updates); err != nil {
			if errors.Is(err, content.ErrUnavailable) {
				return err
			}
			r.rec.issue(ctx, domain.SeverityError, domain.ClassStorage, domain.PhaseLinkFix, e.ExternalKind, e.ExternalID, "save fixed links: %v", err)
		}
	}

	logger.With(logger.Fields{"fixed": fixed, "unresolved": unresolved}).Info(ctx, "Links fixed")
	if err := r.rec.linkStats(ctx, fixed, unresolved); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return cp.Finish(ctx)
}
