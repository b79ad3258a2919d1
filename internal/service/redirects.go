package service

import (
	"context"
	"fmt"
	"net/url"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
)

// RedirectGenerator derives permanent redirects from old source URLs to the
// new target URLs.
type RedirectGenerator struct {
	schema *Schema
}

// NewRedirectGenerator creates a generator.
func NewRedirectGenerator(schema *Schema) *RedirectGenerator {
	return &RedirectGenerator{schema: schema}
}

// For returns the redirect of an identifier map entry, or nil when none is
// needed. The warning is set when an entity with a public page gets no rule.
// Rules belong to the job that created the entity.
func (g *RedirectGenerator) For(e domain.IDMapEntry) (*domain.Redirect, string) {
	if e.EntityType == EntityMedia {
		return nil, ""
	}
	if e.SourceURL == "" {
		if IsContentType(e.EntityType) {
			return nil, "no source URL; redirect not generated"
		}
		return nil, ""
	}
	u, err := url.Parse(e.SourceURL)
	if err != nil {
		return nil, fmt.Sprintf("invalid source URL %q", e.SourceURL)
	}
	from := u.EscapedPath()
	if from == "" {
		from = "/"
	}
	if u.RawQuery != "" {
		from += "?" + u.RawQuery
	}

	to := g.schema.PathOf(e.TargetURL)
	if to == "" {
		if IsContentType(e.EntityType) {
			return nil, "no target URL; redirect not generated"
		}
		return nil, ""
	}
	if from == to {
		return nil, ""
	}
	return &domain.Redirect{
		JobID:        e.JobID,
		ExternalKind: e.ExternalKind,
		ExternalID:   e.ExternalID,
		EntityID:     e.EntityID,
		FromPath:     from,
		ToPath:       to,
		StatusCode:   301,
	}, ""
}

// generateRedirects writes a rule for every entity this job created or updated.
func (im *Importer) generateRedirects(ctx context.Context, r *run) error {
	cp, err := r.target.checkpoints.Begin(ctx, domain.PhaseRedirects)
	if err != nil {
		return err
	}
	if cp.Finished() {
		return nil
	}

	gen := NewRedirectGenerator(im.schema)
	n := 0
	for _, e := range r.target.idmap.Entries() {
		if e.LastJobID != r.job.ID {
			continue
		}
		rd, warning := gen.For(e)
		if warning != "" {
			r.rec.warn(ctx, domain.ClassRedirect, domain.PhaseRedirects, e.ExternalKind, e.ExternalID, "%s", warning)
		}
		if rd == nil {
			continue
		}
		if !r.target.dry {
			if err := r.target.redirects.Upsert(ctx, rd); err != nil {
				return fmt.Errorf("save redirect %s: %w", rd.FromPath, err)
			}
		}
		n++
	}

	logger.With(logger.Fields{"redirects": n}).Info(ctx, "Redirects generated")
	if err := r.rec.redirectStats(ctx, n); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return cp.Finish(ctx)
}
