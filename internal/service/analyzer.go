package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/source"
)

// Per-record import cost used for the duration estimate.
const (
	fileRecordCost = 20 * time.Millisecond
	restRecordCost = 120 * time.Millisecond
	mediaFetchCost = 250 * time.Millisecond
)

// pluginMeta maps metadata key prefixes to the plugin that writes them.
var pluginMeta = []struct {
	prefix string
	plugin string
}{
	{"_yoast_wpseo_", "yoast-seo"},
	{"rank_math_", "rank-math"},
	{"_aioseo_", "all-in-one-seo"},
	{"_elementor_", "elementor"},
	{"_wc_", "woocommerce"},
	{"_acf_", "advanced-custom-fields"},
	{"_wpml_", "wpml"},
	{"_jetpack_", "jetpack"},
}

// Analyzer reads a whole source snapshot and summarises it.
type Analyzer struct {
	schema *Schema
}

// NewAnalyzer creates an analyzer checking content types against schema.
func NewAnalyzer(schema *Schema) *Analyzer {
	return &Analyzer{schema: schema}
}

// Analyze streams every record once. visit, when set, sees each record;
// the diff detector rides along this way.
func (a *Analyzer) Analyze(ctx context.Context, reader source.Reader, visit func(*source.Record)) (*domain.Analysis, error) {
	fingerprint, err := reader.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint source: %w", err)
	}
	res := &domain.Analysis{
		Fingerprint: fingerprint,
		Counts:      make(map[string]int),
		ByStatus:    make(map[string]map[string]int),
	}
	if site, err := reader.Site(ctx); err != nil {
		return nil, fmt.Errorf("read site: %w", err)
	} else if site != nil {
		res.SiteTitle = site.Title
		res.SiteURL = site.URL
	}

	stream, err := reader.Open(ctx, source.Position{})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer stream.Close()

	custom := map[string]int{}
	plugins := map[string]bool{}
	var untitled, unslugged int
	media := 0
	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		var pageErr *source.PageError
		if errors.As(err, &pageErr) {
			res.PageErrors++
			res.Warnings = append(res.Warnings, pageErr.Error())
			continue
		}
		if err != nil {
			return nil, err
		}

		res.Records++
		res.TotalBytes += rec.Size()
		res.Counts[string(rec.Kind)]++
		if rec.Subtype != "" {
			res.Counts[string(rec.Kind)+":"+rec.Subtype]++
		}

		switch rec.Kind {
		case domain.KindMedia:
			media++
		case domain.KindContent:
			subtype := rec.Subtype
			if subtype == "" {
				subtype = EntityPost
			}
			byStatus := res.ByStatus[subtype]
			if byStatus == nil {
				byStatus = make(map[string]int)
				res.ByStatus[subtype] = byStatus
			}
			byStatus[rec.Status]++
			if subtype != EntityPost && subtype != EntityPage {
				custom[subtype]++
			}
			if strings.TrimSpace(rec.Field(source.FieldTitle)) == "" {
				untitled++
			}
			if strings.TrimSpace(rec.Field(source.FieldSlug)) == "" {
				unslugged++
			}
		}
		for _, m := range rec.Meta {
			for _, p := range pluginMeta {
				if strings.HasPrefix(m.Key, p.prefix) {
					plugins[p.plugin] = true
				}
			}
		}
		if visit != nil {
			visit(rec)
		}
	}

	for t, n := range custom {
		res.CustomTypes = append(res.CustomTypes, t)
		if !a.schema.AcceptsContentType(t) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("content type %q (%d items) is not accepted by the target and will be skipped", t, n))
		}
	}
	sort.Strings(res.CustomTypes)
	for p := range plugins {
		res.Plugins = append(res.Plugins, p)
	}
	sort.Strings(res.Plugins)
	if untitled > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d content items have no title", untitled))
	}
	if unslugged > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d content items have no slug; slugs will be derived from titles", unslugged))
	}
	sort.Strings(res.Warnings)

	res.EstimatedSeconds = estimate(reader.Kind(), res.Records, media)
	res.AnalyzedAt = time.Now().UTC()

	logger.With(logger.Fields{
		"records":     res.Records,
		"bytes":       res.TotalBytes,
		"page_errors": res.PageErrors,
	}).Info(ctx, "Source analyzed")
	return res, nil
}

// estimate returns the expected import duration in whole seconds.
func estimate(kind domain.SourceKind, records, media int) int {
	per := fileRecordCost
	if kind == domain.SourceKindREST {
		per = restRecordCost
	}
	d := time.Duration(records)*per + time.Duration(media)*mediaFetchCost
	return int(math.Ceil(d.Seconds()))
}
