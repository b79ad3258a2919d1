package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

func testRun(t *testing.T, entries ...domain.IDMapEntry) *run {
	return &run{
		job:         &domain.ImportJob{ID: "job-1", LineageID: "lineage"},
		opts:        domain.DefaultImportOptions(),
		target:      &runTarget{idmap: testMap(t, entries...)},
		unavailable: make(map[extKey]domain.CheckpointOutcome),
	}
}

func TestPrepareAuthor(t *testing.T) {
	rec := author("7", "Jane Doe")
	rec.Fields[source.FieldEmail] = ""

	p, err := prepare(NewSchema(config.TargetConfig{}), testRun(t), rec)
	require.NoError(t, err)
	assert.Equal(t, EntityUser, p.entityType)
	assert.Equal(t, domain.CounterAuthors, p.counter)
	assert.Equal(t, "jane-doe", p.slug)
	assert.Equal(t, "jane-doe@imported.local", p.data["email"])
	assert.Equal(t, "lineage", p.data[MarkerLineage])
	assert.Equal(t, "7", p.data[MarkerExternalID])
}

func TestPrepareContent(t *testing.T) {
	schema := NewSchema(config.TargetConfig{})

	rec := post("5", "", `<p>Body</p><script>alert(1)</script>`)
	rec.Fields[source.FieldTitle] = "Hello World"
	rec.Meta = []source.Meta{
		{Key: "_yoast_wpseo_title", Value: "SEO title"},
		{Key: "subtitle", Value: "Sub"},
		{Key: "_edit_lock", Value: "1"},
	}
	p, err := prepare(schema, testRun(t), rec)
	require.NoError(t, err)
	assert.Empty(t, p.skip)
	assert.Equal(t, "hello-world", p.slug)
	assert.Equal(t, "SEO title", p.data["seo_title"])
	assert.Equal(t, map[string]any{"subtitle": "Sub"}, p.data["meta"])
	assert.Equal(t, "2021-03-04T05:06:07Z", p.data["published_at"])
	assert.NotContains(t, p.data["content"], "script")
	assert.NotEmpty(t, p.warnings)

	draft := post("6", "wip", "x")
	draft.Status = "draft"
	p, err = prepare(schema, testRun(t), draft)
	require.NoError(t, err)
	assert.Equal(t, "draft excluded by options", p.skip)
	assert.False(t, p.skipWarn)

	empty := post("8", "", "  ")
	empty.Fields[source.FieldTitle] = ""
	_, err = prepare(schema, testRun(t), empty)
	assert.ErrorIs(t, err, domain.ErrValidation)

	product := post("9", "mug", "x")
	product.Subtype = "product"
	p, err = prepare(schema, testRun(t), product)
	require.NoError(t, err)
	assert.NotEmpty(t, p.skip)
	assert.True(t, p.skipWarn)
}

func TestResolveRefs(t *testing.T) {
	r := testRun(t,
		domain.IDMapEntry{ExternalKind: domain.KindAuthor, ExternalID: "1", ExternalKey: "alice", EntityID: "u-1"},
		domain.IDMapEntry{ExternalKind: domain.KindTerm, ExternalID: "10", ExternalKey: source.TermKey("category", "news"), EntityID: "c-10"},
		domain.IDMapEntry{ExternalKind: domain.KindTerm, ExternalID: "11", ExternalKey: source.TermKey("category", "go"), EntityID: "c-11"},
	)

	t.Run("resolved", func(t *testing.T) {
		rec := post("1", "a", "x", byAuthor("alice"), inCategory("news"), inCategory("go"))
		p := &prepared{data: map[string]any{}}
		out := resolveRefs(r, domain.PhaseContent, rec, p, false)
		assert.False(t, out.deferred)
		assert.NoError(t, out.err)
		assert.Equal(t, "u-1", p.data["author"])
		assert.Equal(t, []string{"c-10", "c-11"}, p.data["categories"])
	})

	t.Run("parent in the running phase is deferred", func(t *testing.T) {
		parent := source.Ref{Role: source.RoleParent, Kind: domain.KindContent, ID: "99"}
		rec := post("2", "b", "x", parent)
		p := &prepared{data: map[string]any{}}
		assert.True(t, resolveRefs(r, domain.PhaseContent, rec, p, false).deferred)

		out := resolveRefs(r, domain.PhaseContent, rec, p, true)
		assert.False(t, out.deferred)
		assert.NoError(t, out.err)
		assert.Len(t, out.warnings, 1)
		assert.NotContains(t, p.data, "parent")
	})

	t.Run("missing required reference", func(t *testing.T) {
		rec := post("3", "c", "x", byAuthor("bob"))
		out := resolveRefs(r, domain.PhaseContent, rec, &prepared{data: map[string]any{}}, false)
		var recErr *domain.RecordError
		require.True(t, errors.As(out.err, &recErr))
		assert.Equal(t, domain.ClassReference, recErr.Class)
		assert.ErrorIs(t, out.err, domain.ErrUnresolved)
	})

	t.Run("required reference to a skipped record", func(t *testing.T) {
		r.markUnavailable(domain.KindAuthor, keyPrefix+"carol", domain.OutcomeSkipped)
		rec := post("4", "d", "x", byAuthor("carol"))
		out := resolveRefs(r, domain.PhaseContent, rec, &prepared{data: map[string]any{}}, false)
		assert.NoError(t, out.err)
		assert.Contains(t, out.skip, "carol")
	})

	t.Run("excluded media dropped silently", func(t *testing.T) {
		excl := testRun(t)
		excl.opts.ImportMedia = false
		img := source.Ref{Role: source.RoleFeaturedMedia, Kind: domain.KindMedia, ID: "50"}
		out := resolveRefs(excl, domain.PhaseContent, post("5", "e", "x", img), &prepared{data: map[string]any{}}, true)
		assert.NoError(t, out.err)
		assert.Empty(t, out.warnings)
		assert.Empty(t, out.skip)
	})
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hello-world", Slugify("  Hello, World! "))
	assert.Equal(t, "café-2", Slugify("Café #2"))
	assert.Equal(t, "", Slugify("!!!"))
}
