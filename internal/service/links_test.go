package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/domain"
)

func testMap(t *testing.T, entries ...domain.IDMapEntry) *IdentifierMap {
	t.Helper()
	m := newIdentifierMap("lineage", nil)
	for _, e := range entries {
		require.NoError(t, m.Put(context.Background(), e))
	}
	return m
}

func TestLinkFixer(t *testing.T) {
	m := testMap(t,
		domain.IDMapEntry{
			ExternalKind: domain.KindContent, ExternalID: "10", EntityType: EntityPost,
			SourceURL: "https://old.example.com/2020/01/hello/", TargetURL: "https://new.example.com/blog/hello",
		},
		domain.IDMapEntry{
			ExternalKind: domain.KindContent, ExternalID: "11", EntityType: EntityPage,
			SourceURL: "https://old.example.com/about/", TargetURL: "https://new.example.com/about",
		},
		domain.IDMapEntry{
			ExternalKind: domain.KindMedia, ExternalID: "20", EntityType: EntityMedia,
			SourceURL: "https://old.example.com/wp-content/uploads/photo.jpg", TargetURL: "https://cdn.example.com/media/photo.webp",
		},
	)
	fixer := NewLinkFixer(m, "https://old.example.com")

	tests := []struct {
		name       string
		html       string
		want       string
		fixed      int
		unresolved []string
	}{
		{
			name:  "absolute permalink",
			html:  `<p><a href="https://old.example.com/2020/01/hello/">x</a></p>`,
			want:  `href="https://new.example.com/blog/hello"`,
			fixed: 1,
		},
		{
			name:  "www host and no trailing slash",
			html:  `<a href="http://www.old.example.com/about">about</a>`,
			want:  `href="https://new.example.com/about"`,
			fixed: 1,
		},
		{
			name:  "root relative",
			html:  `<a href="/about/">about</a>`,
			want:  `href="https://new.example.com/about"`,
			fixed: 1,
		},
		{
			name:  "query permalink",
			html:  `<a href="https://old.example.com/?p=10">x</a>`,
			want:  `href="https://new.example.com/blog/hello"`,
			fixed: 1,
		},
		{
			name:  "fragment kept",
			html:  `<a href="https://old.example.com/about/#team">x</a>`,
			want:  `href="https://new.example.com/about#team"`,
			fixed: 1,
		},
		{
			name:  "resized image",
			html:  `<img src="https://old.example.com/wp-content/uploads/photo-300x200.jpg"/>`,
			want:  `src="https://cdn.example.com/media/photo.webp"`,
			fixed: 1,
		},
		{
			name:  "srcset candidates",
			html:  `<img srcset="https://old.example.com/wp-content/uploads/photo.jpg 1x, https://old.example.com/wp-content/uploads/photo-600x400.jpg 2x"/>`,
			want:  `srcset="https://cdn.example.com/media/photo.webp 1x, https://cdn.example.com/media/photo.webp 2x"`,
			fixed: 2,
		},
		{
			name: "foreign link untouched",
			html: `<a href="https://elsewhere.example.org/about/">x</a>`,
			want: `<a href="https://elsewhere.example.org/about/">x</a>`,
		},
		{
			name:       "unknown page reported",
			html:       `<a href="https://old.example.com/gone/">x</a>`,
			want:       `<a href="https://old.example.com/gone/">x</a>`,
			unresolved: []string{"https://old.example.com/gone/"},
		},
		{
			name: "plain text",
			html: `no markup at all`,
			want: `no markup at all`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := fixer.Fix(tc.html)
			require.NoError(t, err)
			assert.Contains(t, res.HTML, tc.want)
			assert.Equal(t, tc.fixed, res.Fixed)
			assert.Equal(t, tc.unresolved, res.Unresolved)
			if tc.fixed == 0 {
				assert.Equal(t, tc.html, res.HTML, "unchanged fragments are not re-serialized")
			}
		})
	}
}

func TestLinkFixerWithoutSiteURL(t *testing.T) {
	fixer := NewLinkFixer(testMap(t), "")
	res, err := fixer.Fix(`<a href="/about/">x</a>`)
	require.NoError(t, err)
	assert.Zero(t, res.Fixed)
	assert.Empty(t, res.Unresolved)
}
