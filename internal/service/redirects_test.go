package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/domain"
)

func TestRedirectGenerator(t *testing.T) {
	gen := NewRedirectGenerator(NewSchema(config.TargetConfig{BaseURL: "https://new.example.com"}))

	tests := []struct {
		name    string
		entry   domain.IDMapEntry
		from    string
		to      string
		warning bool
	}{
		{
			name: "dated permalink",
			entry: domain.IDMapEntry{EntityType: EntityPost, SourceURL: "https://old.example.com/2020/01/hello/",
				TargetURL: "https://new.example.com/blog/hello"},
			from: "/2020/01/hello/",
			to:   "/blog/hello",
		},
		{
			name: "query permalink",
			entry: domain.IDMapEntry{EntityType: EntityPage, SourceURL: "https://old.example.com/?page_id=7",
				TargetURL: "https://new.example.com/about"},
			from: "/?page_id=7",
			to:   "/about",
		},
		{
			name: "escaped path",
			entry: domain.IDMapEntry{EntityType: EntityPost, SourceURL: "https://old.example.com/caf%C3%A9/",
				TargetURL: "https://new.example.com/blog/cafe"},
			from: "/caf%C3%A9/",
			to:   "/blog/cafe",
		},
		{
			name:  "same path",
			entry: domain.IDMapEntry{EntityType: EntityPage, SourceURL: "https://old.example.com/about", TargetURL: "https://new.example.com/about"},
		},
		{
			name:  "media never redirected",
			entry: domain.IDMapEntry{EntityType: EntityMedia, SourceURL: "https://old.example.com/a.jpg", TargetURL: "https://cdn.example.com/a.webp"},
		},
		{
			name:  "author without page",
			entry: domain.IDMapEntry{EntityType: EntityUser},
		},
		{
			name:    "content without source URL",
			entry:   domain.IDMapEntry{EntityType: EntityPost, TargetURL: "https://new.example.com/blog/x"},
			warning: true,
		},
		{
			name:    "content without target URL",
			entry:   domain.IDMapEntry{EntityType: EntityPost, SourceURL: "https://old.example.com/x/"},
			warning: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.entry.JobID = "job-1"
			rd, warning := gen.For(tc.entry)
			assert.Equal(t, tc.warning, warning != "", warning)
			if tc.from == "" {
				assert.Nil(t, rd)
				return
			}
			require.NotNil(t, rd)
			assert.Equal(t, tc.from, rd.FromPath)
			assert.Equal(t, tc.to, rd.ToPath)
			assert.Equal(t, 301, rd.StatusCode)
			assert.Equal(t, "job-1", rd.JobID)
		})
	}
}
