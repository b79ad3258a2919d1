package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

// fakeSite serves /wp-json/wp/v2/<collection> with real pagination headers.
type fakeSite struct {
	mu          sync.Mutex
	collections map[string][]map[string]any
	// failures makes the next n requests of a collection answer 503.
	failures map[string]int
	status   map[string]int
	requests map[string]int
	user     string
	// broken makes one page of a collection answer 503 on every attempt.
	broken map[string]int
	// brokenHeaders keeps the pagination headers on broken pages.
	brokenHeaders bool
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		collections: map[string][]map[string]any{
			"users": {
				{"id": 1, "name": "Alice", "slug": "alice", "link": "https://old.example.com/author/alice/"},
			},
			"categories": {
				{"id": 3, "name": "News &amp; Notes", "slug": "news", "taxonomy": "category", "parent": 0},
			},
			"tags": {},
			"media": {
				{"id": 20, "slug": "photo", "title": map[string]any{"rendered": "photo"}, "source_url": "https://old.example.com/wp-content/uploads/photo.jpg", "mime_type": "image/jpeg"},
			},
			"posts": {
				{"id": 10, "slug": "one", "type": "post", "status": "publish", "author": 1, "categories": []int{3}, "title": map[string]any{"rendered": "One"}, "content": map[string]any{"rendered": "<p>1</p>"}, "meta": []any{}},
				{"id": 12, "slug": "two", "type": "post", "status": "publish", "author": 1, "featured_media": 20, "title": map[string]any{"rendered": "Two"}, "content": map[string]any{"rendered": "<p>2</p>"}, "meta": map[string]any{"_custom": "x"}},
				{"id": 14, "slug": "three", "type": "post", "status": "publish", "author": 1, "title": map[string]any{"rendered": "Three"}, "content": map[string]any{"rendered": "<p>3</p>"}},
			},
			"pages": {
				{"id": 11, "slug": "about", "type": "page", "status": "publish", "author": 1, "title": map[string]any{"rendered": "About"}, "content": map[string]any{"rendered": "<p>About</p>"}},
			},
			"comments": {
				{"id": 100, "post": 10, "author_name": "Bob", "status": "approve", "content": map[string]any{"rendered": "<p>Hi</p>"}},
			},
		},
		failures: map[string]int{},
		status:   map[string]int{},
		requests: map[string]int{},
		broken:   map[string]int{},
	}
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/wp-json/" || r.URL.Path == "/wp-json" {
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "Old Blog", "url": "https://old.example.com", "home": "https://old.example.com"})
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/wp-json/wp/v2/")
	f.requests[name]++

	if f.user != "" {
		if u, _, ok := r.BasicAuth(); !ok || u != f.user {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	if code, ok := f.status[name]; ok {
		w.WriteHeader(code)
		return
	}
	if f.failures[name] > 0 {
		f.failures[name]--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	items, ok := f.collections[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 10
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	totalPages := (len(items) + perPage - 1) / perPage
	if page > 1 && page > totalPages {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if f.broken[name] == page {
		if f.brokenHeaders {
			w.Header().Set(headerTotal, strconv.Itoa(len(items)))
			w.Header().Set(headerTotalPage, strconv.Itoa(totalPages))
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	start := (page - 1) * perPage
	end := min(start+perPage, len(items))
	if start > end {
		start = end
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set(headerTotal, strconv.Itoa(len(items)))
	w.Header().Set(headerTotalPage, strconv.Itoa(totalPages))
	_ = json.NewEncoder(w).Encode(items[start:end])
}

func newTestReader(t *testing.T, site *fakeSite, creds domain.Credentials) *Reader {
	t.Helper()
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)
	return NewReader(Config{
		SiteURL:      srv.URL,
		Credentials:  creds,
		PageSize:     2,
		RetryCount:   2,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
}

func collect(t *testing.T, st source.Stream) ([]string, []*source.PageError) {
	t.Helper()
	var got []string
	var pageErrs []*source.PageError
	for {
		rec, err := st.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return got, pageErrs
		}
		var pe *source.PageError
		if errors.As(err, &pe) {
			pageErrs = append(pageErrs, pe)
			continue
		}
		require.NoError(t, err)
		got = append(got, string(rec.Kind)+":"+rec.ExternalID)
	}
}

func TestReaderStreamsEndpointsInOrder(t *testing.T) {
	r := newTestReader(t, newFakeSite(), domain.Credentials{})

	st, err := r.Open(context.Background(), source.Position{})
	require.NoError(t, err)
	got, pageErrs := collect(t, st)

	assert.Empty(t, pageErrs)
	assert.Equal(t, []string{
		"author:1", "term:3", "media:20",
		"content:10", "content:12", "content:14", "content:11",
		"comment:100",
	}, got)
}

func TestReaderDecodesRecords(t *testing.T) {
	r := newTestReader(t, newFakeSite(), domain.Credentials{})

	st, err := r.Open(context.Background(), source.Position{}, domain.KindTerm, domain.KindContent)
	require.NoError(t, err)

	term, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "News & Notes", term.Field(source.FieldName))
	assert.Equal(t, "category:news", term.Key)

	post, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post", post.Subtype)
	assert.Equal(t, "One", post.Field(source.FieldTitle))
	require.Len(t, post.Refs, 2)
	assert.Equal(t, source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, ID: "1", Required: true}, post.Refs[0])
	assert.Equal(t, source.Ref{Role: source.RoleCategory, Kind: domain.KindTerm, ID: "3", Multi: true}, post.Refs[1])

	second, err := st.Next(context.Background())
	require.NoError(t, err)
	v, ok := second.MetaValue("_custom")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestReaderRetriesTransientFailures(t *testing.T) {
	site := newFakeSite()
	site.failures["posts"] = 2
	r := newTestReader(t, site, domain.Credentials{})

	st, err := r.Open(context.Background(), source.Position{}, domain.KindContent)
	require.NoError(t, err)
	got, pageErrs := collect(t, st)

	assert.Empty(t, pageErrs)
	assert.Equal(t, []string{"content:10", "content:12", "content:14", "content:11"}, got)
}

func TestReaderReportsExhaustedPageAndContinues(t *testing.T) {
	site := newFakeSite()
	site.failures["posts"] = 100
	r := newTestReader(t, site, domain.Credentials{})

	st, err := r.Open(context.Background(), source.Position{}, domain.KindContent)
	require.NoError(t, err)
	got, pageErrs := collect(t, st)

	require.Len(t, pageErrs, maxBlindFailures)
	for i, pe := range pageErrs {
		assert.Equal(t, "posts", pe.Endpoint)
		assert.Equal(t, i+1, pe.Page)
		assert.ErrorIs(t, pe, domain.ErrNetwork)
		assert.Equal(t, i == maxBlindFailures-1, pe.Rest)
	}
	assert.Contains(t, pageErrs[maxBlindFailures-1].Error(), "and all later pages")
	assert.Equal(t, []string{"content:11"}, got, "pages are still read")
	assert.Equal(t, 3*maxBlindFailures, site.requests["posts"], "one attempt plus two retries per page")
}

func TestReaderReadsPastLostFirstPage(t *testing.T) {
	for _, headers := range []bool{true, false} {
		t.Run(fmt.Sprintf("headers=%v", headers), func(t *testing.T) {
			site := newFakeSite()
			site.broken["posts"] = 1
			site.brokenHeaders = headers
			r := newTestReader(t, site, domain.Credentials{})

			st, err := r.Open(context.Background(), source.Position{}, domain.KindContent)
			require.NoError(t, err)
			got, pageErrs := collect(t, st)

			require.Len(t, pageErrs, 1)
			assert.Equal(t, 1, pageErrs[0].Page)
			assert.False(t, pageErrs[0].Rest)
			assert.Equal(t, []string{"content:14", "content:11"}, got)
		})
	}
}

func TestReaderMissingCollectionIsOneLoss(t *testing.T) {
	site := newFakeSite()
	delete(site.collections, "posts")
	r := newTestReader(t, site, domain.Credentials{})

	st, err := r.Open(context.Background(), source.Position{}, domain.KindContent)
	require.NoError(t, err)
	got, pageErrs := collect(t, st)

	require.Len(t, pageErrs, 1)
	assert.True(t, pageErrs[0].Rest)
	assert.ErrorIs(t, pageErrs[0], domain.ErrValidation)
	assert.Equal(t, []string{"content:11"}, got)
	assert.Equal(t, 1, site.requests["posts"])
}

func TestReaderAuthFailureAborts(t *testing.T) {
	site := newFakeSite()
	site.user = "admin"
	r := newTestReader(t, site, domain.Credentials{Username: "intruder", AppPassword: "x"})

	st, err := r.Open(context.Background(), source.Position{})
	require.NoError(t, err)
	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestReaderResumesFromPosition(t *testing.T) {
	r := newTestReader(t, newFakeSite(), domain.Credentials{})
	ctx := context.Background()

	full, err := r.Open(ctx, source.Position{})
	require.NoError(t, err)
	all, _ := collect(t, full)

	for cut := 1; cut < len(all); cut++ {
		st, err := r.Open(ctx, source.Position{})
		require.NoError(t, err)
		for i := 0; i < cut; i++ {
			_, err := st.Next(ctx)
			require.NoError(t, err)
		}
		pos, err := source.DecodePosition(st.Position().Encode())
		require.NoError(t, err)

		resumed, err := r.Open(ctx, pos)
		require.NoError(t, err)
		rest, _ := collect(t, resumed)
		assert.Equal(t, all[cut:], rest, "cut after %d", cut)
	}
}

func TestReaderSiteAndFingerprint(t *testing.T) {
	site := newFakeSite()
	r := newTestReader(t, site, domain.Credentials{})
	ctx := context.Background()

	info, err := r.Site(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Old Blog", info.Title)

	fp1, err := r.Fingerprint(ctx)
	require.NoError(t, err)
	fp2, err := r.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	site.mu.Lock()
	site.collections["posts"] = append(site.collections["posts"], map[string]any{"id": 16, "slug": "four", "type": "post"})
	site.mu.Unlock()

	fp3, err := r.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
