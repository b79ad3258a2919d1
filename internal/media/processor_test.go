package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/storage"
)

func pngBytes(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 100, A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	opaque := pngBytes(t, 400, 200, 255)
	transparent := pngBytes(t, 50, 50, 10)
	mux := http.NewServeMux()
	mux.HandleFunc("/opaque.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(opaque)
	})
	mux.HandleFunc("/alpha.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(transparent)
	})
	mux.HandleFunc("/doc.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/down.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProcessor(store storage.ObjectStorage) *Processor {
	return NewProcessor(store, Config{
		Timeout:      5 * time.Second,
		RetryCount:   1,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 2 * time.Millisecond,
		MaxImageSize: 100,
	})
}

func TestImportConvertsAndScales(t *testing.T) {
	srv := newServer(t)
	store := storage.NewMemoryStorage("https://cdn.example.com")
	p := newTestProcessor(store)

	res, err := p.Import(context.Background(), srv.URL+"/opaque.png", "imports/l/20/opaque.png", Options{Convert: true, Quality: 80})
	require.NoError(t, err)

	assert.True(t, res.Converted)
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, "imports/l/20/opaque.jpg", res.Key)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 50, res.Height)
	assert.Equal(t, "https://cdn.example.com/imports/l/20/opaque.jpg", res.URL)
	assert.Equal(t, []string{"imports/l/20/opaque.jpg"}, store.Keys())
	assert.Equal(t, "image/jpeg", store.ContentType(res.Key))
}

func TestImportKeepsTransparency(t *testing.T) {
	srv := newServer(t)
	p := newTestProcessor(storage.NewMemoryStorage(""))

	res, err := p.Import(context.Background(), srv.URL+"/alpha.png", "k/alpha.png", Options{Convert: true, Quality: 80})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, "k/alpha.png", res.Key)
}

func TestImportWithoutConversion(t *testing.T) {
	srv := newServer(t)
	p := newTestProcessor(storage.NewMemoryStorage(""))

	res, err := p.Import(context.Background(), srv.URL+"/opaque.png", "k/opaque.png", Options{})
	require.NoError(t, err)
	assert.False(t, res.Converted)
	assert.Equal(t, 400, res.Width)

	doc, err := p.Import(context.Background(), srv.URL+"/doc.pdf", "k/doc.pdf", Options{Convert: true})
	require.NoError(t, err)
	assert.False(t, doc.Converted)
	assert.Equal(t, "application/pdf", doc.ContentType)
}

func TestImportErrors(t *testing.T) {
	srv := newServer(t)
	p := newTestProcessor(storage.NewMemoryStorage(""))
	ctx := context.Background()

	_, err := p.Import(ctx, srv.URL+"/missing.jpg", "k", Options{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = p.Import(ctx, srv.URL+"/down.jpg", "k", Options{})
	assert.ErrorIs(t, err, domain.ErrNetwork)

	_, err = p.Import(ctx, "ftp://example.com/a.jpg", "k", Options{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestScaledSize(t *testing.T) {
	testCases := []struct {
		w, h, edge   int
		wantW, wantH int
	}{
		{400, 200, 100, 100, 50},
		{200, 400, 100, 50, 100},
		{80, 60, 100, 80, 60},
		{400, 200, 0, 400, 200},
		{1000, 1, 100, 100, 1},
	}
	for _, tc := range testCases {
		w, h := scaledSize(tc.w, tc.h, tc.edge)
		assert.Equal(t, tc.wantW, w)
		assert.Equal(t, tc.wantH, h)
	}
}
