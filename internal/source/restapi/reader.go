// Package restapi reads a live site page by page over its JSON content API.
package restapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

const (
	apiPrefix       = "/wp-json"
	collectionPath  = "/wp/v2/"
	headerTotal     = "X-WP-Total"
	headerTotalPage = "X-WP-TotalPages"

	// maxBlindFailures bounds consecutive failed pages read past while the
	// page count of a collection is unknown.
	maxBlindFailures = 3
)

// errEndpointMissing marks a collection the site does not expose.
var errEndpointMissing = errors.New("endpoint not available")

// Config holds connection settings for a REST source.
type Config struct {
	SiteURL      string
	Credentials  domain.Credentials
	PageSize     int
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	Timeout      time.Duration
	// ContentTypes are REST bases of custom content types, read after pages.
	ContentTypes []string
}

// Reader reads one site through its content API.
type Reader struct {
	client    *resty.Client
	cfg       Config
	endpoints []endpoint
	authed    bool
}

// NewReader creates a REST reader.
// Parameters:
//   - cfg: site URL, credentials and retry policy. The application password
//     is only kept inside the HTTP client.
//
// Returns:
//   - *Reader: reader ready to open streams.
func NewReader(cfg Config) *Reader {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	base := strings.TrimRight(cfg.SiteURL, "/")

	client := resty.New()
	client.SetBaseURL(base + apiPrefix)
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(cfg.RetryCount)
	if cfg.RetryWait > 0 {
		client.SetRetryWaitTime(cfg.RetryWait)
	}
	if cfg.RetryMaxWait > 0 {
		client.SetRetryMaxWaitTime(cfg.RetryMaxWait)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
	})

	authed := cfg.Credentials.Username != "" && cfg.Credentials.AppPassword != ""
	if authed {
		client.SetBasicAuth(cfg.Credentials.Username, cfg.Credentials.AppPassword)
	}

	return &Reader{
		client:    client,
		cfg:       cfg,
		endpoints: endpointsFor(cfg.ContentTypes),
		authed:    authed,
	}
}

// Kind returns the source kind.
func (r *Reader) Kind() domain.SourceKind {
	return domain.SourceKindREST
}

// Site reads the API index document.
func (r *Reader) Site(ctx context.Context) (*source.SiteInfo, error) {
	var index struct {
		Name string `json:"name"`
		URL  string `json:"url"`
		Home string `json:"home"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&index).
		Get("/")
	if err := classify(resp, err); err != nil {
		return nil, fmt.Errorf("read site index: %w", err)
	}
	info := &source.SiteInfo{Title: index.Name, URL: index.Home, BaseURL: index.URL}
	if info.URL == "" {
		info.URL = info.BaseURL
	}
	return info, nil
}

// Fingerprint hashes every collection's total and newest modification time.
// It costs one small request per collection.
func (r *Reader) Fingerprint(ctx context.Context) (string, error) {
	h := sha256.New()
	for _, ep := range r.endpoints {
		req := r.client.R().
			SetContext(ctx).
			SetQueryParam("per_page", "1")
		if ep.modified {
			req.SetQueryParam("orderby", "modified").SetQueryParam("order", "desc")
		}
		r.scope(req, ep)

		var items []struct {
			Modified string `json:"modified_gmt"`
		}
		resp, err := req.SetResult(&items).Get(collectionPath + ep.path)
		err = classify(resp, err)
		if ep.optional && unavailable(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", ep.path, err)
		}
		modified := ""
		if len(items) > 0 {
			modified = items[0].Modified
		}
		fmt.Fprintf(h, "%s=%s@%s\n", ep.path, resp.Header().Get(headerTotal), modified)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns a stream starting at from.
func (r *Reader) Open(ctx context.Context, from source.Position, kinds ...domain.RecordKind) (source.Stream, error) {
	page := from.Page
	if page < 1 {
		page = 1
	}
	return &stream{
		r:     r,
		kinds: source.KindFilter(kinds),
		ep:    from.Endpoint,
		page:  page,
		skip:  from.Skip,
	}, nil
}

// scope widens a collection query to non-public records when authenticated.
func (r *Reader) scope(req *resty.Request, ep endpoint) {
	if !r.authed {
		return
	}
	req.SetQueryParam("context", "edit")
	if ep.statusAny {
		req.SetQueryParam("status", "publish,future,draft,pending,private")
	}
}

// fetch reads one page of a collection. The page count comes from the
// response header and is zero when the server did not send it, including
// on failed responses.
func (r *Reader) fetch(ctx context.Context, ep endpoint, page int) ([]*source.Record, int, error) {
	var items []json.RawMessage
	req := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(r.cfg.PageSize),
			"orderby":  "id",
			"order":    "asc",
		}).
		SetResult(&items)
	r.scope(req, ep)

	resp, err := req.Get(collectionPath + ep.path)
	total := 0
	if resp != nil {
		total, _ = strconv.Atoi(resp.Header().Get(headerTotalPage))
	}
	if err := classify(resp, err); err != nil {
		if page > 1 && resp != nil && resp.StatusCode() == http.StatusBadRequest {
			// Past the last page.
			return nil, page - 1, nil
		}
		return nil, total, err
	}

	recs := make([]*source.Record, 0, len(items))
	for _, raw := range items {
		rec, err := ep.decode(raw)
		if err != nil {
			return nil, total, fmt.Errorf("%w: decode %s item: %v", domain.ErrValidation, ep.path, err)
		}
		recs = append(recs, rec)
	}
	return recs, total, nil
}

// classify maps transport results onto the error taxonomy.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrAuth, code)
	case code == http.StatusNotFound:
		return errEndpointMissing
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d after retries", domain.ErrNetwork, code)
	case code >= http.StatusBadRequest:
		return fmt.Errorf("%w: status %d", domain.ErrValidation, code)
	}
	return nil
}

// unavailable reports an error that hides an optional collection: menus
// need authentication and older sites lack them entirely.
func unavailable(err error) bool {
	return errors.Is(err, errEndpointMissing) || errors.Is(err, domain.ErrAuth)
}

// stream implements source.Stream over the endpoint sequence.
type stream struct {
	r     *Reader
	kinds source.KindFilter

	ep     int
	page   int
	total  int
	loaded bool
	buf    []*source.Record
	idx    int
	skip   int

	// blind is set once a page failed without telling the page count;
	// the collection is then read until a 400 or an empty page.
	blind    bool
	failures int
}

func (s *stream) Next(ctx context.Context) (*source.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for s.idx < len(s.buf) {
			rec := s.buf[s.idx]
			s.idx++
			if s.kinds.Accepts(rec.Kind) {
				return rec, nil
			}
		}
		if s.loaded {
			if s.page < s.total {
				s.page++
			} else {
				s.nextEndpoint()
			}
			s.loaded = false
		}
		if s.ep >= len(s.r.endpoints) {
			return nil, io.EOF
		}

		ep := s.r.endpoints[s.ep]
		if !s.kinds.Accepts(ep.kind) {
			s.nextEndpoint()
			s.skip = 0
			continue
		}

		recs, total, err := s.r.fetch(ctx, ep, s.page)
		s.loaded = true
		s.buf, s.idx = nil, 0
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if ep.optional && unavailable(err) {
				s.total = 0
				continue
			}
			if errors.Is(err, domain.ErrAuth) {
				return nil, err
			}
			missing := errors.Is(err, errEndpointMissing)
			if missing {
				err = fmt.Errorf("%w: %s not found", domain.ErrValidation, ep.path)
			}
			s.skip = 0
			pageErr := &source.PageError{Endpoint: ep.path, Page: s.page, Err: err}
			switch {
			case missing:
				pageErr.Rest = true
				s.total = s.page
			case total > 0:
				s.total = total
				s.failures = 0
			case s.failures+1 < maxBlindFailures:
				s.failures++
				s.blind = true
				s.total = s.page + 1
			default:
				// Page count still unknown: give up on the collection.
				pageErr.Rest = true
				s.total = s.page
			}
			return nil, pageErr
		}
		s.failures = 0
		switch {
		case total > 0:
			s.total = total
		case s.blind && len(recs) > 0:
			s.total = s.page + 1
		case len(recs) > 0:
			s.total = s.page
		default:
			s.total = 0
		}
		s.buf = recs
		if s.skip > 0 {
			s.idx = min(s.skip, len(recs))
			s.skip = 0
		}
	}
}

func (s *stream) nextEndpoint() {
	s.ep++
	s.page = 1
	s.total = 0
	s.blind = false
	s.failures = 0
}

// Position names the page being read and how many of its records were consumed.
// Resuming re-fetches that page and skips the consumed prefix.
func (s *stream) Position() source.Position {
	return source.Position{Endpoint: s.ep, Page: s.page, Skip: s.idx}
}

func (s *stream) Close() error {
	return nil
}
