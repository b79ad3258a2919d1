package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/repository"
	"github.com/timmy/contentport/internal/source"
)

const oldSite = "https://old.example.com"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))
	return db
}

// fakeReader serves a fixed record list. Position.Offset indexes the list.
type fakeReader struct {
	records     []*source.Record
	fingerprint string
	// lost lists external ids whose "page" cannot be read. lostErr is the
	// cause reported, domain.ErrNetwork by default.
	lost    map[string]bool
	lostErr error
	// hook runs before each record is handed out.
	hook func(rec *source.Record)
	// onFingerprint runs before the fingerprint is returned.
	onFingerprint func()

	mu    sync.Mutex
	opens int
}

func newFakeReader(records ...*source.Record) *fakeReader {
	return &fakeReader{records: records, fingerprint: "snapshot-1"}
}

func (f *fakeReader) Kind() domain.SourceKind { return domain.SourceKindFile }

func (f *fakeReader) Site(ctx context.Context) (*source.SiteInfo, error) {
	return &source.SiteInfo{Title: "Old Blog", URL: oldSite, BaseURL: oldSite}, nil
}

func (f *fakeReader) Fingerprint(ctx context.Context) (string, error) {
	if f.onFingerprint != nil {
		f.onFingerprint()
	}
	return f.fingerprint, nil
}

func (f *fakeReader) Open(ctx context.Context, from source.Position, kinds ...domain.RecordKind) (source.Stream, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return &fakeStream{r: f, next: int(from.Offset), filter: source.KindFilter(kinds)}, nil
}

type fakeStream struct {
	r      *fakeReader
	next   int
	filter source.KindFilter
}

func (s *fakeStream) Next(ctx context.Context) (*source.Record, error) {
	for s.next < len(s.r.records) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := s.r.records[s.next]
		s.next++
		if !s.filter.Accepts(rec.Kind) {
			continue
		}
		if s.r.lost[rec.ExternalID] {
			cause := s.r.lostErr
			if cause == nil {
				cause = domain.ErrNetwork
			}
			return nil, &source.PageError{Endpoint: "items", Page: s.next, Err: cause}
		}
		if s.r.hook != nil {
			s.r.hook(rec)
		}
		c := *rec
		return &c, nil
	}
	return nil, io.EOF
}

func (s *fakeStream) Position() source.Position {
	return source.Position{Offset: int64(s.next)}
}

func (s *fakeStream) Close() error { return nil }

func author(id, login string) *source.Record {
	return &source.Record{
		Kind: domain.KindAuthor, ExternalID: id, Key: login,
		Fields: map[string]string{
			source.FieldLogin:       login,
			source.FieldEmail:       login + "@example.com",
			source.FieldDisplayName: login,
		},
	}
}

func category(id, slug string) *source.Record {
	return &source.Record{
		Kind: domain.KindTerm, ExternalID: id, Subtype: "category", Key: source.TermKey("category", slug),
		Fields: map[string]string{source.FieldName: slug, source.FieldSlug: slug},
	}
}

func post(id, slug, body string, refs ...source.Ref) *source.Record {
	return &source.Record{
		Kind: domain.KindContent, ExternalID: id, Subtype: "post", Status: "publish",
		Link: oldSite + "/" + slug + "/",
		Date: time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
		Fields: map[string]string{
			source.FieldTitle:   slug,
			source.FieldSlug:    slug,
			source.FieldContent: body,
		},
		Refs: refs,
	}
}

func comment(id, postID, body string) *source.Record {
	return &source.Record{
		Kind: domain.KindComment, ExternalID: id, Status: "approved",
		Fields: map[string]string{source.FieldContent: body, source.FieldAuthorName: "Bob"},
		Refs:   []source.Ref{{Role: source.RolePost, Kind: domain.KindContent, ID: postID, Required: true}},
	}
}

func byAuthor(login string) source.Ref {
	return source.Ref{Role: source.RoleAuthor, Kind: domain.KindAuthor, Key: login, Required: true}
}

func inCategory(slug string) source.Ref {
	return source.Ref{Role: source.RoleCategory, Kind: domain.KindTerm, Key: source.TermKey("category", slug), Multi: true}
}

// blogRecords is a small site: one author, two categories, posts linking
// to each other and comments.
func blogRecords() []*source.Record {
	return []*source.Record{
		author("1", "alice"),
		category("10", "news"),
		category("11", "go"),
		post("100", "hello", `<p>Hi, see <a href="`+oldSite+`/second/">the second post</a>.</p>`, byAuthor("alice"), inCategory("news")),
		post("101", "second", `<p>Back to <a href="/hello/">hello</a>.</p>`, byAuthor("alice"), inCategory("news"), inCategory("go")),
		post("102", "third", `<p>Plain</p>`, byAuthor("alice")),
		comment("1000", "100", "Nice"),
		comment("1001", "101", "Agreed"),
	}
}

type testEnv struct {
	svc     *ImportService
	deps    Dependencies
	store   *content.MemoryStore
	readers map[string]*fakeReader
	// onFind runs before every target lookup. Set it before starting a step.
	onFind func(ctx context.Context, entityType string, q content.Query)
}

// hookedStore lets a test pause the target between lookups.
type hookedStore struct {
	*content.MemoryStore
	env *testEnv
}

func (h *hookedStore) Find(ctx context.Context, entityType string, q content.Query) ([]content.Entity, error) {
	if h.env.onFind != nil {
		h.env.onFind(ctx, entityType, q)
	}
	return h.MemoryStore.Find(ctx, entityType, q)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWorkers(t, 1)
}

func newTestEnvWorkers(t *testing.T, workers int) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		store:   content.NewMemoryStore(),
		readers: make(map[string]*fakeReader),
	}
	env.deps = Dependencies{
		Jobs:        repository.NewJobRepository(db),
		Issues:      repository.NewIssueRepository(db),
		IDMap:       repository.NewIDMapRepository(db),
		Checkpoints: repository.NewCheckpointRepository(db),
		Redirects:   repository.NewRedirectRepository(db),
		Store:       &hookedStore{MemoryStore: env.store, env: env},
		Sources: OpenerFunc(func(desc domain.SourceDescriptor, creds domain.Credentials) (source.Reader, error) {
			r, ok := env.readers[desc.Path]
			if !ok {
				return nil, fmt.Errorf("%w: no such export %s", domain.ErrValidation, desc.Path)
			}
			return r, nil
		}),
	}
	env.svc = NewImportService(env.deps, ServiceConfig{
		Workers:     workers,
		MediaPrefix: "media",
		Target:      config.TargetConfig{BaseURL: "https://new.example.com"},
	})
	return env
}

// source registers a reader and returns the descriptor that opens it.
func (e *testEnv) source(name string, r *fakeReader) domain.SourceDescriptor {
	e.readers[name] = r
	return domain.SourceDescriptor{Kind: domain.SourceKindFile, Path: name}
}

func (e *testEnv) wait(t *testing.T, jobID string) *domain.ImportJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.svc.Wait(ctx, jobID)
	require.NoError(t, ctx.Err(), "job did not finish in time")
	job, err := e.svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// approve takes a new job through analysis and dry-run.
func (e *testEnv) approve(t *testing.T, req CreateRequest) *domain.ImportJob {
	t.Helper()
	ctx := context.Background()
	job, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	job = e.wait(t, job.ID)
	require.Equal(t, domain.JobStatusAnalyzed, job.Status)

	require.NoError(t, e.svc.DryRun(ctx, job.ID, nil))
	job = e.wait(t, job.ID)
	require.Equal(t, domain.JobStatusDryRunComplete, job.Status)
	return job
}

// importAll runs a job from creation to COMPLETED.
func (e *testEnv) importAll(t *testing.T, req CreateRequest) *domain.ImportJob {
	t.Helper()
	job := e.approve(t, req)
	require.NoError(t, e.svc.Start(context.Background(), job.ID, true))
	job = e.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	return job
}

func entitiesOf(s *content.MemoryStore, entityType string) []content.Entity {
	var out []content.Entity
	for _, e := range s.All() {
		if e.Type == entityType {
			out = append(out, e)
		}
	}
	return out
}
