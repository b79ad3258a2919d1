package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/source"
)

func findOne(t *testing.T, s *content.MemoryStore, entityType, slug string) content.Entity {
	t.Helper()
	found, err := s.Find(context.Background(), entityType, content.Query{"slug": slug})
	require.NoError(t, err)
	require.Len(t, found, 1, "%s %s", entityType, slug)
	return found[0]
}

func TestImportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.importAll(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})

	assert.Equal(t, domain.OutcomeClean, job.Outcome)
	assert.Equal(t, 0, job.ErrorCount)
	assert.Equal(t, 1, job.Attempt)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, job.Counters.Authors)
	assert.Equal(t, 2, job.Counters.Categories)
	assert.Equal(t, 3, job.Counters.Posts)
	assert.Equal(t, 2, job.Counters.Comments)
	assert.Equal(t, 2, job.Counters.LinksFixed)
	assert.Equal(t, 3, job.Counters.Redirects)
	assert.Equal(t, 8, env.store.Len())

	hello := findOne(t, env.store, EntityPost, "hello")
	second := findOne(t, env.store, EntityPost, "second")
	news := findOne(t, env.store, EntityCategory, "news")
	alice := findOne(t, env.store, EntityUser, "alice")

	assert.Contains(t, hello.String("content"), `href="https://new.example.com/blog/second"`)
	assert.Contains(t, second.String("content"), `href="https://new.example.com/blog/hello"`)
	assert.Equal(t, alice.ID, hello.String("author"))
	assert.Equal(t, []string{news.ID}, hello.Data["categories"])
	assert.Equal(t, "published", hello.String("status"))
	assert.Equal(t, "2021-03-04T05:06:07Z", hello.String("published_at"))

	comments, err := env.store.Find(ctx, EntityComment, content.Query{"post": hello.ID})
	require.NoError(t, err)
	assert.Len(t, comments, 1)

	redirects, err := env.svc.Redirects(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, redirects, 3)
	paths := map[string]string{}
	for _, rd := range redirects {
		paths[rd.FromPath] = rd.ToPath
		assert.Equal(t, 301, rd.StatusCode)
	}
	assert.Equal(t, "/blog/hello", paths["/hello/"])

	n, err := env.deps.Checkpoints.Count(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "checkpoints are cleared on completion")
}

func TestDryRunLeavesTargetUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})

	assert.Zero(t, env.store.Len())
	entries, err := env.deps.IDMap.ListByLineage(ctx, job.LineageID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	all, err := env.svc.AllRedirects(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	dry := job.DryRun.Data()
	require.NotNil(t, dry)
	assert.Equal(t, job.ConfigHash, dry.ConfigHash)
	assert.Equal(t, "snapshot-1", dry.SourceFingerprint)
	assert.Equal(t, 3, dry.WouldCreate[domain.CounterPosts])
	assert.Equal(t, 3, dry.Redirects)
	assert.Equal(t, 2, dry.LinksToFix)
}

func TestDryRunPredictsImport(t *testing.T) {
	env := newTestEnv(t)

	records := append(blogRecords(),
		post("103", "hello", "<p>same slug</p>", byAuthor("alice")),
		post("104", "scripted", `<p>x</p><script>alert(1)</script>`, byAuthor("alice")),
		post("105", "orphan", "<p>by nobody</p>", byAuthor("nobody")),
	)
	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(records...))})
	dry := job.DryRun.Data()

	require.NoError(t, env.svc.Start(context.Background(), job.ID, true))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, job.Status)

	for key, n := range dry.WouldCreate {
		assert.Equal(t, n, job.Counters.Get(key), key)
	}
	assert.Equal(t, dry.Skipped, job.Counters.Skipped)
	assert.Equal(t, dry.Failed, job.Counters.Failed)
	assert.Equal(t, dry.Redirects, job.Counters.Redirects)
	assert.Equal(t, dry.LinksToFix, job.Counters.LinksFixed)
	assert.Equal(t, dry.Errors, job.ErrorCount)
	assert.Equal(t, dry.Warnings, job.WarningCount)
	require.Len(t, dry.Conflicts, 1)
	assert.Equal(t, domain.ConflictRename, dry.Conflicts[0].Recommendation)
}

func TestConflictStrategies(t *testing.T) {
	posts := func() []*source.Record {
		recs := []*source.Record{author("1", "alice")}
		for i := 1; i <= 9; i++ {
			recs = append(recs, post(fmt.Sprintf("p%d", i), fmt.Sprintf("post-%d", i), "<p>body</p>", byAuthor("alice")))
		}
		return append(recs, post("p10", "post-1", "<p>dup</p>", byAuthor("alice")))
	}

	tests := []struct {
		name     string
		strategy domain.ConflictStrategy
		created  int
		updated  int
		skipped  int
		entities int
	}{
		{name: "skip", strategy: domain.ConflictSkip, created: 9, skipped: 1, entities: 9},
		{name: "rename", strategy: domain.ConflictRename, created: 10, entities: 10},
		{name: "overwrite", strategy: domain.ConflictOverwrite, created: 9, updated: 1, entities: 9},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			opts := domain.DefaultImportOptions()
			opts.ConflictStrategy = tc.strategy

			job := env.importAll(t, CreateRequest{
				Source:  env.source("posts.xml", newFakeReader(posts()...)),
				Options: &opts,
			})

			assert.Equal(t, tc.created, job.Counters.Posts)
			assert.Equal(t, tc.updated, job.Counters.Updated)
			assert.Equal(t, tc.skipped, job.Counters.Skipped)
			assert.Len(t, entitiesOf(env.store, EntityPost), tc.entities)
			assert.Equal(t, domain.OutcomeWithWarnings, job.Outcome)

			issues, _, err := env.svc.Issues(context.Background(), job.ID, domain.SeverityWarning, 0, 0)
			require.NoError(t, err)
			require.NotEmpty(t, issues)
			assert.Equal(t, domain.ClassConflict, issues[0].Class)
			assert.Equal(t, "p10", issues[0].ExternalID)

			if tc.strategy == domain.ConflictRename {
				renamed := findOne(t, env.store, EntityPost, "post-1-2")
				assert.Equal(t, "<p>dup</p>", renamed.String("content"))
			}
		})
	}
}

func TestSanitizerFindingsAreWarnings(t *testing.T) {
	env := newTestEnv(t)

	job := env.importAll(t, CreateRequest{Source: env.source("x.xml", newFakeReader(
		author("1", "alice"),
		post("1", "scripted", `<p>Hello</p><script>alert(1)</script><a href="#" onclick="steal()">x</a>`, byAuthor("alice")),
	))})

	assert.Equal(t, domain.OutcomeWithWarnings, job.Outcome)
	assert.Equal(t, 1, job.Counters.Posts)

	body := findOne(t, env.store, EntityPost, "scripted").String("content")
	assert.NotContains(t, body, "<script")
	assert.NotContains(t, body, "onclick")
	assert.Contains(t, body, "<p>Hello</p>")

	issues, total, err := env.svc.Issues(context.Background(), job.ID, domain.SeverityWarning, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(1))
	for _, is := range issues {
		assert.Equal(t, domain.ClassSanitization, is.Class)
		assert.Equal(t, domain.PhaseContent, is.Phase)
	}
}

func TestReferences(t *testing.T) {
	env := newTestEnv(t)

	child := &source.Record{
		Kind: domain.KindContent, ExternalID: "201", Subtype: "page", Status: "publish",
		Fields: map[string]string{source.FieldTitle: "Team", source.FieldSlug: "team"},
		Refs:   []source.Ref{{Role: source.RoleParent, Kind: domain.KindContent, ID: "200"}},
	}
	parent := &source.Record{
		Kind: domain.KindContent, ExternalID: "200", Subtype: "page", Status: "publish",
		Fields: map[string]string{source.FieldTitle: "About", source.FieldSlug: "about"},
	}
	draft := post("300", "wip", "<p>draft</p>")
	draft.Status = "draft"

	job := env.importAll(t, CreateRequest{Source: env.source("refs.xml", newFakeReader(
		child, parent, draft,
		comment("400", "300", "on a draft"),
		comment("401", "999", "on nothing"),
	))})

	team := findOne(t, env.store, EntityPage, "team")
	about := findOne(t, env.store, EntityPage, "about")
	assert.Equal(t, about.ID, team.String("parent"), "forward reference within a phase is resolved")

	assert.Equal(t, 2, job.Counters.Pages)
	assert.Zero(t, job.Counters.Posts)
	assert.Zero(t, job.Counters.Comments)
	assert.Equal(t, 2, job.Counters.Skipped, "draft and its comment")
	assert.Equal(t, 1, job.Counters.Failed, "comment on a missing post")
	assert.Equal(t, domain.OutcomeWithErrors, job.Outcome)

	issues, _, err := env.svc.Issues(context.Background(), job.ID, domain.SeverityError, 0, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, domain.ClassReference, issues[0].Class)
	assert.Equal(t, "401", issues[0].ExternalID)
}

func TestReimportIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	desc := env.source("blog.xml", newFakeReader(blogRecords()...))

	first := env.importAll(t, CreateRequest{Source: desc})
	before := env.store.All()

	second := env.importAll(t, CreateRequest{Source: desc, ParentJobID: first.ID})

	assert.Equal(t, first.LineageID, second.LineageID)
	assert.Equal(t, 8, second.Counters.Unchanged)
	assert.Zero(t, second.Counters.Posts)
	assert.Zero(t, second.Counters.Updated)
	assert.Zero(t, second.Counters.Redirects)
	assert.Zero(t, second.Counters.LinksFixed)
	assert.Equal(t, before, env.store.All())

	diff := second.Diff.Data()
	require.NotNil(t, diff)
	assert.Equal(t, 8, diff.Totals.Unchanged)
	assert.Zero(t, diff.Totals.New+diff.Totals.Changed+diff.Totals.Deleted)
}

func TestReimportAppliesDiffAndPrune(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.importAll(t, CreateRequest{Source: env.source("v1.xml", newFakeReader(blogRecords()...))})

	v2 := blogRecords()
	v2[5] = post("102", "third", "<p>Edited</p>", byAuthor("alice"))
	v2 = append(v2[:7], post("103", "fourth", "<p>New</p>", byAuthor("alice")))
	second := env.importAll(t, CreateRequest{Source: env.source("v2.xml", newFakeReader(v2...)), ParentJobID: first.ID})

	diff := second.Diff.Data()
	require.NotNil(t, diff)
	assert.Equal(t, 1, diff.Totals.New)
	assert.Equal(t, 1, diff.Totals.Changed)
	assert.Equal(t, 1, diff.Totals.Deleted)
	require.Len(t, diff.Deleted, 1)
	assert.Equal(t, "1001", diff.Deleted[0].ExternalID)

	assert.Equal(t, 1, second.Counters.Posts)
	assert.Equal(t, 1, second.Counters.Updated)
	assert.Equal(t, "<p>Edited</p>", findOne(t, env.store, EntityPost, "third").String("content"))
	assert.Len(t, entitiesOf(env.store, EntityComment), 2, "deleted source records are reported, not removed")

	_, err := env.svc.Prune(ctx, second.ID, false)
	assert.ErrorIs(t, err, domain.ErrConfirmationRequired)

	n, err := env.svc.Prune(ctx, second.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, entitiesOf(env.store, EntityComment), 1)

	entry, err := env.deps.IDMap.Get(ctx, first.LineageID, domain.KindComment, "1001")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCancelAndResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recs := []*source.Record{author("1", "alice")}
	for i := 1; i <= 10; i++ {
		recs = append(recs, post(fmt.Sprintf("p%d", i), fmt.Sprintf("post-%d", i), "<p>body</p>", byAuthor("alice")))
	}
	reader := newFakeReader(recs...)
	job := env.approve(t, CreateRequest{Source: env.source("posts.xml", reader)})

	var once sync.Once
	reader.hook = func(rec *source.Record) {
		if rec.ExternalID == "p6" {
			once.Do(func() { assert.NoError(t, env.svc.Cancel(ctx, job.ID)) })
		}
	}
	require.NoError(t, env.svc.Start(ctx, job.ID, true))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCancelled, job.Status)
	partial := len(entitiesOf(env.store, EntityPost))
	assert.Less(t, partial, 10)

	_, err := env.svc.Rollback(ctx, job.ID, true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "only completed jobs roll back")

	reader.hook = nil
	require.NoError(t, env.svc.Resume(ctx, job.ID, true))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, job.Status)

	assert.Equal(t, 2, job.Attempt)
	assert.Len(t, entitiesOf(env.store, EntityPost), 10)
	assert.Len(t, entitiesOf(env.store, EntityUser), 1)
	assert.Equal(t, 10, job.Counters.Posts)
	assert.Equal(t, 1, job.Counters.Authors)
	assert.Equal(t, 10, job.Counters.Redirects)

	assert.ErrorIs(t, env.svc.Resume(ctx, job.ID, true), domain.ErrInvalidTransition)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recs := []*source.Record{author("1", "alice")}
	for i := 1; i <= 5; i++ {
		recs = append(recs, post(fmt.Sprintf("p%d", i), fmt.Sprintf("post-%d", i), "<p>body</p>", byAuthor("alice")))
	}
	reader := newFakeReader(recs...)
	job := env.approve(t, CreateRequest{Source: env.source("posts.xml", reader)})

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reader.hook = func(rec *source.Record) {
		if rec.ExternalID != "p3" {
			return
		}
		once.Do(func() { close(reached) })
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}
	require.NoError(t, env.svc.Start(ctx, job.ID, true))
	<-reached

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		done <- env.svc.Shutdown(sctx)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	job, err := env.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.StartedAt, "the job can be resumed")
	require.NoError(t, env.svc.Shutdown(ctx), "nothing left to stop")
}

func TestResumeRequiresStartedImport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.svc.Create(ctx, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})
	require.NoError(t, err)
	require.NoError(t, env.svc.Cancel(ctx, job.ID))

	assert.ErrorIs(t, env.svc.Resume(ctx, job.ID, false), domain.ErrConfirmationRequired)
	assert.ErrorIs(t, env.svc.Resume(ctx, job.ID, true), domain.ErrNotResumable)
}

func TestStartChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reader := newFakeReader(blogRecords()...)
	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", reader)})

	assert.ErrorIs(t, env.svc.Start(ctx, job.ID, false), domain.ErrConfirmationRequired)

	reader.fingerprint = "snapshot-2"
	assert.ErrorIs(t, env.svc.Start(ctx, job.ID, true), domain.ErrStaleApproval)
	reader.fingerprint = "snapshot-1"

	opts := domain.DefaultImportOptions()
	opts.ImportComments = false
	require.NoError(t, env.svc.UpdateConfig(ctx, job.ID, opts))
	assert.ErrorIs(t, env.svc.Start(ctx, job.ID, true), domain.ErrStaleApproval)

	require.NoError(t, env.svc.DryRun(ctx, job.ID, nil))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusDryRunComplete, job.Status)
	assert.Zero(t, job.DryRun.Data().WouldCreate[domain.CounterComments])

	busy := &domain.ImportJob{
		ID: "busy", Site: job.Site, LineageID: "other", SourceKind: domain.SourceKindFile,
		Source:  datatypes.NewJSONType(domain.SourceDescriptor{Kind: domain.SourceKindFile}),
		Options: datatypes.NewJSONType(domain.DefaultImportOptions()),
		Status:  domain.JobStatusImporting,
	}
	require.NoError(t, env.deps.Jobs.Create(ctx, busy))
	assert.ErrorIs(t, env.svc.Start(ctx, job.ID, true), domain.ErrJobActive)

	require.NoError(t, env.deps.Jobs.Transition(ctx, "busy", domain.JobStatusImporting, domain.JobStatusFailed, nil))
	require.NoError(t, env.svc.Start(ctx, job.ID, true))
	job = env.wait(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Zero(t, job.Counters.Comments)
	assert.ErrorIs(t, env.svc.UpdateConfig(ctx, job.ID, opts), domain.ErrConfigFrozen)
}

func TestStartRefusesConfigChangedDuringStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reader := newFakeReader(blogRecords()...)
	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", reader)})

	opts := domain.DefaultImportOptions()
	opts.ImportComments = false
	// The config changes after Start has checked the dry-run but before
	// the job enters IMPORTING.
	reader.onFingerprint = func() {
		reader.onFingerprint = nil
		require.NoError(t, env.svc.UpdateConfig(ctx, job.ID, opts))
	}
	assert.ErrorIs(t, env.svc.Start(ctx, job.ID, true), domain.ErrStaleApproval)

	job, err := env.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDryRunComplete, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Zero(t, env.store.Len())

	require.NoError(t, env.svc.DryRun(ctx, job.ID, nil))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusDryRunComplete, job.Status)
	require.NoError(t, env.svc.Start(ctx, job.ID, true), "the site lock was released")
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Zero(t, job.Counters.Comments)
}

func TestCancelDuringValidationIsRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.onFind = func(fctx context.Context, entityType string, q content.Query) {
		if logger.GetFieldString(fctx, logger.FieldPhase) != "validate" {
			return
		}
		once.Do(func() {
			close(reached)
			<-release
		})
	}
	require.NoError(t, env.svc.Start(ctx, job.ID, true))
	<-reached

	current, err := env.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusValidating, current.Status)
	assert.ErrorIs(t, env.svc.Cancel(ctx, job.ID), domain.ErrInvalidTransition)
	close(release)

	job = env.wait(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, domain.OutcomeClean, job.Outcome)
	assert.Zero(t, job.ErrorCount)
}

func TestNextStepKeepsItsHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := &domain.ImportJob{ID: "j1"}
	errNext := errors.New("dry-run failed")

	release := make(chan struct{})
	env.svc.spawn(ctx, job, "analyze", func(ctx context.Context) error {
		<-release
		return nil
	})
	env.svc.mu.Lock()
	first := env.svc.running[job.ID]
	env.svc.mu.Unlock()

	// The next step starts once the first has written its final status,
	// while the first goroutine is still unwinding.
	next := make(chan struct{})
	env.svc.spawn(ctx, job, "dry-run", func(ctx context.Context) error {
		<-next
		return errNext
	})
	close(release)
	<-first.done

	assert.True(t, env.svc.isRunning(job.ID), "a finished step must not drop its successor")
	close(next)
	assert.ErrorIs(t, env.svc.Wait(ctx, job.ID), errNext)
	assert.False(t, env.svc.isRunning(job.ID))
}

func TestLostPagesAreWarnings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reader := newFakeReader(blogRecords()...)
	reader.lost = map[string]bool{"102": true}

	job := env.importAll(t, CreateRequest{Source: env.source("blog.xml", reader)})

	assert.Equal(t, domain.OutcomeWithWarnings, job.Outcome)
	assert.Zero(t, job.ErrorCount)
	assert.GreaterOrEqual(t, job.WarningCount, 1)
	assert.Equal(t, 2, job.Counters.Posts)

	issues, _, err := env.svc.Issues(ctx, job.ID, domain.SeverityWarning, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, domain.ClassNetwork, issues[0].Class)

	dry := job.DryRun.Data()
	require.NotNil(t, dry)
	assert.Zero(t, dry.Errors)
	assert.Equal(t, dry.Warnings, job.WarningCount)

	t.Run("unreadable data", func(t *testing.T) {
		env := newTestEnv(t)
		reader := newFakeReader(blogRecords()...)
		reader.lost = map[string]bool{"102": true}
		reader.lostErr = domain.ErrValidation

		job := env.importAll(t, CreateRequest{Source: env.source("blog.xml", reader)})
		assert.Equal(t, domain.OutcomeWithErrors, job.Outcome)
		assert.Equal(t, 1, job.ErrorCount)
	})
}

func TestConcurrentWorkers(t *testing.T) {
	posts := func(n int) []*source.Record {
		recs := []*source.Record{author("1", "alice")}
		for i := 1; i <= n; i++ {
			recs = append(recs, post(fmt.Sprintf("p%d", i), fmt.Sprintf("post-%d", i), "<p>body</p>", byAuthor("alice")))
		}
		return recs
	}
	distinctSlugs := func(s *content.MemoryStore) int {
		seen := map[string]bool{}
		for _, e := range entitiesOf(s, EntityPost) {
			seen[e.String("slug")] = true
		}
		return len(seen)
	}

	t.Run("conflicts", func(t *testing.T) {
		env := newTestEnvWorkers(t, 4)
		recs := append(posts(9), post("p10", "post-1", "<p>dup</p>", byAuthor("alice")))

		job := env.importAll(t, CreateRequest{Source: env.source("posts.xml", newFakeReader(recs...))})

		assert.Equal(t, 9, job.Counters.Posts)
		assert.Equal(t, 1, job.Counters.Skipped)
		assert.Len(t, entitiesOf(env.store, EntityPost), 9)
		assert.Equal(t, 9, distinctSlugs(env.store))
		assert.Equal(t, "<p>body</p>", findOne(t, env.store, EntityPost, "post-1").String("content"),
			"the first record in the stream keeps the slug")

		issues, _, err := env.svc.Issues(context.Background(), job.ID, domain.SeverityWarning, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, issues)
		assert.Equal(t, "p10", issues[0].ExternalID)
	})

	t.Run("dry run matches import", func(t *testing.T) {
		env := newTestEnvWorkers(t, 4)
		records := append(blogRecords(),
			post("103", "hello", "<p>same slug</p>", byAuthor("alice")),
			post("104", "scripted", `<p>x</p><script>alert(1)</script>`, byAuthor("alice")),
			post("105", "orphan", "<p>by nobody</p>", byAuthor("nobody")),
		)
		job := env.approve(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(records...))})
		dry := job.DryRun.Data()

		require.NoError(t, env.svc.Start(context.Background(), job.ID, true))
		job = env.wait(t, job.ID)
		require.Equal(t, domain.JobStatusCompleted, job.Status)

		for key, n := range dry.WouldCreate {
			assert.Equal(t, n, job.Counters.Get(key), key)
		}
		assert.Equal(t, dry.Skipped, job.Counters.Skipped)
		assert.Equal(t, dry.Failed, job.Counters.Failed)
		assert.Equal(t, dry.Redirects, job.Counters.Redirects)
		assert.Equal(t, dry.LinksToFix, job.Counters.LinksFixed)
		assert.Equal(t, dry.Errors, job.ErrorCount)
		assert.Equal(t, dry.Warnings, job.WarningCount)
		require.Len(t, dry.Conflicts, 1)
		assert.Equal(t, "103", dry.Conflicts[0].ExternalID)
		assert.Contains(t, findOne(t, env.store, EntityPost, "hello").String("content"), "the second post")
	})

	t.Run("cancel and resume", func(t *testing.T) {
		env := newTestEnvWorkers(t, 4)
		ctx := context.Background()
		reader := newFakeReader(posts(20)...)
		job := env.approve(t, CreateRequest{Source: env.source("posts.xml", reader)})

		var once sync.Once
		reader.hook = func(rec *source.Record) {
			if rec.ExternalID == "p8" {
				once.Do(func() { assert.NoError(t, env.svc.Cancel(ctx, job.ID)) })
			}
		}
		require.NoError(t, env.svc.Start(ctx, job.ID, true))
		job = env.wait(t, job.ID)
		require.Equal(t, domain.JobStatusCancelled, job.Status)
		assert.Less(t, len(entitiesOf(env.store, EntityPost)), 20)

		reader.hook = nil
		require.NoError(t, env.svc.Resume(ctx, job.ID, true))
		job = env.wait(t, job.ID)
		require.Equal(t, domain.JobStatusCompleted, job.Status)

		assert.Len(t, entitiesOf(env.store, EntityPost), 20, "no record is written twice")
		assert.Equal(t, 20, distinctSlugs(env.store))
		assert.Len(t, entitiesOf(env.store, EntityUser), 1)
		assert.Equal(t, 20, job.Counters.Posts)
		assert.Equal(t, 20, job.Counters.Redirects)
	})
}

func TestRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.importAll(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})

	_, err := env.svc.Rollback(ctx, job.ID, false, "")
	assert.ErrorIs(t, err, domain.ErrConfirmationRequired)

	res, err := env.svc.Rollback(ctx, job.ID, true, "wrong export")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, 3, res.Deleted[EntityPost])
	assert.Equal(t, 2, res.Deleted[EntityComment])
	assert.Equal(t, 3, res.Redirects)
	assert.Zero(t, env.store.Len())

	entries, err := env.deps.IDMap.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	redirects, err := env.svc.Redirects(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, redirects)

	job, err = env.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRolledBack, job.Status)
	assert.Equal(t, "wrong export", job.RollbackReason)
	assert.NotNil(t, job.RolledBackAt)

	_, err = env.svc.Rollback(ctx, job.ID, true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRollbackKeepsAdoptedEntities(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	existing, err := env.store.Create(ctx, EntityUser, map[string]any{"email": "alice@example.com", "login": "alice"})
	require.NoError(t, err)

	opts := domain.DefaultImportOptions()
	opts.ConflictStrategy = domain.ConflictOverwrite
	job := env.importAll(t, CreateRequest{
		Source:  env.source("blog.xml", newFakeReader(blogRecords()...)),
		Options: &opts,
	})
	assert.Equal(t, existing, findOne(t, env.store, EntityPost, "hello").String("author"))

	res, err := env.svc.Rollback(ctx, job.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retained)

	left := env.store.All()
	require.Len(t, left, 1)
	assert.Equal(t, existing, left[0].ID)
}

func TestRollbackWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.importAll(t, CreateRequest{Source: env.source("blog.xml", newFakeReader(blogRecords()...))})

	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, env.deps.Jobs.UpdateFields(ctx, job.ID, map[string]interface{}{"completed_at": &old}))

	_, err := env.svc.Rollback(ctx, job.ID, true, "")
	assert.ErrorIs(t, err, domain.ErrRollbackExpired)
	assert.Equal(t, 8, env.store.Len())
}

func TestTargetOutageFailsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reader := newFakeReader(blogRecords()...)
	job := env.approve(t, CreateRequest{Source: env.source("blog.xml", reader)})
	reader.hook = func(rec *source.Record) {
		if rec.Kind == domain.KindContent {
			env.store.SetDown(true)
		}
	}
	require.NoError(t, env.svc.Start(ctx, job.ID, true))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.PhaseContent, job.Phase)

	issues, _, err := env.svc.Issues(ctx, job.ID, domain.SeverityError, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, domain.ClassStorage, issues[len(issues)-1].Class)

	reader.hook = nil
	env.store.SetDown(false)
	require.NoError(t, env.svc.Resume(ctx, job.ID, true))
	job = env.wait(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Counters.Posts)
	assert.Len(t, entitiesOf(env.store, EntityPost), 3)
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for id, status := range map[string]domain.JobStatus{
		"a": domain.JobStatusImporting,
		"b": domain.JobStatusAnalyzing,
		"c": domain.JobStatusCompleted,
	} {
		require.NoError(t, env.deps.Jobs.Create(ctx, &domain.ImportJob{
			ID: id, Site: "default", LineageID: id, SourceKind: domain.SourceKindFile,
			Source:  datatypes.NewJSONType(domain.SourceDescriptor{Kind: domain.SourceKindFile}),
			Options: datatypes.NewJSONType(domain.DefaultImportOptions()),
			Status:  status,
		}))
	}

	n, err := env.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]domain.JobStatus{
		"a": domain.JobStatusFailed,
		"b": domain.JobStatusFailed,
		"c": domain.JobStatusCompleted,
	} {
		job, err := env.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, id)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, CreateRequest{Source: domain.SourceDescriptor{Kind: "ftp"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := domain.DefaultImportOptions()
	bad.ImageQuality = 0
	_, err = env.svc.Create(ctx, CreateRequest{Source: env.source("x.xml", newFakeReader()), Options: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidOptions)

	_, err = env.svc.Create(ctx, CreateRequest{Source: env.source("x.xml", newFakeReader()), ParentJobID: "missing"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
