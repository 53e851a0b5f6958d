package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/linkgraph"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/persistence"
	"github.com/alisalti1992/sitescope-backend/internal/render"
	"github.com/alisalti1992/sitescope-backend/internal/robots"
	"github.com/alisalti1992/sitescope-backend/internal/sitemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	job          *model.CrawlJob
	completed    bool
	failed       bool
	failMessage  string
	robotsSaved  bool
	progressHits int
}

func (f *fakeJobs) NextEligible() (*model.CrawlJob, error) { return f.job, nil }

func (f *fakeJobs) MarkRunning(job *model.CrawlJob) error {
	if job.PagesRemaining == 0 && job.PagesCrawled == 0 {
		job.PagesRemaining = job.MaxPages
	}
	job.Status = model.JobRunning
	return nil
}

func (f *fakeJobs) MarkCompleted(jobID int64) error { f.completed = true; return nil }

func (f *fakeJobs) MarkFailed(jobID int64, message string) error {
	f.failed = true
	f.failMessage = message
	return nil
}

func (f *fakeJobs) SaveRobotsSummary(job *model.CrawlJob) error { f.robotsSaved = true; return nil }

func (f *fakeJobs) UpdateProgress(jobID int64, pagesCrawled, pagesRemaining, totalUnique int,
	lastURL string) error {
	f.progressHits++
	return nil
}

type fakePages struct {
	pages     []*model.Page
	nextID    int64
	saveCalls int
	failFrom  int // every Save fails once saveCalls reaches this count; 0 disables
}

func (f *fakePages) Save(p *model.Page) (int64, error) {
	f.saveCalls++
	if f.failFrom > 0 && f.saveCalls >= f.failFrom {
		return 0, errors.New("connection refused")
	}
	if id, found, _ := f.FindID(p.JobID, p.Address); found {
		p.ID = id
		return id, nil
	}
	f.nextID++
	p.ID = f.nextID
	f.pages = append(f.pages, p)
	return p.ID, nil
}

func (f *fakePages) FindID(jobID int64, address string) (int64, bool, error) {
	for _, p := range f.pages {
		if p.JobID == jobID && p.Address == address {
			return p.ID, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakePages) CountByJob(jobID int64) (int, error) { return len(f.pages), nil }

func (f *fakePages) GetByJob(jobID int64) ([]*model.Page, error) { return f.pages, nil }

func (f *fakePages) UpdateLinkMetrics(p *model.Page) error { return nil }

func (f *fakePages) byAddress(address string) *model.Page {
	for _, p := range f.pages {
		if p.Address == address {
			return p
		}
	}
	return nil
}

type fakeLinks struct {
	edges     []*model.Inlink
	externals []*model.ExternalLink
	nextID    int64
}

func (f *fakeLinks) SaveInlink(l *model.Inlink) error {
	f.edges = append(f.edges, l)
	return nil
}

func (f *fakeLinks) GetOrCreateExternalLink(jobID int64, address string) (*model.ExternalLink, error) {
	for _, e := range f.externals {
		if e.JobID == jobID && e.Address == address {
			return e, nil
		}
	}
	f.nextID++
	ext := &model.ExternalLink{ID: f.nextID, JobID: jobID, Address: address}
	f.externals = append(f.externals, ext)
	return ext, nil
}

func (f *fakeLinks) StatsForPage(jobID int64, address string) (*persistence.LinkStats, error) {
	stats := &persistence.LinkStats{}
	inSources := map[string]struct{}{}
	outTargets := map[string]struct{}{}
	extTargets := map[string]struct{}{}
	for _, e := range f.edges {
		if e.Type == model.LinkInternal && e.ToAddress == address {
			stats.InlinkCount++
			inSources[e.FromAddress] = struct{}{}
		}
		if e.FromAddress == address {
			stats.OutlinkCount++
			outTargets[e.ToAddress] = struct{}{}
			if e.Type == model.LinkExternal {
				stats.ExternalOutlinkCount++
				extTargets[e.ToAddress] = struct{}{}
			}
		}
	}
	stats.UniqueInlinkCount = len(inSources)
	stats.UniqueOutlinkCount = len(outTargets)
	stats.UniqueExternalOutlinkCount = len(extTargets)
	return stats, nil
}

func (f *fakeLinks) ExternalLinksByJob(jobID int64) ([]*model.ExternalLink, error) {
	return f.externals, nil
}

func (f *fakeLinks) CountEdgesTo(jobID int64, address string) (int, error) {
	count := 0
	for _, e := range f.edges {
		if e.ToAddress == address {
			count++
		}
	}
	return count, nil
}

func (f *fakeLinks) UpdateExternalLinkCount(id int64, count int) error {
	for _, e := range f.externals {
		if e.ID == id {
			e.InlinkCount = count
		}
	}
	return nil
}

type fakeSitemaps struct {
	saved  []*model.Sitemap
	nextID int64
}

func (f *fakeSitemaps) Save(sm *model.Sitemap) (int64, error) {
	f.nextID++
	f.saved = append(f.saved, sm)
	return f.nextID, nil
}

type fakeS3 struct {
	htmlKeys       []string
	screenshotKeys []string
}

func (f *fakeS3) WritePageHTML(jobID int64, address, html string) string {
	key := fmt.Sprintf("html/%d/%s", jobID, address)
	f.htmlKeys = append(f.htmlKeys, key)
	return key
}

func (f *fakeS3) WriteScreenshot(jobID int64, address string, png []byte) string {
	key := fmt.Sprintf("png/%d/%s", jobID, address)
	f.screenshotKeys = append(f.screenshotKeys, key)
	return key
}

type fakeNotifier struct {
	ai    chan int64
	email chan int64
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ai: make(chan int64, 1), email: make(chan int64, 1)}
}

func (f *fakeNotifier) TriggerAiAnalysis(jobID int64) { f.ai <- jobID }

func (f *fakeNotifier) TriggerEmailReport(jobID int64) { f.email <- jobID }

type fakeCache struct{}

func (f *fakeCache) GetRobots(host string) ([]byte, bool) { return nil, false }
func (f *fakeCache) SaveRobots(host string, body []byte)  {}
func (f *fakeCache) Close()                               {}

// fakeEngine serves canned documents keyed by url, in frontier order. Like
// the chrome engine it checks the context between navigations.
type fakeEngine struct {
	pages     map[string]string // url -> html
	afterPage func()            // invoked after each delivered page
}

func (e *fakeEngine) Run(ctx context.Context, cfg render.RunConfig, onPage render.PageFunc,
	onFail render.FailFunc) error {
	frontier := render.NewFrontier(cfg.MaxRequests)
	frontier.Enqueue(cfg.Seeds, 0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, ok := frontier.Next()
		if !ok {
			return nil
		}
		html, found := e.pages[req.URL]
		if !found {
			onFail(req.URL, errors.New("canned response missing"))
			continue
		}
		onPage(&render.PageResult{
			RequestedURL: req.URL,
			FinalURL:     req.URL,
			HTML:         html,
			StatusCode:   200,
			ContentType:  "text/html; charset=utf-8",
			RenderTimeMs: 5,
			Depth:        req.Depth,
		}, frontier)
		if e.afterPage != nil {
			e.afterPage()
		}
	}
}

type harness struct {
	worker   *CrawlWorker
	jobs     *fakeJobs
	pages    *fakePages
	links    *fakeLinks
	s3       *fakeS3
	notifier *fakeNotifier
	engine   *fakeEngine
	events   chan *model.CrawlCompletedEvent
}

func newHarness(t *testing.T, job *model.CrawlJob, robotsBody string,
	canned map[string]string) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, robotsBody)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	// Canned documents are registered by path; rebase them onto the test server.
	pages := make(map[string]string, len(canned))
	for p, html := range canned {
		pages[srv.URL+p] = html
	}
	job.TargetURL = srv.URL

	cfg := &config.Config{
		UserAgent:        "sitescope-bot/1.0",
		SchedulerSetting: &config.SchedulerConfig{PollInterval: time.Second},
		CrawlerSettings: &config.CrawlerConfig{
			RobotsTimeout:      2 * time.Second,
			FetchTimeout:       2 * time.Second,
			MaxSitemaps:        10,
			MaxSitemapUrls:     100,
			SampleCategoryCap:  3,
			DefaultMaxPages:    25,
			PersistenceRetries: 1,
			PersistenceBackoff: time.Millisecond,
		},
	}
	log := slog.Default()

	h := &harness{
		jobs:     &fakeJobs{job: job},
		pages:    &fakePages{},
		links:    &fakeLinks{},
		s3:       &fakeS3{},
		notifier: newFakeNotifier(),
		engine:   &fakeEngine{pages: pages},
		events:   make(chan *model.CrawlCompletedEvent, 2),
	}
	h.worker = &CrawlWorker{
		Cfg:       cfg,
		Log:       log,
		Jobs:      h.jobs,
		Pages:     h.pages,
		Links:     h.links,
		Sitemaps:  &fakeSitemaps{},
		Robots:    robots.NewEngine(cfg.CrawlerSettings, cfg.UserAgent, &fakeCache{}, log),
		Discovery: sitemap.NewEngine(cfg.CrawlerSettings, cfg.UserAgent, log),
		Graph:     linkgraph.NewService(h.pages, h.links, log),
		Engine:    h.engine,
		S3:        h.s3,
		Notifier:  h.notifier,
		EventChan: h.events,
		Wg:        &sync.WaitGroup{},
	}
	return h
}

func (h *harness) waitNotified(t *testing.T) {
	t.Helper()
	for _, ch := range []chan int64{h.notifier.ai, h.notifier.email} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("notifier was not triggered")
		}
	}
}

func TestCrawlJobEndToEnd(t *testing.T) {
	job := &model.CrawlJob{
		ID:                  7,
		MaxPages:            5,
		IgnoreURLParameters: true,
		Status:              model.JobPending,
		CanContinue:         true,
	}
	h := newHarness(t, job, "User-agent: *\nDisallow: /private/\n", map[string]string{
		"/": `<html><head><title>Home</title></head><body>
			<a href="/about">About</a>
			<a href="/about?utm=1">About again</a>
			<a href="/private/secret">Hidden</a>
			<a href="https://twitter.com/example">Twitter</a>
		</body></html>`,
		"/about": `<html><head><title>About</title></head><body><a href="/">Home</a></body></html>`,
	})

	h.worker.pollAndProcess(context.Background())

	require.True(t, h.jobs.completed)
	assert.False(t, h.jobs.failed)
	assert.True(t, h.jobs.robotsSaved)
	assert.Equal(t, 200, job.RobotsStatusCode)

	// /about?utm=1 collapses into /about; /private/secret never enters the queue.
	require.Len(t, h.pages.pages, 2)
	assert.Equal(t, 2, job.PagesCrawled)
	assert.Equal(t, 2, h.jobs.progressHits)
	assert.Len(t, h.s3.htmlKeys, 2)
	assert.Empty(t, h.s3.screenshotKeys)

	about := h.pages.byAddress(job.TargetURL + "/about")
	require.NotNil(t, about)
	assert.Equal(t, 2, about.InlinkCount)
	assert.Equal(t, 1, about.UniqueInlinkCount)
	assert.Positive(t, about.LinkScore)
	assert.InDelta(t, 100.0, about.PercentOfTotal, 0.01)

	require.Len(t, h.links.externals, 1)
	assert.Equal(t, 1, h.links.externals[0].InlinkCount)

	event := <-h.events
	assert.Equal(t, int64(7), event.JobID)
	assert.Equal(t, 2, event.PagesCrawled)
	assert.Equal(t, string(model.JobCompleted), event.Status)
	h.waitNotified(t)
}

func TestPollWithoutEligibleJob(t *testing.T) {
	h := newHarness(t, &model.CrawlJob{}, "", nil)
	h.jobs.job = nil

	h.worker.pollAndProcess(context.Background())

	assert.False(t, h.jobs.completed)
	assert.False(t, h.jobs.failed)
	assert.Empty(t, h.events)
}

func TestPersistenceFailureFailsJob(t *testing.T) {
	job := &model.CrawlJob{ID: 3, MaxPages: 5, Status: model.JobPending, CanContinue: true}
	h := newHarness(t, job, "User-agent: *\n", map[string]string{
		"/": `<html><head><title>Home</title></head><body>hello</body></html>`,
	})
	h.pages.failFrom = 1

	h.worker.pollAndProcess(context.Background())

	require.True(t, h.jobs.failed)
	assert.False(t, h.jobs.completed)
	assert.Contains(t, h.jobs.failMessage, "save page")

	event := <-h.events
	assert.Equal(t, string(model.JobFailed), event.Status)
}

func TestShutdownLeavesJobRunning(t *testing.T) {
	job := &model.CrawlJob{ID: 6, MaxPages: 5, Status: model.JobPending, CanContinue: true}
	h := newHarness(t, job, "User-agent: *\n", map[string]string{
		"/":  `<html><head><title>Home</title></head><body><a href="/a">a</a><a href="/b">b</a></body></html>`,
		"/a": `<html><head><title>a</title></head><body>a</body></html>`,
		"/b": `<html><head><title>b</title></head><body>b</body></html>`,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.afterPage = cancel

	h.worker.pollAndProcess(ctx)

	// Shutdown mid-crawl is not a failure: the job stays running with its
	// progress persisted so a later poll can continue it.
	assert.False(t, h.jobs.failed)
	assert.False(t, h.jobs.completed)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.True(t, job.CanContinue)
	assert.Equal(t, 1, job.PagesCrawled)
	assert.Equal(t, 4, job.PagesRemaining)
	assert.Equal(t, 1, h.jobs.progressHits)
	assert.Empty(t, h.events)
}

func TestPersistenceFailureStopsRun(t *testing.T) {
	var links string
	canned := map[string]string{}
	for i := 1; i <= 8; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p%d</a>`, i, i)
		canned[fmt.Sprintf("/p%d", i)] =
			fmt.Sprintf(`<html><head><title>p%d</title></head><body>text</body></html>`, i)
	}
	canned["/"] = `<html><head><title>Home</title></head><body>` + links + `</body></html>`

	job := &model.CrawlJob{ID: 8, MaxPages: 9, Status: model.JobPending, CanContinue: true}
	h := newHarness(t, job, "User-agent: *\n", canned)
	h.pages.failFrom = 2

	h.worker.pollAndProcess(context.Background())

	require.True(t, h.jobs.failed)
	assert.Contains(t, h.jobs.failMessage, "save page")
	// The run ends at the failed save instead of draining the queued pages.
	assert.Equal(t, 2, h.pages.saveCalls)
}

func TestRenderFailureDoesNotFailJob(t *testing.T) {
	job := &model.CrawlJob{ID: 4, MaxPages: 5, Status: model.JobPending, CanContinue: true}
	h := newHarness(t, job, "User-agent: *\n", map[string]string{
		"/": `<html><head><title>Home</title></head><body><a href="/broken">Broken</a></body></html>`,
	})

	h.worker.pollAndProcess(context.Background())

	require.True(t, h.jobs.completed)
	assert.Equal(t, 1, job.PagesCrawled)
	h.waitNotified(t)
}

func TestPageBudgetIsNeverExceeded(t *testing.T) {
	var links string
	canned := map[string]string{}
	for i := 1; i <= 10; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p%d</a>`, i, i)
		canned[fmt.Sprintf("/p%d", i)] =
			fmt.Sprintf(`<html><head><title>p%d</title></head><body>text</body></html>`, i)
	}
	canned["/"] = `<html><head><title>Home</title></head><body>` + links + `</body></html>`

	job := &model.CrawlJob{ID: 5, MaxPages: 3, Status: model.JobPending, CanContinue: true}
	h := newHarness(t, job, "User-agent: *\n", canned)

	h.worker.pollAndProcess(context.Background())

	require.True(t, h.jobs.completed)
	assert.Equal(t, 3, job.PagesCrawled)
	assert.Len(t, h.pages.pages, 3)
	assert.Equal(t, 11, job.TotalUniquePagesFound)
	h.waitNotified(t)
}
