package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/aws_s3"
	"github.com/alisalti1992/sitescope-backend/internal/extract"
	"github.com/alisalti1992/sitescope-backend/internal/linkgraph"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/notifier"
	"github.com/alisalti1992/sitescope-backend/internal/persistence"
	"github.com/alisalti1992/sitescope-backend/internal/render"
	"github.com/alisalti1992/sitescope-backend/internal/robots"
	"github.com/alisalti1992/sitescope-backend/internal/sampling"
	"github.com/alisalti1992/sitescope-backend/internal/sitemap"
	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
	jsoniter "github.com/json-iterator/go"
)

// CrawlWorker polls the job table and runs one crawl at a time, end to end.
type CrawlWorker struct {
	Cfg       *config.Config
	Log       *slog.Logger
	Jobs      persistence.JobStorage
	Pages     persistence.PageStorage
	Links     persistence.LinkStorage
	Sitemaps  persistence.SitemapStorage
	Robots    *robots.Engine
	Discovery *sitemap.Engine
	Graph     *linkgraph.Service
	Engine    render.Engine
	S3        aws_s3.BucketClient
	Notifier  notifier.Client
	EventChan chan<- *model.CrawlCompletedEvent
	Wg        *sync.WaitGroup

	busy atomic.Bool
}

// Run polls on the configured interval until the context is cancelled. A tick
// that fires while a job is still being processed is skipped.
func (w *CrawlWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	w.Log.Info("starting crawl worker.",
		slog.Duration("poll_interval", w.Cfg.SchedulerSetting.PollInterval))

	ticker := time.NewTicker(w.Cfg.SchedulerSetting.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping crawl worker.")
			return
		case <-ticker.C:
			if !w.busy.CompareAndSwap(false, true) {
				w.Log.Debug("previous job still running. skipping tick.")
				continue
			}
			w.pollAndProcess(ctx)
			w.busy.Store(false)
		}
	}
}

func (w *CrawlWorker) pollAndProcess(ctx context.Context) {
	job, err := w.Jobs.NextEligible()
	if err != nil {
		w.Log.Error("polling for jobs failed.", slog.String("err", err.Error()))
		return
	}
	if job == nil {
		w.Log.Debug("no eligible jobs.")
		return
	}

	w.Log.Info("picked up crawl job.", slog.Int64("job_id", job.ID),
		slog.String("url", job.TargetURL))
	start := time.Now()

	if err := w.processJob(ctx, job); err != nil {
		// A cancelled context is shutdown, not a crawl failure. The job stays
		// running with its progress persisted and the next poll continues it.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.Log.Info("crawl interrupted, leaving job for continuation.",
				slog.Int64("job_id", job.ID), slog.Int("pages_crawled", job.PagesCrawled))
			return
		}
		w.Log.Error("crawl job failed.", slog.Int64("job_id", job.ID),
			slog.String("err", err.Error()))
		if markErr := w.Jobs.MarkFailed(job.ID, err.Error()); markErr != nil {
			w.Log.Error("can't mark job as failed.", slog.String("err", markErr.Error()))
		}
		w.publishEvent(job, start, model.JobFailed)
		return
	}

	w.Log.Info("crawl job completed.", slog.Int64("job_id", job.ID),
		slog.Int("pages_crawled", job.PagesCrawled),
		slog.Duration("took", time.Since(start)))
	w.publishEvent(job, start, model.JobCompleted)
	go w.Notifier.TriggerAiAnalysis(job.ID)
	go w.Notifier.TriggerEmailReport(job.ID)
}

func (w *CrawlWorker) processJob(ctx context.Context, job *model.CrawlJob) error {
	if job.MaxPages <= 0 {
		job.MaxPages = w.Cfg.CrawlerSettings.DefaultMaxPages
	}
	if err := w.Jobs.MarkRunning(job); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	robotsResult := w.Robots.Fetch(job.TargetURL)
	w.saveRobotsSummary(job, robotsResult)

	seeds, err := w.discoverSitemaps(job, robotsResult)
	if err != nil {
		return err
	}

	target := urlutil.Normalize(job.TargetURL, job.IgnoreURLParameters)
	run := newJobRun(job, robotsResult, w.Cfg)
	frontierSeeds := []string{target}
	run.discovered[target] = struct{}{}
	for _, su := range seeds {
		if _, ok := run.discovered[su]; ok {
			continue
		}
		run.discovered[su] = struct{}{}
		frontierSeeds = append(frontierSeeds, su)
	}

	runCfg := render.RunConfig{
		Seeds:           frontierSeeds,
		MaxRequests:     job.PagesRemaining,
		TakeScreenshots: job.TakeScreenshots,
	}
	if err := w.Engine.Run(ctx, runCfg, w.onPage(job, run), w.onFail(job)); err != nil {
		return fmt.Errorf("render run: %w", err)
	}
	if run.err != nil {
		return run.err
	}

	if err := w.Graph.Finalize(job.ID); err != nil {
		return fmt.Errorf("finalize link graph: %w", err)
	}
	if err := w.Jobs.MarkCompleted(job.ID); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	return nil
}

// jobRun is the mutable state of a single crawl. It lives for one job and is
// touched only from the engine's callback, which runs serially.
type jobRun struct {
	robots     *model.RobotsResult
	userAgent  string
	ds         *urlutil.DomainState
	sampler    *sampling.Sampler
	discovered map[string]struct{} // every admissible internal url seen
	processed  map[string]struct{} // urls already extracted, post-redirect
	firstPage  bool
	err        error // first persistence error; aborts the run
}

func newJobRun(job *model.CrawlJob, robotsResult *model.RobotsResult, cfg *config.Config) *jobRun {
	return &jobRun{
		robots:     robotsResult,
		userAgent:  cfg.UserAgent,
		ds:         urlutil.NewDomainState(),
		sampler:    sampling.NewSampler(cfg.CrawlerSettings.SampleCategoryCap),
		discovered: make(map[string]struct{}),
		processed:  make(map[string]struct{}),
		firstPage:  true,
	}
}

func (w *CrawlWorker) onPage(job *model.CrawlJob, run *jobRun) render.PageFunc {
	return func(res *render.PageResult, frontier *render.Frontier) {
		if run.err != nil {
			return
		}
		if run.firstPage {
			run.ds.RecordRedirect(res.RequestedURL, res.FinalURL)
			run.firstPage = false
		}

		address := urlutil.Normalize(res.FinalURL, job.IgnoreURLParameters)
		if _, done := run.processed[address]; done {
			w.Log.Debug("page already processed.", slog.String("url", address))
			return
		}
		run.processed[address] = struct{}{}

		if !urlutil.IsInternal(res.FinalURL, job.TargetURL, run.ds) {
			w.Log.Debug("redirected off-site. skipping.", slog.String("url", res.FinalURL))
			return
		}
		if !robots.IsAllowed(run.robots.Rules, robotsPath(address), run.userAgent) {
			w.Log.Debug("disallowed by robots.txt.", slog.String("url", address))
			return
		}

		page, anchors, err := extract.BuildPage(&extract.PageInput{
			RequestedURL: res.RequestedURL,
			FinalURL:     res.FinalURL,
			HTML:         res.HTML,
			StatusCode:   res.StatusCode,
			ContentType:  res.ContentType,
			XRobotsTag:   res.XRobotsTag,
			RenderTimeMs: res.RenderTimeMs,
			Depth:        res.Depth,
		}, address)
		if err != nil {
			w.Log.Warn("can't parse page.", slog.String("url", address),
				slog.String("err", err.Error()))
			return
		}
		if job.SampledCrawl && !run.sampler.AdmitForProcessing(address, page.Title) {
			w.Log.Debug("category quota reached.", slog.String("url", address))
			return
		}

		page.JobID = job.ID
		page.CrawledAt = time.Now()
		page.HTMLKey = w.S3.WritePageHTML(job.ID, address, res.HTML)
		if job.TakeScreenshots && len(res.Screenshot) > 0 {
			page.ScreenshotKey = w.S3.WriteScreenshot(job.ID, address, res.Screenshot)
		}

		pageID, err := w.Pages.Save(page)
		if err != nil {
			run.err = fmt.Errorf("save page: %w", err)
			frontier.Stop()
			return
		}
		page.ID = pageID

		if err := w.Graph.RecordLinks(job, page, anchors, run.ds); err != nil {
			run.err = fmt.Errorf("record links: %w", err)
			frontier.Stop()
			return
		}

		job.PagesCrawled++
		job.PagesRemaining--
		job.LastCrawledURL = address
		w.enqueueLinks(job, run, anchors, res.Depth, frontier)
		job.TotalUniquePagesFound = len(run.discovered)
		if err := w.Jobs.UpdateProgress(job.ID, job.PagesCrawled, job.PagesRemaining,
			job.TotalUniquePagesFound, job.LastCrawledURL); err != nil {
			run.err = fmt.Errorf("update job progress: %w", err)
			frontier.Stop()
		}
	}
}

// enqueueLinks queues the page's internal links that pass the robots and
// sampling pre-filters. The sampler check here is optimistic; the
// authoritative one runs when the fetched page is processed.
func (w *CrawlWorker) enqueueLinks(job *model.CrawlJob, run *jobRun, anchors []extract.Anchor,
	depth int, frontier *render.Frontier) {
	var next []string
	for _, anchor := range anchors {
		if !urlutil.IsInternal(anchor.Href, job.TargetURL, run.ds) {
			continue
		}
		link := urlutil.Normalize(anchor.Href, job.IgnoreURLParameters)
		if _, seen := run.discovered[link]; seen {
			continue
		}
		run.discovered[link] = struct{}{}
		if !robots.IsAllowed(run.robots.Rules, robotsPath(link), run.userAgent) {
			continue
		}
		if job.SampledCrawl && !run.sampler.AdmitForEnqueue(link) {
			continue
		}
		next = append(next, link)
	}
	frontier.Enqueue(next, depth+1)
}

func (w *CrawlWorker) onFail(job *model.CrawlJob) render.FailFunc {
	return func(url string, err error) {
		w.Log.Warn("page render failed.", slog.Int64("job_id", job.ID),
			slog.String("url", url), slog.String("err", err.Error()))
	}
}

func (w *CrawlWorker) saveRobotsSummary(job *model.CrawlJob, result *model.RobotsResult) {
	job.RobotsContent = result.Content
	job.RobotsStatusCode = result.StatusCode
	job.RobotsFetchTimeMs = result.FetchTimeMs
	if sitemaps, err := jsoniter.MarshalToString(result.SitemapURLs); err == nil {
		job.RobotsSitemaps = sitemaps
	}
	if err := w.Jobs.SaveRobotsSummary(job); err != nil {
		w.Log.Warn("can't save robots summary.", slog.Int64("job_id", job.ID),
			slog.String("err", err.Error()))
	}
}

// discoverSitemaps walks the sitemap forest and persists every record,
// remapping discovery-time parent ids to database ids. Discovery failures
// degrade to fewer urls; persistence failures fail the job.
func (w *CrawlWorker) discoverSitemaps(job *model.CrawlJob,
	robotsResult *model.RobotsResult) ([]string, error) {
	if !job.CrawlSitemap && len(robotsResult.SitemapURLs) == 0 {
		return nil, nil
	}

	records := w.Discovery.Discover(job, robotsResult.SitemapURLs)
	if len(records) == 0 {
		w.Log.Info("no sitemaps found.", slog.Int64("job_id", job.ID))
		return nil, nil
	}

	// Parents precede their children in discovery order.
	dbIDs := make(map[int64]int64, len(records))
	for _, record := range records {
		memID := record.ID
		if record.ParentID.Valid {
			record.ParentID.Int64 = dbIDs[record.ParentID.Int64]
		}
		id, err := w.Sitemaps.Save(record)
		if err != nil {
			return nil, fmt.Errorf("save sitemap %s: %w", record.URL, err)
		}
		dbIDs[memID] = id
	}
	w.Log.Info("sitemap discovery finished.", slog.Int64("job_id", job.ID),
		slog.Int("sitemaps", len(records)))

	return w.Discovery.ExtractURLsForCrawling(records, job), nil
}

func (w *CrawlWorker) publishEvent(job *model.CrawlJob, start time.Time, status model.JobStatus) {
	if w.EventChan == nil {
		return
	}
	w.EventChan <- &model.CrawlCompletedEvent{
		JobID:        job.ID,
		TargetURL:    job.TargetURL,
		PagesCrawled: job.PagesCrawled,
		DurationMs:   time.Since(start).Milliseconds(),
		Status:       string(status),
	}
}

// robotsPath extracts the path (plus query) that robots patterns match on.
func robotsPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
