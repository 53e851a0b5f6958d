package persistence

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
)

type JobStorage interface {
	NextEligible() (*model.CrawlJob, error)
	MarkRunning(job *model.CrawlJob) error
	MarkCompleted(jobID int64) error
	MarkFailed(jobID int64, message string) error
	SaveRobotsSummary(job *model.CrawlJob) error
	UpdateProgress(jobID int64, pagesCrawled, pagesRemaining, totalUnique int, lastURL string) error
}

type JobRepository struct {
	db      *sql.DB
	log     *slog.Logger
	retries int
	backoff time.Duration
}

func NewJobRepository(db *sql.DB, cfg *config.CrawlerConfig, log *slog.Logger) *JobRepository {
	return &JobRepository{db: db, log: log, retries: cfg.PersistenceRetries,
		backoff: cfg.PersistenceBackoff}
}

const jobColumns = `id, target_url, max_pages, take_screenshots, crawl_sitemap, sampled_crawl,
ignore_url_parameters, require_email_verification, pages_crawled, pages_remaining,
total_unique_pages_found, status, can_continue, created_at, started_at, completed_at,
last_crawled_url, error_message`

// NextEligible returns the oldest job that is pending or still running and
// allowed to continue, or nil when there is nothing to do. Jobs waiting for
// email verification never match.
func (jr *JobRepository) NextEligible() (*model.CrawlJob, error) {
	row := jr.db.QueryRow(`SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE status IN ('pending', 'running') AND can_continue = 1
		ORDER BY created_at ASC LIMIT 1`)

	job := &model.CrawlJob{}
	err := row.Scan(&job.ID, &job.TargetURL, &job.MaxPages, &job.TakeScreenshots,
		&job.CrawlSitemap, &job.SampledCrawl, &job.IgnoreURLParameters,
		&job.RequireEmailVerification, &job.PagesCrawled, &job.PagesRemaining,
		&job.TotalUniquePagesFound, &job.Status, &job.CanContinue, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.LastCrawledURL, &job.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkRunning transitions the job to running, initializing started_at and
// pages_remaining only when they are unset so a continued job keeps its
// progress.
func (jr *JobRepository) MarkRunning(job *model.CrawlJob) error {
	if !job.StartedAt.Valid {
		job.StartedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	if job.PagesRemaining == 0 && job.PagesCrawled == 0 {
		job.PagesRemaining = job.MaxPages
	}
	job.Status = model.JobRunning
	return withRetry(jr.db, jr.log, jr.retries, jr.backoff, "mark job running", func() error {
		_, err := jr.db.Exec(`UPDATE crawl_jobs
			SET status = ?, started_at = ?, pages_remaining = ? WHERE id = ?`,
			job.Status, job.StartedAt, job.PagesRemaining, job.ID)
		return err
	})
}

func (jr *JobRepository) MarkCompleted(jobID int64) error {
	return withRetry(jr.db, jr.log, jr.retries, jr.backoff, "mark job completed", func() error {
		_, err := jr.db.Exec(`UPDATE crawl_jobs
			SET status = ?, completed_at = ?, error_message = '' WHERE id = ?`,
			model.JobCompleted, time.Now(), jobID)
		return err
	})
}

func (jr *JobRepository) MarkFailed(jobID int64, message string) error {
	if len(message) > 1000 {
		message = message[:1000]
	}
	return withRetry(jr.db, jr.log, jr.retries, jr.backoff, "mark job failed", func() error {
		_, err := jr.db.Exec(`UPDATE crawl_jobs
			SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
			model.JobFailed, time.Now(), message, jobID)
		return err
	})
}

// SaveRobotsSummary stores the robots fetch outcome on the job record. Called
// best-effort; the caller logs and continues on error.
func (jr *JobRepository) SaveRobotsSummary(job *model.CrawlJob) error {
	return withRetry(jr.db, jr.log, jr.retries, jr.backoff, "save robots summary", func() error {
		_, err := jr.db.Exec(`UPDATE crawl_jobs
			SET robots_content = ?, robots_status_code = ?, robots_fetch_time_ms = ?,
			robots_sitemaps = ? WHERE id = ?`,
			job.RobotsContent, job.RobotsStatusCode, job.RobotsFetchTimeMs,
			job.RobotsSitemaps, job.ID)
		return err
	})
}

func (jr *JobRepository) UpdateProgress(jobID int64, pagesCrawled, pagesRemaining,
	totalUnique int, lastURL string) error {
	return withRetry(jr.db, jr.log, jr.retries, jr.backoff, "update job progress", func() error {
		_, err := jr.db.Exec(`UPDATE crawl_jobs
			SET pages_crawled = ?, pages_remaining = ?, total_unique_pages_found = ?,
			last_crawled_url = ? WHERE id = ?`,
			pagesCrawled, pagesRemaining, totalUnique, lastURL, jobID)
		return err
	})
}
