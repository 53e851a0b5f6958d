package persistence

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
)

type PageStorage interface {
	Save(page *model.Page) (int64, error)
	CountByJob(jobID int64) (int, error)
	GetByJob(jobID int64) ([]*model.Page, error)
	UpdateLinkMetrics(page *model.Page) error
	FindID(jobID int64, address string) (int64, bool, error)
}

type PageRepository struct {
	db      *sql.DB
	log     *slog.Logger
	retries int
	backoff time.Duration
}

func NewPageRepository(db *sql.DB, cfg *config.CrawlerConfig, log *slog.Logger) *PageRepository {
	return &PageRepository{db: db, log: log, retries: cfg.PersistenceRetries,
		backoff: cfg.PersistenceBackoff}
}

// Save upserts on the (job_id, address) unique key so a page re-fetched
// through a redirect or race keeps a single record.
func (pr *PageRepository) Save(page *model.Page) (int64, error) {
	var id int64
	err := withRetry(pr.db, pr.log, pr.retries, pr.backoff, "save page", func() error {
		res, err := pr.db.Exec(`INSERT INTO pages
			(job_id, address, status_code, content_type, indexable, indexability_status,
			title, meta_description, meta_robots, canonical_url, h1, h2, word_count,
			text_ratio, readability_score, response_size, render_time_ms, crawl_depth,
			folder_depth, html_key, screenshot_key, crawled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			status_code = VALUES(status_code), content_type = VALUES(content_type),
			indexable = VALUES(indexable), indexability_status = VALUES(indexability_status),
			title = VALUES(title), meta_description = VALUES(meta_description),
			meta_robots = VALUES(meta_robots), canonical_url = VALUES(canonical_url),
			h1 = VALUES(h1), h2 = VALUES(h2), word_count = VALUES(word_count),
			text_ratio = VALUES(text_ratio), readability_score = VALUES(readability_score),
			response_size = VALUES(response_size), render_time_ms = VALUES(render_time_ms),
			html_key = VALUES(html_key), screenshot_key = VALUES(screenshot_key),
			id = LAST_INSERT_ID(id)`,
			page.JobID, page.Address, page.StatusCode, page.ContentType, page.Indexable,
			page.IndexabilityStatus, page.Title, page.MetaDescription, page.MetaRobots,
			page.CanonicalURL, page.H1, page.H2, page.WordCount, page.TextRatio,
			page.ReadabilityScore, page.ResponseSize, page.RenderTimeMs, page.CrawlDepth,
			page.FolderDepth, page.HTMLKey, page.ScreenshotKey, page.CrawledAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	page.ID = id
	return id, nil
}

func (pr *PageRepository) FindID(jobID int64, address string) (int64, bool, error) {
	var id int64
	err := pr.db.QueryRow(`SELECT id FROM pages WHERE job_id = ? AND address = ?`,
		jobID, address).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (pr *PageRepository) CountByJob(jobID int64) (int, error) {
	var count int
	err := pr.db.QueryRow(`SELECT COUNT(*) FROM pages WHERE job_id = ?`, jobID).Scan(&count)
	return count, err
}

func (pr *PageRepository) GetByJob(jobID int64) ([]*model.Page, error) {
	rows, err := pr.db.Query(`SELECT id, job_id, address FROM pages WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*model.Page
	for rows.Next() {
		p := &model.Page{}
		if err := rows.Scan(&p.ID, &p.JobID, &p.Address); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// UpdateLinkMetrics writes the finalize-phase aggregates for one page.
func (pr *PageRepository) UpdateLinkMetrics(page *model.Page) error {
	return withRetry(pr.db, pr.log, pr.retries, pr.backoff, "update page link metrics", func() error {
		_, err := pr.db.Exec(`UPDATE pages SET
			link_score = ?, inlink_count = ?, unique_inlink_count = ?,
			outlink_count = ?, unique_outlink_count = ?, external_outlink_count = ?,
			unique_external_outlink_count = ?, percent_of_total = ?
			WHERE id = ?`,
			page.LinkScore, page.InlinkCount, page.UniqueInlinkCount,
			page.OutlinkCount, page.UniqueOutlinkCount, page.ExternalOutlinkCount,
			page.UniqueExternalOutlinkCount, page.PercentOfTotal, page.ID)
		return err
	})
}
