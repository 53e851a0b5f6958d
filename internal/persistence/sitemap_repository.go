package persistence

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	jsoniter "github.com/json-iterator/go"
)

type SitemapStorage interface {
	Save(sitemap *model.Sitemap) (int64, error)
}

type SitemapRepository struct {
	db      *sql.DB
	log     *slog.Logger
	retries int
	backoff time.Duration
}

func NewSitemapRepository(db *sql.DB, cfg *config.CrawlerConfig, log *slog.Logger) *SitemapRepository {
	return &SitemapRepository{db: db, log: log, retries: cfg.PersistenceRetries,
		backoff: cfg.PersistenceBackoff}
}

// Save upserts on (job_id, url) and returns the row id so the caller can
// remap in-memory parent references to database ids.
func (sr *SitemapRepository) Save(sitemap *model.Sitemap) (int64, error) {
	entries, err := jsoniter.MarshalToString(sitemap.Entries)
	if err != nil {
		sr.log.Error("failed to marshal sitemap entries.", slog.String("err", err.Error()))
		entries = "[]"
	}

	var id int64
	err = withRetry(sr.db, sr.log, sr.retries, sr.backoff, "save sitemap", func() error {
		res, err := sr.db.Exec(`INSERT INTO sitemaps
			(job_id, url, parent_id, content, status_code, fetch_time_ms, is_index,
			url_count, entries, provenance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			content = VALUES(content), status_code = VALUES(status_code),
			fetch_time_ms = VALUES(fetch_time_ms), is_index = VALUES(is_index),
			url_count = VALUES(url_count), entries = VALUES(entries),
			id = LAST_INSERT_ID(id)`,
			sitemap.JobID, sitemap.URL, sitemap.ParentID, sitemap.Content,
			sitemap.StatusCode, sitemap.FetchTimeMs, sitemap.IsIndex,
			sitemap.URLCount, entries, sitemap.Provenance)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
