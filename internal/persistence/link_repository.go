package persistence

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
)

// LinkStats are the per-page aggregates recomputed during finalize.
type LinkStats struct {
	InlinkCount                int
	UniqueInlinkCount          int
	OutlinkCount               int
	UniqueOutlinkCount         int
	ExternalOutlinkCount       int
	UniqueExternalOutlinkCount int
}

type LinkStorage interface {
	SaveInlink(link *model.Inlink) error
	GetOrCreateExternalLink(jobID int64, address string) (*model.ExternalLink, error)
	StatsForPage(jobID int64, address string) (*LinkStats, error)
	ExternalLinksByJob(jobID int64) ([]*model.ExternalLink, error)
	CountEdgesTo(jobID int64, address string) (int, error)
	UpdateExternalLinkCount(id int64, count int) error
}

type LinkRepository struct {
	db      *sql.DB
	log     *slog.Logger
	retries int
	backoff time.Duration
}

func NewLinkRepository(db *sql.DB, cfg *config.CrawlerConfig, log *slog.Logger) *LinkRepository {
	return &LinkRepository{db: db, log: log, retries: cfg.PersistenceRetries,
		backoff: cfg.PersistenceBackoff}
}

func (lr *LinkRepository) SaveInlink(link *model.Inlink) error {
	return withRetry(lr.db, lr.log, lr.retries, lr.backoff, "save inlink", func() error {
		_, err := lr.db.Exec(`INSERT INTO inlinks
			(job_id, type, from_address, to_address, anchor_text, alt_text, follow,
			position, origin, page_id, target_page_id, external_link_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			link.JobID, link.Type, link.FromAddress, link.ToAddress, link.AnchorText,
			link.AltText, link.Follow, link.Position, link.Origin, link.PageID,
			link.TargetPageID, link.ExternalLinkID)
		return err
	})
}

// GetOrCreateExternalLink returns the aggregate row for an off-site address,
// creating it on first sight. Unique per (job_id, address).
func (lr *LinkRepository) GetOrCreateExternalLink(jobID int64, address string) (*model.ExternalLink, error) {
	ext := &model.ExternalLink{JobID: jobID, Address: address}
	err := withRetry(lr.db, lr.log, lr.retries, lr.backoff, "get or create external link", func() error {
		err := lr.db.QueryRow(`SELECT id, inlink_count FROM external_links
			WHERE job_id = ? AND address = ?`, jobID, address).
			Scan(&ext.ID, &ext.InlinkCount)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		res, err := lr.db.Exec(`INSERT INTO external_links (job_id, address, inlink_count)
			VALUES (?, ?, 0) ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
			jobID, address)
		if err != nil {
			return err
		}
		ext.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return ext, nil
}

// StatsForPage recomputes a page's link aggregates from the raw edge rows.
func (lr *LinkRepository) StatsForPage(jobID int64, address string) (*LinkStats, error) {
	stats := &LinkStats{}

	err := lr.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT from_address) FROM inlinks
		WHERE job_id = ? AND type = 'internal' AND to_address = ?`, jobID, address).
		Scan(&stats.InlinkCount, &stats.UniqueInlinkCount)
	if err != nil {
		return nil, err
	}

	err = lr.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT to_address) FROM inlinks
		WHERE job_id = ? AND from_address = ?`, jobID, address).
		Scan(&stats.OutlinkCount, &stats.UniqueOutlinkCount)
	if err != nil {
		return nil, err
	}

	err = lr.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT to_address) FROM inlinks
		WHERE job_id = ? AND type = 'external' AND from_address = ?`, jobID, address).
		Scan(&stats.ExternalOutlinkCount, &stats.UniqueExternalOutlinkCount)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (lr *LinkRepository) ExternalLinksByJob(jobID int64) ([]*model.ExternalLink, error) {
	rows, err := lr.db.Query(`SELECT id, job_id, address, inlink_count FROM external_links
		WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*model.ExternalLink
	for rows.Next() {
		ext := &model.ExternalLink{}
		if err := rows.Scan(&ext.ID, &ext.JobID, &ext.Address, &ext.InlinkCount); err != nil {
			return nil, err
		}
		links = append(links, ext)
	}
	return links, rows.Err()
}

func (lr *LinkRepository) CountEdgesTo(jobID int64, address string) (int, error) {
	var count int
	err := lr.db.QueryRow(`SELECT COUNT(*) FROM inlinks
		WHERE job_id = ? AND to_address = ?`, jobID, address).Scan(&count)
	return count, err
}

func (lr *LinkRepository) UpdateExternalLinkCount(id int64, count int) error {
	return withRetry(lr.db, lr.log, lr.retries, lr.backoff, "update external link count", func() error {
		_, err := lr.db.Exec(`UPDATE external_links SET inlink_count = ? WHERE id = ?`, count, id)
		return err
	})
}
