package linkgraph

import (
	"database/sql"
	"log/slog"
	"math"

	"github.com/alisalti1992/sitescope-backend/internal/extract"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/persistence"
	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
)

const (
	inlinkWeight  = 0.8
	outlinkWeight = 0.2
)

// Service records edges while pages are crawled and recomputes all link
// aggregates once the crawl ends.
type Service struct {
	pages persistence.PageStorage
	links persistence.LinkStorage
	log   *slog.Logger
}

func NewService(pages persistence.PageStorage, links persistence.LinkStorage,
	log *slog.Logger) *Service {
	return &Service{pages: pages, links: links, log: log}
}

// RecordLinks classifies every anchor of a freshly crawled page and persists
// it as an edge. Internal targets are linked to their page record when that
// page was already crawled; external targets roll up into an ExternalLink
// aggregate keyed by (job, address).
func (s *Service) RecordLinks(job *model.CrawlJob, page *model.Page, anchors []extract.Anchor,
	ds *urlutil.DomainState) error {
	for _, anchor := range anchors {
		link := &model.Inlink{
			JobID:       job.ID,
			FromAddress: page.Address,
			AnchorText:  anchor.Text,
			AltText:     anchor.AltText,
			Follow:      anchor.Follow,
			Position:    anchor.Position,
			Origin:      "anchor",
			PageID:      page.ID,
		}
		if urlutil.IsInternal(anchor.Href, job.TargetURL, ds) {
			link.Type = model.LinkInternal
			link.ToAddress = urlutil.Normalize(anchor.Href, job.IgnoreURLParameters)
			if targetID, found, err := s.pages.FindID(job.ID, link.ToAddress); err == nil && found {
				link.TargetPageID = sql.NullInt64{Int64: targetID, Valid: true}
			}
		} else {
			link.Type = model.LinkExternal
			link.ToAddress = urlutil.Normalize(anchor.Href, false)
			ext, err := s.links.GetOrCreateExternalLink(job.ID, link.ToAddress)
			if err != nil {
				return err
			}
			link.ExternalLinkID = sql.NullInt64{Int64: ext.ID, Valid: true}
		}
		if err := s.links.SaveInlink(link); err != nil {
			return err
		}
	}
	return nil
}

// Finalize recomputes every page's link aggregates and every ExternalLink's
// inbound count from the raw edge rows. It is a full recomputation, not an
// incremental update, so re-running it is safe.
func (s *Service) Finalize(jobID int64) error {
	totalPages, err := s.pages.CountByJob(jobID)
	if err != nil {
		return err
	}
	pages, err := s.pages.GetByJob(jobID)
	if err != nil {
		return err
	}

	for _, page := range pages {
		stats, err := s.links.StatsForPage(jobID, page.Address)
		if err != nil {
			return err
		}
		page.InlinkCount = stats.InlinkCount
		page.UniqueInlinkCount = stats.UniqueInlinkCount
		page.OutlinkCount = stats.OutlinkCount
		page.UniqueOutlinkCount = stats.UniqueOutlinkCount
		page.ExternalOutlinkCount = stats.ExternalOutlinkCount
		page.UniqueExternalOutlinkCount = stats.UniqueExternalOutlinkCount
		page.LinkScore = Score(stats.InlinkCount, stats.OutlinkCount)
		if totalPages > 0 {
			page.PercentOfTotal = float64(stats.InlinkCount) / float64(totalPages) * 100
		}
		if err := s.pages.UpdateLinkMetrics(page); err != nil {
			return err
		}
	}

	externals, err := s.links.ExternalLinksByJob(jobID)
	if err != nil {
		return err
	}
	for _, ext := range externals {
		count, err := s.links.CountEdgesTo(jobID, ext.Address)
		if err != nil {
			return err
		}
		if err := s.links.UpdateExternalLinkCount(ext.ID, count); err != nil {
			return err
		}
	}

	s.log.Debug("link graph finalized.", slog.Int64("job_id", jobID),
		slog.Int("pages", len(pages)), slog.Int("external_links", len(externals)))
	return nil
}

// Score weighs inbound links heavier than outbound ones on a log scale.
func Score(inlinks, outlinks int) float64 {
	return math.Log(float64(inlinks)+1)*inlinkWeight + math.Log(float64(outlinks)+1)*outlinkWeight
}
