package sitemap

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/xml"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
	"github.com/gocolly/colly"
)

// Engine recursively discovers the sitemap forest of a site. Nested indexes
// are followed to any depth; termination is guaranteed by a processed-url set
// and a global cap on fetched sitemaps, so a cyclic index cannot loop.
type Engine struct {
	cfg       *config.CrawlerConfig
	userAgent string
	log       *slog.Logger
}

func NewEngine(cfg *config.CrawlerConfig, userAgent string, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, userAgent: userAgent, log: log}
}

// discovery is the per-run mutable state threaded through the recursion.
type discovery struct {
	job       *model.CrawlJob
	processed map[string]struct{}
	arena     []*model.Sitemap
}

type sitemapRef struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type urlEntry struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

// Discover seeds from the robots-declared sitemap urls when present,
// otherwise from the configured well-known paths. The returned records carry
// in-memory ids starting at 1; ParentID references them within the slice.
func (e *Engine) Discover(job *model.CrawlJob, robotsSitemaps []string) []*model.Sitemap {
	d := &discovery{
		job:       job,
		processed: make(map[string]struct{}),
	}

	if len(robotsSitemaps) > 0 {
		for _, su := range robotsSitemaps {
			e.fetchAndParse(d, su, 0, model.SitemapFromRobots)
		}
		return d.arena
	}

	base, err := url.Parse(job.TargetURL)
	if err != nil {
		e.log.Warn("can't parse job url for sitemap discovery.", slog.String("url", job.TargetURL))
		return d.arena
	}
	for _, wellKnown := range e.cfg.WellKnownSitemaps {
		e.fetchAndParse(d, base.Scheme+"://"+base.Host+wellKnown, 0, model.SitemapFromWellKnown)
	}

	return d.arena
}

func (e *Engine) fetchAndParse(d *discovery, sitemapURL string, parentID int64,
	provenance model.SitemapProvenance) {
	if _, seen := d.processed[sitemapURL]; seen {
		return
	}
	if len(d.arena) >= e.cfg.MaxSitemaps {
		e.log.Warn("sitemap cap reached, skipping.", slog.String("url", sitemapURL),
			slog.Int("cap", e.cfg.MaxSitemaps))
		return
	}
	d.processed[sitemapURL] = struct{}{}

	body, statusCode, elapsed := e.fetch(sitemapURL)

	record := &model.Sitemap{
		ID:          int64(len(d.arena) + 1),
		JobID:       d.job.ID,
		URL:         sitemapURL,
		StatusCode:  statusCode,
		FetchTimeMs: elapsed,
		Provenance:  provenance,
	}
	if parentID > 0 {
		record.ParentID = sql.NullInt64{Int64: parentID, Valid: true}
	}
	d.arena = append(d.arena, record)

	if statusCode < 200 || statusCode > 299 || len(body) == 0 {
		e.log.Debug("sitemap not available.", slog.String("url", sitemapURL),
			slog.Int("status", statusCode))
		return
	}
	record.Content = string(body)

	children, entries, isIndex := parseContent(body)
	record.IsIndex = isIndex
	record.Entries = entries
	record.URLCount = len(entries)

	for _, child := range children {
		e.fetchAndParse(d, child.Loc, record.ID, model.SitemapFromIndex)
	}
}

func (e *Engine) fetch(sitemapURL string) ([]byte, int, int64) {
	c := colly.NewCollector()
	c.SetRequestTimeout(e.cfg.FetchTimeout)
	c.UserAgent = e.userAgent

	var body []byte
	statusCode := 0
	c.OnResponse(func(resp *colly.Response) {
		statusCode = resp.StatusCode
		body = resp.Body
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			statusCode = resp.StatusCode
		}
		e.log.Debug("sitemap fetch failed.", slog.String("url", sitemapURL),
			slog.String("err", err.Error()))
	})

	t := time.Now()
	if err := c.Visit(sitemapURL); err != nil {
		e.log.Debug("sitemap not reachable.", slog.String("url", sitemapURL),
			slog.String("err", err.Error()))
	}
	elapsed := time.Since(t).Milliseconds()

	return maybeGunzip(body), statusCode, elapsed
}

// maybeGunzip transparently decompresses .xml.gz sitemap payloads.
func maybeGunzip(body []byte) []byte {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return body
	}
	return plain
}

// parseContent token-scans the document. <sitemap> blocks mark an index and
// yield child references; <url> blocks yield crawlable entries. Fragments
// that fail to decode are skipped, not fatal.
func parseContent(body []byte) ([]sitemapRef, []model.SitemapEntry, bool) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var children []sitemapRef
	var entries []model.SitemapEntry
	isIndex := false

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "sitemap":
			var ref sitemapRef
			if err := decoder.DecodeElement(&ref, &se); err == nil && ref.Loc != "" {
				isIndex = true
				children = append(children, sitemapRef{
					Loc:     strings.TrimSpace(ref.Loc),
					LastMod: strings.TrimSpace(ref.LastMod),
				})
			}
		case "url":
			var entry urlEntry
			if err := decoder.DecodeElement(&entry, &se); err == nil && entry.Loc != "" {
				entries = append(entries, model.SitemapEntry{
					Loc:        strings.TrimSpace(entry.Loc),
					LastMod:    strings.TrimSpace(entry.LastMod),
					ChangeFreq: strings.TrimSpace(entry.ChangeFreq),
					Priority:   strings.TrimSpace(entry.Priority),
				})
			}
		}
	}

	return children, entries, isIndex
}

// ExtractURLsForCrawling flattens every urlset entry across the forest,
// keeps only addresses on the job's domain, dedups by normalized address and
// caps the result. The slice becomes part of the initial crawl frontier.
func (e *Engine) ExtractURLsForCrawling(sitemaps []*model.Sitemap, job *model.CrawlJob) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, sm := range sitemaps {
		for _, entry := range sm.Entries {
			if len(urls) >= e.cfg.MaxSitemapUrls {
				return urls
			}
			if !urlutil.IsInternal(entry.Loc, job.TargetURL, nil) {
				continue
			}
			normalized := urlutil.Normalize(entry.Loc, job.IgnoreURLParameters)
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			urls = append(urls, normalized)
		}
	}
	return urls
}
