package model

import (
	"database/sql"
	"time"
)

type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobWaitingVerification JobStatus = "waiting_verification"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobFailed              JobStatus = "failed"
)

// CrawlJob is created by the API layer and mutated only by the crawl worker.
// A completed or failed job is terminal; resubmission creates a new job.
type CrawlJob struct {
	ID                       int64
	TargetURL                string
	MaxPages                 int
	TakeScreenshots          bool
	CrawlSitemap             bool
	SampledCrawl             bool
	IgnoreURLParameters      bool
	RequireEmailVerification bool
	PagesCrawled             int
	PagesRemaining           int
	TotalUniquePagesFound    int
	Status                   JobStatus
	CanContinue              bool
	CreatedAt                time.Time
	StartedAt                sql.NullTime
	CompletedAt              sql.NullTime
	LastCrawledURL           string
	ErrorMessage             string

	// Robots summary, stored on the job record rather than as its own entity.
	RobotsContent     string
	RobotsStatusCode  int
	RobotsFetchTimeMs int64
	RobotsSitemaps    string // json-encoded list of sitemap urls declared in robots.txt
}

// Page is unique per (job, normalized address). Link metrics are zero until
// the finalize pass runs.
type Page struct {
	ID                 int64
	JobID              int64
	Address            string
	StatusCode         int
	ContentType        string
	Indexable          bool
	IndexabilityStatus string
	Title              string
	MetaDescription    string
	MetaRobots         string
	CanonicalURL       string
	H1                 string
	H2                 string
	WordCount          int
	TextRatio          float64
	ReadabilityScore   float64
	ResponseSize       int64
	RenderTimeMs       int64
	CrawlDepth         int
	FolderDepth        int

	LinkScore                  float64
	InlinkCount                int
	UniqueInlinkCount          int
	OutlinkCount               int
	UniqueOutlinkCount         int
	ExternalOutlinkCount       int
	UniqueExternalOutlinkCount int
	PercentOfTotal             float64

	HTMLKey       string
	ScreenshotKey string
	CrawledAt     time.Time
}

type LinkType string

const (
	LinkInternal LinkType = "internal"
	LinkExternal LinkType = "external"
)

// Inlink is one anchor discovered on a crawled page. Rows are append-only;
// aggregates are recomputed from them during finalize.
type Inlink struct {
	ID             int64
	JobID          int64
	Type           LinkType
	FromAddress    string
	ToAddress      string
	AnchorText     string
	AltText        string
	Follow         bool
	Position       int
	Origin         string
	PageID         int64
	TargetPageID   sql.NullInt64
	ExternalLinkID sql.NullInt64
}

// ExternalLink aggregates edges pointing off-site, unique per (job, address).
type ExternalLink struct {
	ID          int64
	JobID       int64
	Address     string
	InlinkCount int
}

type SitemapProvenance string

const (
	SitemapFromRobots    SitemapProvenance = "robots"
	SitemapFromWellKnown SitemapProvenance = "well-known"
	SitemapFromIndex     SitemapProvenance = "index"
)

type SitemapEntry struct {
	Loc        string
	LastMod    string
	ChangeFreq string
	Priority   string
}

// Sitemap records form a forest per job: ParentID links a nested sitemap to
// the index that declared it.
type Sitemap struct {
	ID          int64
	JobID       int64
	URL         string
	ParentID    sql.NullInt64
	Content     string
	StatusCode  int
	FetchTimeMs int64
	IsIndex     bool
	URLCount    int
	Entries     []SitemapEntry
	Provenance  SitemapProvenance
}

// RobotsRuleGroup holds the directives attached to one user-agent line.
type RobotsRuleGroup struct {
	Disallow   []string
	Allow      []string
	CrawlDelay float64
}

type RobotsResult struct {
	Content     string
	StatusCode  int
	FetchTimeMs int64
	SitemapURLs []string
	Rules       map[string]*RobotsRuleGroup
}

type CrawlCompletedEvent struct {
	JobID        int64  `json:"job_id"`
	TargetURL    string `json:"target_url"`
	PagesCrawled int    `json:"pages_crawled"`
	DurationMs   int64  `json:"duration_ms"`
	Status       string `json:"status"`
}
