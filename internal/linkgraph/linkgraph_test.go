package linkgraph

import (
	"log/slog"
	"math"
	"testing"

	"github.com/alisalti1992/sitescope-backend/internal/extract"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/persistence"
	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPages struct {
	pages  []*model.Page
	nextID int64
}

func (m *memPages) Save(p *model.Page) (int64, error) {
	m.nextID++
	p.ID = m.nextID
	m.pages = append(m.pages, p)
	return p.ID, nil
}

func (m *memPages) FindID(jobID int64, address string) (int64, bool, error) {
	for _, p := range m.pages {
		if p.JobID == jobID && p.Address == address {
			return p.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m *memPages) CountByJob(jobID int64) (int, error) { return len(m.pages), nil }

func (m *memPages) GetByJob(jobID int64) ([]*model.Page, error) { return m.pages, nil }

func (m *memPages) UpdateLinkMetrics(p *model.Page) error { return nil }

type memLinks struct {
	edges     []*model.Inlink
	externals []*model.ExternalLink
	nextID    int64
}

func (m *memLinks) SaveInlink(l *model.Inlink) error {
	m.edges = append(m.edges, l)
	return nil
}

func (m *memLinks) GetOrCreateExternalLink(jobID int64, address string) (*model.ExternalLink, error) {
	for _, e := range m.externals {
		if e.JobID == jobID && e.Address == address {
			return e, nil
		}
	}
	m.nextID++
	ext := &model.ExternalLink{ID: m.nextID, JobID: jobID, Address: address}
	m.externals = append(m.externals, ext)
	return ext, nil
}

func (m *memLinks) StatsForPage(jobID int64, address string) (*persistence.LinkStats, error) {
	stats := &persistence.LinkStats{}
	inSources := map[string]struct{}{}
	outTargets := map[string]struct{}{}
	extTargets := map[string]struct{}{}
	for _, e := range m.edges {
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

func (m *memLinks) ExternalLinksByJob(jobID int64) ([]*model.ExternalLink, error) {
	return m.externals, nil
}

func (m *memLinks) CountEdgesTo(jobID int64, address string) (int, error) {
	count := 0
	for _, e := range m.edges {
		if e.ToAddress == address {
			count++
		}
	}
	return count, nil
}

func (m *memLinks) UpdateExternalLinkCount(id int64, count int) error {
	for _, e := range m.externals {
		if e.ID == id {
			e.InlinkCount = count
		}
	}
	return nil
}

func addPage(pages *memPages, jobID int64, address string) *model.Page {
	p := &model.Page{JobID: jobID, Address: address}
	pages.Save(p)
	return p
}

func TestRecordLinks(t *testing.T) {
	pages := &memPages{}
	links := &memLinks{}
	svc := NewService(pages, links, slog.Default())
	job := &model.CrawlJob{ID: 1, TargetURL: "https://example.com"}

	home := addPage(pages, 1, "https://example.com/")
	about := addPage(pages, 1, "https://example.com/about")

	anchors := []extract.Anchor{
		{Href: "https://example.com/about", Text: "About", Follow: true, Position: 0},
		{Href: "https://example.com/new-page", Text: "New", Follow: true, Position: 1},
		{Href: "https://twitter.com/example", Text: "Twitter", Follow: false, Position: 2},
	}
	require.NoError(t, svc.RecordLinks(job, home, anchors, urlutil.NewDomainState()))

	require.Len(t, links.edges, 3)
	assert.Equal(t, model.LinkInternal, links.edges[0].Type)
	// crawled target gets its page record referenced
	assert.True(t, links.edges[0].TargetPageID.Valid)
	assert.Equal(t, about.ID, links.edges[0].TargetPageID.Int64)
	// not-yet-crawled internal target has no page reference yet
	assert.False(t, links.edges[1].TargetPageID.Valid)
	// external target created an aggregate
	assert.Equal(t, model.LinkExternal, links.edges[2].Type)
	assert.True(t, links.edges[2].ExternalLinkID.Valid)
	require.Len(t, links.externals, 1)
	assert.Equal(t, "https://twitter.com/example", links.externals[0].Address)
}

func TestFinalizeScores(t *testing.T) {
	pages := &memPages{}
	links := &memLinks{}
	svc := NewService(pages, links, slog.Default())
	job := &model.CrawlJob{ID: 1, TargetURL: "https://example.com"}
	ds := urlutil.NewDomainState()

	home := addPage(pages, 1, "https://example.com/")
	a := addPage(pages, 1, "https://example.com/a")
	b := addPage(pages, 1, "https://example.com/b")

	require.NoError(t, svc.RecordLinks(job, home, []extract.Anchor{
		{Href: "https://example.com/a"},
		{Href: "https://example.com/b"},
		{Href: "https://partner.net/x"},
	}, ds))
	require.NoError(t, svc.RecordLinks(job, a, []extract.Anchor{
		{Href: "https://example.com/b"},
		{Href: "https://partner.net/x"},
	}, ds))
	require.NoError(t, svc.RecordLinks(job, b, []extract.Anchor{}, ds))

	require.NoError(t, svc.Finalize(1))

	// b has two inlinks, zero outlinks
	assert.Equal(t, 2, b.InlinkCount)
	assert.Equal(t, 2, b.UniqueInlinkCount)
	assert.Equal(t, 0, b.OutlinkCount)
	assert.InDelta(t, math.Log(3)*0.8, b.LinkScore, 1e-9)
	assert.InDelta(t, 2.0/3.0*100, b.PercentOfTotal, 1e-9)

	// home has no inlinks, three outlinks of which one external
	assert.Equal(t, 0, home.InlinkCount)
	assert.Equal(t, 3, home.OutlinkCount)
	assert.Equal(t, 1, home.ExternalOutlinkCount)
	assert.InDelta(t, math.Log(4)*0.2, home.LinkScore, 1e-9)

	// round-trip property: score always derives from the persisted edge counts
	for _, p := range pages.pages {
		assert.InDelta(t, Score(p.InlinkCount, p.OutlinkCount), p.LinkScore, 1e-9)
	}

	// external aggregate rolled up from both source pages
	require.Len(t, links.externals, 1)
	assert.Equal(t, 2, links.externals[0].InlinkCount)
}

func TestFinalizeIdempotent(t *testing.T) {
	pages := &memPages{}
	links := &memLinks{}
	svc := NewService(pages, links, slog.Default())
	job := &model.CrawlJob{ID: 1, TargetURL: "https://example.com"}
	ds := urlutil.NewDomainState()

	home := addPage(pages, 1, "https://example.com/")
	a := addPage(pages, 1, "https://example.com/a")
	require.NoError(t, svc.RecordLinks(job, home, []extract.Anchor{
		{Href: "https://example.com/a"},
	}, ds))

	require.NoError(t, svc.Finalize(1))
	firstScore := a.LinkScore
	firstIn := a.InlinkCount

	require.NoError(t, svc.Finalize(1))
	assert.Equal(t, firstScore, a.LinkScore)
	assert.Equal(t, firstIn, a.InlinkCount)
}
