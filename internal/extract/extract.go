package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
)

// Anchor is one link found on a rendered page, in document order.
type Anchor struct {
	Href     string
	Text     string
	AltText  string
	Follow   bool
	Position int
}

// PageInput carries what the render engine captured for one page.
type PageInput struct {
	RequestedURL string
	FinalURL     string
	HTML         string
	StatusCode   int
	ContentType  string
	XRobotsTag   string
	RenderTimeMs int64
	Depth        int
}

// BuildPage computes the per-page SEO record from a rendered document. The
// returned anchors feed the link graph; link aggregates on the page stay zero
// until finalize.
func BuildPage(in *PageInput, normalizedAddress string) (*model.Page, []Anchor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, nil, err
	}

	page := &model.Page{
		Address:      normalizedAddress,
		StatusCode:   in.StatusCode,
		ContentType:  in.ContentType,
		RenderTimeMs: in.RenderTimeMs,
		ResponseSize: int64(len(in.HTML)),
		CrawlDepth:   in.Depth,
		FolderDepth:  urlutil.URLLevel(normalizedAddress),
	}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	page.H1 = strings.TrimSpace(doc.Find("h1").First().Text())
	page.H2 = strings.TrimSpace(doc.Find("h2").First().Text())

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		switch strings.ToLower(name) {
		case "description":
			page.MetaDescription, _ = s.Attr("content")
		case "robots":
			page.MetaRobots, _ = s.Attr("content")
		}
	})
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		page.CanonicalURL = strings.TrimSpace(href)
	}

	text := strings.TrimSpace(doc.Find("body").Text())
	words := strings.Fields(text)
	page.WordCount = len(words)
	if len(in.HTML) > 0 {
		page.TextRatio = float64(len(text)) / float64(len(in.HTML))
	}
	page.ReadabilityScore = fleschReadingEase(text, words)

	page.Indexable, page.IndexabilityStatus = indexability(page, in)

	var anchors []Anchor
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := urlutil.ResolveRef(in.FinalURL, href)
		if resolved == "" {
			return
		}
		rel, _ := s.Attr("rel")
		alt, _ := s.Find("img").First().Attr("alt")
		anchors = append(anchors, Anchor{
			Href:     resolved,
			Text:     strings.TrimSpace(s.Text()),
			AltText:  strings.TrimSpace(alt),
			Follow:   !strings.Contains(strings.ToLower(rel), "nofollow"),
			Position: i,
		})
	})

	return page, anchors, nil
}

// indexability mirrors what a search engine would conclude from the status
// code, robots meta, X-Robots-Tag header and canonical target.
func indexability(page *model.Page, in *PageInput) (bool, string) {
	if in.StatusCode >= 300 {
		return false, "non-200 status"
	}
	robots := strings.ToLower(page.MetaRobots + " " + in.XRobotsTag)
	if strings.Contains(robots, "noindex") {
		return false, "noindex"
	}
	if page.CanonicalURL != "" {
		canonical := urlutil.Normalize(page.CanonicalURL, false)
		if canonical != page.Address && canonical != urlutil.Normalize(in.FinalURL, false) {
			return false, "canonicalized"
		}
	}
	return true, "indexable"
}

// fleschReadingEase estimates the standard 206.835 - 1.015*(words/sentences)
// - 84.6*(syllables/words) score, clamped to [0,100]. Syllables are counted
// by vowel groups, which is close enough for a comparative signal.
func fleschReadingEase(text string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	score := 206.835 - 1.015*(float64(len(words))/float64(sentences)) -
		84.6*(float64(syllables)/float64(len(words)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune("aeiouy", r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if count == 0 {
		count = 1
	}
	return count
}
