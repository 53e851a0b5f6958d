package sampling

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/alisalti1992/sitescope-backend/internal/urlutil"
)

type Category string

const (
	CategoryBlogPost      Category = "blog-post"
	CategoryProduct       Category = "product"
	CategoryCategory      Category = "category"
	CategoryService       Category = "service"
	CategoryAbout         Category = "about"
	CategoryDocumentation Category = "documentation"
	CategoryHomepage      Category = "homepage"
	CategorySection       Category = "section"
	CategoryContent       Category = "content"
	CategoryOther         Category = "other"
)

var datePathPattern = regexp.MustCompile(`/\d{4}/\d{2}(/\d{2})?/`)

// classifyRule pairs a path predicate with the category it yields. Rules are
// evaluated top to bottom; adding a category means adding a row.
type classifyRule struct {
	match    func(path string) bool
	category Category
}

func pathContainsAny(keywords ...string) func(string) bool {
	return func(path string) bool {
		for _, kw := range keywords {
			if strings.Contains(path, kw) {
				return true
			}
		}
		return false
	}
}

var pathRules = []classifyRule{
	{func(p string) bool {
		return pathContainsAny("/blog/", "/news/", "/post/", "/posts/", "/article/", "/articles/")(p) ||
			datePathPattern.MatchString(p)
	}, CategoryBlogPost},
	{pathContainsAny("/product/", "/products/", "/shop/", "/item/", "/store/"), CategoryProduct},
	{pathContainsAny("/category/", "/categories/", "/tag/", "/tags/", "/collections/", "/collection/"), CategoryCategory},
	{pathContainsAny("/service/", "/services/", "/solutions/", "/solution/"), CategoryService},
	{pathContainsAny("/about", "/team", "/company", "/contact", "/careers"), CategoryAbout},
	{pathContainsAny("/docs/", "/documentation/", "/help/", "/faq", "/support/", "/guide/", "/guides/"), CategoryDocumentation},
}

var titleKeywords = []struct {
	keywords []string
	category Category
}{
	{[]string{"blog", "article", "news"}, CategoryBlogPost},
	{[]string{"product", "shop", "buy"}, CategoryProduct},
	{[]string{"service", "solution"}, CategoryService},
	{[]string{"about", "team", "contact"}, CategoryAbout},
	{[]string{"documentation", "docs", "help", "faq"}, CategoryDocumentation},
}

// Classify buckets a url by path heuristics first, then by title keywords
// when page content is available, then by a depth-based default.
func Classify(rawURL, pageTitle string) Category {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CategoryOther
	}
	path := strings.ToLower(u.Path)
	if path == "" || path == "/" {
		return CategoryHomepage
	}
	trailing := path
	if !strings.HasSuffix(trailing, "/") {
		trailing += "/"
	}
	for _, rule := range pathRules {
		if rule.match(trailing) {
			return rule.category
		}
	}
	if pageTitle != "" {
		title := strings.ToLower(pageTitle)
		for _, tk := range titleKeywords {
			for _, kw := range tk.keywords {
				if strings.Contains(title, kw) {
					return tk.category
				}
			}
		}
	}
	switch urlutil.URLLevel(rawURL) {
	case 0:
		return CategoryHomepage
	case 1:
		return CategorySection
	case 2:
		return CategoryContent
	default:
		return CategoryOther
	}
}

// Sampler limits how many deep pages of each category one job processes.
// It is job-scoped and not safe for concurrent use.
type Sampler struct {
	quota    int
	counters map[Category]int
}

func NewSampler(quota int) *Sampler {
	return &Sampler{quota: quota, counters: make(map[Category]int)}
}

// AdmitForProcessing is the authoritative gate, called when a fetched page is
// about to be processed. Level 0 and 1 urls always pass; a level >=2 url
// passes while its category counter is under the quota, and admission
// increments the counter.
func (s *Sampler) AdmitForProcessing(rawURL, pageTitle string) bool {
	if urlutil.URLLevel(rawURL) <= 1 {
		return true
	}
	category := Classify(rawURL, pageTitle)
	if s.counters[category] >= s.quota {
		return false
	}
	s.counters[category]++
	return true
}

// AdmitForEnqueue is the optimistic pre-filter used when deciding whether a
// discovered link is worth queueing. It never increments counters; a page
// admitted here may still be rejected at processing time.
func (s *Sampler) AdmitForEnqueue(rawURL string) bool {
	if urlutil.URLLevel(rawURL) <= 1 {
		return true
	}
	return s.counters[Classify(rawURL, "")] < s.quota
}
