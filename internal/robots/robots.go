package robots

import (
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	cacheClient "github.com/alisalti1992/sitescope-backend/internal/cache"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/gocolly/colly"
	"github.com/patrickmn/go-cache"
)

// Engine fetches and parses robots.txt. Fetch never returns an error: any
// network failure or non-2xx response degrades to an empty result so the
// crawl can proceed without directives.
type Engine struct {
	cfg        *config.CrawlerConfig
	userAgent  string
	log        *slog.Logger
	cache      cacheClient.CachedClient
	localCache *cache.Cache // parsed results per host
}

func NewEngine(cfg *config.CrawlerConfig, userAgent string, c cacheClient.CachedClient,
	log *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		userAgent:  userAgent,
		log:        log,
		cache:      c,
		localCache: cache.New(1*time.Hour, 1*time.Hour),
	}
}

func (e *Engine) Fetch(baseURL string) *model.RobotsResult {
	empty := &model.RobotsResult{Rules: map[string]*model.RobotsRuleGroup{}}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		e.log.Warn("can't build robots url.", slog.String("url", baseURL))
		return empty
	}
	if r, ok := e.localCache.Get(u.Host); ok {
		return r.(*model.RobotsResult)
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	result := empty

	if body, ok := e.cache.GetRobots(u.Host); ok {
		result = e.buildResult(string(body), 200, 0)
	} else {
		result = e.fetchRemote(robotsURL)
		if result.StatusCode == 200 && result.Content != "" {
			e.cache.SaveRobots(u.Host, []byte(result.Content))
		}
	}
	e.localCache.Set(u.Host, result, cache.DefaultExpiration)

	return result
}

func (e *Engine) fetchRemote(robotsURL string) *model.RobotsResult {
	c := colly.NewCollector()
	c.SetRequestTimeout(e.cfg.RobotsTimeout)
	c.UserAgent = e.userAgent

	var body string
	statusCode := 0
	c.OnResponse(func(resp *colly.Response) {
		statusCode = resp.StatusCode
		body = string(resp.Body)
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			statusCode = resp.StatusCode
		}
		e.log.Debug("robots fetch failed.", slog.String("url", robotsURL),
			slog.String("err", err.Error()))
	})

	t := time.Now()
	if err := c.Visit(robotsURL); err != nil {
		e.log.Debug("robots not reachable.", slog.String("url", robotsURL),
			slog.String("err", err.Error()))
	}
	elapsed := time.Since(t).Milliseconds()

	if statusCode < 200 || statusCode > 299 {
		return &model.RobotsResult{
			StatusCode:  statusCode,
			FetchTimeMs: elapsed,
			Rules:       map[string]*model.RobotsRuleGroup{},
		}
	}

	return e.buildResult(body, statusCode, elapsed)
}

func (e *Engine) buildResult(content string, status int, elapsed int64) *model.RobotsResult {
	rules, sitemaps := Parse(content)
	return &model.RobotsResult{
		Content:     content,
		StatusCode:  status,
		FetchTimeMs: elapsed,
		SitemapURLs: sitemaps,
		Rules:       rules,
	}
}

// Parse scans robots.txt line by line. Consecutive User-agent lines share the
// directive block that follows them. Sitemap lines are collected regardless
// of the agent context. Each agent's rules stand alone; nothing is merged
// into the wildcard bucket.
func Parse(content string) (map[string]*model.RobotsRuleGroup, []string) {
	rules := make(map[string]*model.RobotsRuleGroup)
	var sitemaps []string
	seenSitemap := make(map[string]struct{})

	var currentAgents []string
	lastWasAgent := false

	for _, line := range strings.Split(content, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			agent := strings.ToLower(value)
			if agent == "" {
				continue
			}
			if lastWasAgent {
				currentAgents = append(currentAgents, agent)
			} else {
				currentAgents = []string{agent}
			}
			if _, ok := rules[agent]; !ok {
				rules[agent] = &model.RobotsRuleGroup{}
			}
			lastWasAgent = true
		case "disallow":
			for _, agent := range currentAgents {
				if value != "" {
					rules[agent].Disallow = append(rules[agent].Disallow, value)
				}
			}
			lastWasAgent = false
		case "allow":
			for _, agent := range currentAgents {
				if value != "" {
					rules[agent].Allow = append(rules[agent].Allow, value)
				}
			}
			lastWasAgent = false
		case "crawl-delay":
			if delay, err := strconv.ParseFloat(value, 64); err == nil {
				for _, agent := range currentAgents {
					rules[agent].CrawlDelay = delay
				}
			}
			lastWasAgent = false
		case "sitemap":
			// sitemap declarations are global, not per-agent
			if value != "" {
				if _, dup := seenSitemap[value]; !dup {
					seenSitemap[value] = struct{}{}
					sitemaps = append(sitemaps, value)
				}
			}
			lastWasAgent = false
		default:
			lastWasAgent = false
		}
	}

	return rules, sitemaps
}

// IsAllowed checks the given agent's own rules first and falls back to the
// wildcard group. Within a group the longest matching pattern decides; an
// Allow only overrides a Disallow when it is strictly more specific. A group
// that carries Allow rules but no matching Disallow behaves as an explicit
// allow list: paths not matched by an Allow are denied.
func IsAllowed(rules map[string]*model.RobotsRuleGroup, path, agent string) bool {
	if len(rules) == 0 {
		return true
	}
	group, ok := rules[strings.ToLower(agent)]
	if !ok || group == nil {
		group = rules["*"]
	}
	if group == nil || (len(group.Disallow) == 0 && len(group.Allow) == 0) {
		return true
	}

	disallowLen := longestMatch(group.Disallow, path)
	allowLen := longestMatch(group.Allow, path)

	if disallowLen >= 0 {
		return allowLen > disallowLen
	}
	if len(group.Allow) > 0 {
		return allowLen >= 0
	}
	return true
}

// CrawlDelay returns the crawl-delay for the agent, falling back to the
// wildcard group, or 0 when none is set.
func CrawlDelay(rules map[string]*model.RobotsRuleGroup, agent string) float64 {
	if group, ok := rules[strings.ToLower(agent)]; ok && group != nil && group.CrawlDelay > 0 {
		return group.CrawlDelay
	}
	if group, ok := rules["*"]; ok && group != nil {
		return group.CrawlDelay
	}
	return 0
}

// longestMatch returns the length of the longest pattern matching path, or -1.
func longestMatch(patterns []string, path string) int {
	best := -1
	for _, p := range patterns {
		if patternMatches(p, path) && len(p) > best {
			best = len(p)
		}
	}
	return best
}

// patternMatches supports '*' as a wildcard and a trailing '$' as an
// end-of-path anchor; everything else is a prefix match.
func patternMatches(pattern, path string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	if anchored {
		expr = "^" + expr + "$"
	} else {
		expr = "^" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}
