package robots

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	content := `# comment line
User-agent: *
Disallow: /admin
Allow: /admin/login
Crawl-delay: 2

User-agent: googlebot
User-agent: bingbot
Disallow: /private

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news-sitemap.xml
Unknown-directive: whatever
`
	rules, sitemaps := Parse(content)

	require.Contains(t, rules, "*")
	assert.Equal(t, []string{"/admin"}, rules["*"].Disallow)
	assert.Equal(t, []string{"/admin/login"}, rules["*"].Allow)
	assert.Equal(t, 2.0, rules["*"].CrawlDelay)

	// consecutive user-agent lines share the block that follows
	require.Contains(t, rules, "googlebot")
	require.Contains(t, rules, "bingbot")
	assert.Equal(t, []string{"/private"}, rules["googlebot"].Disallow)
	assert.Equal(t, []string{"/private"}, rules["bingbot"].Disallow)
	assert.Empty(t, rules["googlebot"].Allow)

	assert.Equal(t, []string{"https://example.com/sitemap.xml", "https://example.com/news-sitemap.xml"},
		sitemaps)
}

func TestIsAllowed(t *testing.T) {
	t.Run("no rules defaults to allowed", func(tt *testing.T) {
		rules, _ := Parse("")
		assert.True(tt, IsAllowed(rules, "/anything", "*"))
	})

	t.Run("more specific allow overrides disallow", func(tt *testing.T) {
		rules, _ := Parse("User-agent: *\nDisallow: /private\nAllow: /private/public$\n")
		assert.True(tt, IsAllowed(rules, "/private/public", "*"))
		assert.False(tt, IsAllowed(rules, "/private/x", "*"))
		assert.False(tt, IsAllowed(rules, "/private/public/deeper", "*"))
	})

	t.Run("allow list without disallow match denies unmatched paths", func(tt *testing.T) {
		rules, _ := Parse("User-agent: *\nAllow: /blog\n")
		assert.True(tt, IsAllowed(rules, "/blog/post", "*"))
		assert.False(tt, IsAllowed(rules, "/shop", "*"))
	})

	t.Run("agent rules are independent of wildcard", func(tt *testing.T) {
		rules, _ := Parse("User-agent: *\nDisallow: /\n\nUser-agent: sitescopebot\nDisallow: /secret\n")
		assert.True(tt, IsAllowed(rules, "/public", "SiteScopeBot"))
		assert.False(tt, IsAllowed(rules, "/secret/a", "sitescopebot"))
		assert.False(tt, IsAllowed(rules, "/public", "otherbot"))
	})

	t.Run("wildcard and anchor patterns", func(tt *testing.T) {
		rules, _ := Parse("User-agent: *\nDisallow: /*.php$\nDisallow: /tmp/*/cache\n")
		assert.False(tt, IsAllowed(rules, "/index.php", "*"))
		assert.True(tt, IsAllowed(rules, "/index.php5", "*"))
		assert.False(tt, IsAllowed(rules, "/tmp/a/cache", "*"))
		assert.True(tt, IsAllowed(rules, "/tmp/a", "*"))
	})
}

func TestCrawlDelay(t *testing.T) {
	rules, _ := Parse("User-agent: *\nCrawl-delay: 1.5\n\nUser-agent: fastbot\nCrawl-delay: 0.2\n")
	assert.Equal(t, 0.2, CrawlDelay(rules, "fastbot"))
	assert.Equal(t, 1.5, CrawlDelay(rules, "someother"))
}
