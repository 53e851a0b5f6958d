package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// skippedExtensions are file types that never produce a crawlable page.
var skippedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {},
	".css": {}, ".js": {}, ".mjs": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".rar": {}, ".7z": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".webm": {},
	".exe": {}, ".dmg": {}, ".apk": {},
}

// Normalize returns the identity form of a url: fragment removed, query
// removed when ignoreQuery is set, trailing slash collapsed except on the
// root path. Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string, ignoreQuery bool) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	if ignoreQuery {
		u.RawQuery = ""
	}
	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// URLLevel counts the non-empty path segments; the root page is level 0.
func URLLevel(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	level := 0
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			level++
		}
	}
	return level
}

// ApexHost strips a single leading "www." so example.com and www.example.com
// compare equal.
func ApexHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// DomainState tracks which hostnames count as the crawled site. The first
// successfully fetched page records the requested and the reached hostname as
// mutually valid, so a bare-domain to www redirect does not turn the rest of
// the site into external links. Job-scoped, not safe for concurrent use.
type DomainState struct {
	validHosts map[string]struct{}
}

func NewDomainState() *DomainState {
	return &DomainState{validHosts: make(map[string]struct{})}
}

// RecordRedirect marks both the originally requested hostname and the
// hostname actually reached as valid.
func (ds *DomainState) RecordRedirect(requestedURL, finalURL string) {
	for _, raw := range []string{requestedURL, finalURL} {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			ds.AddHost(u.Hostname())
		}
	}
}

func (ds *DomainState) AddHost(host string) {
	ds.validHosts[strings.ToLower(host)] = struct{}{}
}

func (ds *DomainState) IsValidHost(host string) bool {
	host = strings.ToLower(host)
	if _, ok := ds.validHosts[host]; ok {
		return true
	}
	apex := ApexHost(host)
	for valid := range ds.validHosts {
		if ApexHost(valid) == apex {
			// www/apex variant of a known host. Remember it.
			ds.validHosts[host] = struct{}{}
			return true
		}
	}
	return false
}

// IsInternal reports whether raw belongs to the site being crawled. The
// hostname must match the job url's hostname, be www/apex-equivalent to it,
// or appear in the domain state built from observed redirects.
func IsInternal(raw, jobURL string, ds *DomainState) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, skip := skippedExtensions[ext]; skip {
		return false
	}
	ju, err := url.Parse(jobURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	jobHost := strings.ToLower(ju.Hostname())
	if host == jobHost || ApexHost(host) == ApexHost(jobHost) {
		return true
	}
	return ds != nil && ds.IsValidHost(host)
}

// ResolveRef resolves href against the page it was found on and returns an
// absolute url, or "" when the reference is not usable.
func ResolveRef(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") || strings.HasPrefix(href, "data:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
