// Package classifier decides, from a User-Agent and a request path, whether a
// request comes from a known crawler and which route class the path belongs to.
// It is pure: the pattern tables are handed in once at construction and never
// mutated afterwards.
package classifier

import "strings"

// RouteClass partitions every request path.
type RouteClass int

// RouteClass values.
const (
	RouteArticle RouteClass = iota
	RouteNonArticle
	RouteBypass
)

// String implements fmt.Stringer.
func (c RouteClass) String() string {
	switch c {
	case RouteBypass:
		return "bypass"
	case RouteNonArticle:
		return "non_article"
	default:
		return "article"
	}
}

// Patterns holds the two disjoint route tables.
//   - Bypass: static assets and API prefixes. Entries starting with "." are
//     file-extension suffixes; every other entry is a path prefix.
//   - NonArticle: known application routes. A path matches when it equals the
//     route or continues it with a "/".
type Patterns struct {
	Bypass     []string
	NonArticle []string
}

// Result is the classification of one request.
type Result struct {
	IsCrawler  bool
	Crawler    string
	RouteClass RouteClass
	Slug       string
}

// Classifier matches requests against immutable pattern tables.
type Classifier struct {
	signatures     []string
	bypassPrefixes []string
	bypassSuffixes []string
	nonArticle     map[string]struct{}
}

// New builds a Classifier. Inputs are normalised and copied so later changes
// to the caller's slices have no effect.
func New(signatures []string, patterns Patterns) *Classifier {
	c := &Classifier{nonArticle: make(map[string]struct{})}
	for _, raw := range signatures {
		sig := strings.ToLower(strings.TrimSpace(raw))
		if sig == "" {
			continue
		}
		c.signatures = append(c.signatures, sig)
	}
	for _, raw := range patterns.Bypass {
		value := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "."):
			c.bypassSuffixes = append(c.bypassSuffixes, value)
		default:
			c.bypassPrefixes = append(c.bypassPrefixes, value)
		}
	}
	for _, raw := range patterns.NonArticle {
		route := "/" + strings.Trim(strings.TrimSpace(raw), "/")
		if route == "/" {
			continue
		}
		c.nonArticle[strings.ToLower(route)] = struct{}{}
	}
	return c
}

// Classify maps every (userAgent, path) pair to exactly one Result.
func (c *Classifier) Classify(userAgent, path string) Result {
	res := Result{RouteClass: RouteArticle}
	res.Crawler = c.MatchCrawler(userAgent)
	res.IsCrawler = res.Crawler != ""

	lower := strings.ToLower(path)
	switch {
	case c.isBypass(lower):
		res.RouteClass = RouteBypass
	case c.isNonArticle(lower):
		res.RouteClass = RouteNonArticle
	default:
		slug := strings.Trim(path, "/")
		if slug == "" {
			res.RouteClass = RouteNonArticle
			break
		}
		res.Slug = slug
	}
	return res
}

// MatchCrawler returns the first signature contained in userAgent, or "".
func (c *Classifier) MatchCrawler(userAgent string) string {
	if c == nil || userAgent == "" {
		return ""
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range c.signatures {
		if strings.Contains(ua, sig) {
			return sig
		}
	}
	return ""
}

func (c *Classifier) isBypass(path string) bool {
	for _, prefix := range c.bypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, suffix := range c.bypassSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (c *Classifier) isNonArticle(path string) bool {
	if path == "" || path == "/" {
		return true
	}
	for route := range c.nonArticle {
		if path == route || strings.HasPrefix(path, route+"/") {
			return true
		}
	}
	return false
}
