package scraper

import "regexp"

var problemURLPatterns = []struct {
	re       *regexp.Regexp
	platform string
}{
	{regexp.MustCompile(`luogu\.com\.cn/problem/([A-Za-z0-9_]+)`), "luogu"},
	{regexp.MustCompile(`bbcoj\.cn/(?:training/\d+/)?problem/([A-Za-z0-9_]+)`), "bbcoj"},
	{regexp.MustCompile(`ybt\.ssoier\.cn(?::\d+)?/problem_show\.php\?pid=(\d+)`), "ybt"},
	{regexp.MustCompile(`ctoj\.ac/d/([^/]+)/p/([^/?\s]+)`), "ctoj"},
}

// ParseProblemURL extracts the platform and problem id from a problem page URL.
// ctoj ids carry their domain as "domain/pid".
func ParseProblemURL(u string) (platform, problemID string, ok bool) {
	if u == "" {
		return "", "", false
	}
	for _, p := range problemURLPatterns {
		m := p.re.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		if p.platform == "ctoj" {
			return p.platform, m[1] + "/" + m[2], true
		}
		return p.platform, m[1], true
	}
	return "", "", false
}
