package fetcher

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RobotsChecker fetches, parses and caches robots.txt per host. Besides the
// allow/disallow rules for the configured user agent it keeps every Sitemap
// directive, which the sitemap walker uses as a last-resort discovery source.
// Safe for concurrent use.
type RobotsChecker struct {
	cache      map[string]*robotsRules
	mu         sync.RWMutex
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// robotsRules holds the directives that apply to one user agent on one host.
type robotsRules struct {
	disallowRules []string
	allowRules    []string
	sitemaps      []string
	fetchedAt     time.Time
}

// NewRobotsChecker creates a checker that matches User-agent groups against userAgent.
func NewRobotsChecker(userAgent string, logger *slog.Logger) *RobotsChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsChecker{
		cache:     make(map[string]*robotsRules),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SetHTTPClient replaces the client used to fetch robots.txt.
func (r *RobotsChecker) SetHTTPClient(c *http.Client) {
	r.httpClient = c
}

// IsAllowed reports whether robots.txt permits targetURL.
// The longest matching rule wins; a missing or unreachable robots.txt allows everything.
func (r *RobotsChecker) IsAllowed(ctx context.Context, targetURL string) bool {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return true
	}

	rules := r.getRules(ctx, parsedURL.Scheme, parsedURL.Host)
	if rules == nil {
		return true
	}

	path := parsedURL.Path
	if path == "" {
		path = "/"
	}
	return rules.allows(path)
}

// Sitemaps returns the Sitemap directives of the robots.txt for targetURL's host.
func (r *RobotsChecker) Sitemaps(ctx context.Context, targetURL string) []string {
	parsedURL, err := url.Parse(targetURL)
	if err != nil || parsedURL.Host == "" {
		return nil
	}
	rules := r.getRules(ctx, parsedURL.Scheme, parsedURL.Host)
	if rules == nil {
		return nil
	}
	return append([]string(nil), rules.sitemaps...)
}

func (rules *robotsRules) allows(path string) bool {
	allowed := true
	matchedLen := 0

	for _, rule := range rules.allowRules {
		if pathMatches(path, rule) && len(rule) > matchedLen {
			allowed = true
			matchedLen = len(rule)
		}
	}
	for _, rule := range rules.disallowRules {
		if pathMatches(path, rule) && len(rule) > matchedLen {
			allowed = false
			matchedLen = len(rule)
		}
	}
	return allowed
}

func (r *RobotsChecker) getRules(ctx context.Context, scheme, host string) *robotsRules {
	if scheme == "" {
		scheme = "https"
	}
	cacheKey := scheme + "://" + host

	r.mu.RLock()
	rules, exists := r.cache[cacheKey]
	r.mu.RUnlock()
	if exists {
		return rules
	}

	rules = r.fetchRobotsTxt(ctx, cacheKey+"/robots.txt")

	// Cache the result (even if nil)
	r.mu.Lock()
	r.cache[cacheKey] = rules
	r.mu.Unlock()

	return rules
}

func (r *RobotsChecker) fetchRobotsTxt(ctx context.Context, robotsURL string) *robotsRules {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debug("robots.txt unreachable", "url", robotsURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	r.logger.Debug("fetched robots.txt", "url", robotsURL)
	return r.parseRobotsTxt(resp.Body)
}

// parseRobotsTxt extracts the rules for our user agent, falling back to the
// wildcard group when no group names us. Sitemap directives are global and
// collected from every group.
func (r *RobotsChecker) parseRobotsTxt(reader io.Reader) *robotsRules {
	rules := &robotsRules{fetchedAt: time.Now()}
	wildcardRules := &robotsRules{}

	scanner := bufio.NewScanner(reader)
	var currentUserAgent string
	matchesUs := false
	ua := strings.ToLower(r.userAgent)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
		value := strings.TrimSpace(line[colonIdx+1:])

		switch key {
		case "user-agent":
			currentUserAgent = strings.ToLower(value)
			matchesUs = currentUserAgent != "*" && ua != "" && strings.Contains(ua, currentUserAgent)

		case "disallow":
			if value == "" {
				continue
			}
			if matchesUs {
				rules.disallowRules = append(rules.disallowRules, value)
			} else if currentUserAgent == "*" {
				wildcardRules.disallowRules = append(wildcardRules.disallowRules, value)
			}

		case "allow":
			if matchesUs {
				rules.allowRules = append(rules.allowRules, value)
			} else if currentUserAgent == "*" {
				wildcardRules.allowRules = append(wildcardRules.allowRules, value)
			}

		case "sitemap":
			if value != "" {
				rules.sitemaps = append(rules.sitemaps, value)
			}
		}
	}

	if len(rules.disallowRules) == 0 && len(rules.allowRules) == 0 {
		rules.disallowRules = wildcardRules.disallowRules
		rules.allowRules = wildcardRules.allowRules
	}

	return rules
}

// pathMatches applies robots.txt pattern rules: prefix match, * wildcards
// and a trailing $ anchor.
//
//	pathMatches("/docs/api", "/docs/")  -> true
//	pathMatches("/docs/api", "/docs$")  -> false
func pathMatches(path, pattern string) bool {
	if pattern == "" {
		return false
	}

	mustMatchEnd := false
	if strings.HasSuffix(pattern, "$") {
		mustMatchEnd = true
		pattern = pattern[:len(pattern)-1]
	}

	if strings.Contains(pattern, "*") {
		return wildcardMatch(path, pattern, mustMatchEnd)
	}

	if mustMatchEnd {
		return path == pattern
	}
	return strings.HasPrefix(path, pattern)
}

func wildcardMatch(path, pattern string, mustMatchEnd bool) bool {
	parts := strings.Split(pattern, "*")

	last := len(parts) - 1
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		// An anchored final part must sit at the very end of the path.
		if i == last && mustMatchEnd {
			return len(path)-len(part) >= pos && strings.HasSuffix(path, part)
		}
		idx := strings.Index(path[pos:], part)
		if idx == -1 {
			return false
		}
		// First part must match at start if there's no leading *
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}

	// Reaching here with an anchor means the pattern ends in *, which absorbs the rest.
	return true
}
