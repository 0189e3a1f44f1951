// Package spider crawls a site with colly and runs extraction plugins over
// every HTML page it reaches.
package spider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// Config bounds a single crawl.
type Config struct {
	UserAgent      string
	MaxDepth       int
	MaxPages       int
	Parallelism    int
	Delay          time.Duration
	RequestTimeout time.Duration
	IgnoreRobots   bool
	// Blocklist holds hosts never fetched; "*.example.com" also blocks subdomains.
	Blocklist []string
	// Transport overrides the HTTP transport; nil uses a pooled default.
	Transport http.RoundTripper
}

// PageObserver is notified of every fetched page.
type PageObserver interface {
	ObservePage(pageURL string, status int)
}

// Spider implements crawler.Crawler.
type Spider struct {
	cfg       Config
	plugins   []Plugin
	observer  PageObserver
	logger    *zap.Logger
	transport http.RoundTripper
	blocked   *hostBlocklist
}

var _ crawler.Crawler = (*Spider)(nil)

// New builds a Spider. Zero limits fall back to a single-page crawl.
func New(cfg Config, plugins []Plugin, observer PageObserver, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Spider{
		cfg:       cfg,
		plugins:   plugins,
		observer:  observer,
		logger:    logger,
		transport: newRobotsTransport(cfg.Transport, logger),
		blocked:   newHostBlocklist(cfg.Blocklist),
	}
}

// crawlRun holds the mutable state of one Crawl call.
type crawlRun struct {
	mu        sync.Mutex
	requested int
	pages     int
	entities  map[string]Entity
	seedErr   error
}

// Crawl fetches target and same-host links up to the configured bounds and
// returns a one-line summary.
func (s *Spider) Crawl(ctx context.Context, target string) (string, error) {
	seed, err := parseTarget(target)
	if err != nil {
		return "", crawler.Permanent(err)
	}
	if s.blocked.Blocked(seed.Hostname()) {
		return "", crawler.Permanent(fmt.Errorf("host %s is blocklisted", seed.Hostname()))
	}

	c := colly.NewCollector(
		colly.Async(true),
		colly.StdlibContext(ctx),
		colly.MaxDepth(s.cfg.MaxDepth),
		colly.AllowedDomains(allowedHosts(seed.Hostname())...),
	)
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = s.cfg.IgnoreRobots
	c.WithTransport(s.transport)
	c.SetRequestTimeout(s.cfg.RequestTimeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		return "", crawler.Permanent(fmt.Errorf("configure limits: %w", err))
	}

	run := &crawlRun{entities: make(map[string]Entity)}
	s.registerCallbacks(c, run)

	if err := c.Visit(seed.String()); err != nil {
		return "", classifyVisitError(seed.String(), err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("crawl %s: %w", seed, err)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.seedErr != nil {
		return "", run.seedErr
	}
	return fmt.Sprintf("Crawled %s (%d pages, %d entities)", seed, run.pages, len(run.entities)), nil
}

func (s *Spider) registerCallbacks(c *colly.Collector, run *crawlRun) {
	c.OnRequest(func(r *colly.Request) {
		run.mu.Lock()
		defer run.mu.Unlock()
		if run.requested >= s.cfg.MaxPages {
			r.Abort()
			return
		}
		run.requested++
	})

	c.OnResponse(func(r *colly.Response) {
		run.mu.Lock()
		run.pages++
		run.mu.Unlock()
		if s.observer != nil {
			s.observer.ObservePage(r.Request.URL.String(), r.StatusCode)
		}
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		page := Page{
			URL:    e.Request.URL.String(),
			Status: e.Response.StatusCode,
			Depth:  e.Request.Depth,
			DOM:    e.DOM,
		}
		for _, p := range s.plugins {
			found, err := p.Extract(page)
			if err != nil {
				s.logger.Warn("plugin failed",
					zap.String("plugin", p.Name()), zap.String("url", page.URL), zap.Error(err))
				continue
			}
			run.mu.Lock()
			for _, ent := range found {
				key := ent.Kind + "\x00" + ent.Value
				if _, ok := run.entities[key]; !ok {
					run.entities[key] = ent
				}
			}
			run.mu.Unlock()
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		u, err := normalizeURL(link)
		if err != nil {
			return
		}
		// Off-host, already visited and too-deep links are expected here.
		_ = e.Request.Visit(u.String())
	})

	c.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Request == nil {
			return
		}
		if r.Request.Depth > 1 {
			s.logger.Debug("page fetch failed",
				zap.String("url", r.Request.URL.String()), zap.Int("status", r.StatusCode), zap.Error(err))
			return
		}
		run.mu.Lock()
		defer run.mu.Unlock()
		switch {
		case r.StatusCode >= http.StatusBadRequest:
			run.seedErr = &crawler.HTTPStatusError{URL: r.Request.URL.String(), Code: r.StatusCode}
		case r.StatusCode == 0:
			run.seedErr = classifyFetchError(r.Request.URL.String(), err)
		}
	})
}

func parseTarget(target string) (*url.URL, error) {
	u, err := normalizeURL(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target %q: scheme must be http or https", target)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid target %q: missing host", target)
	}
	return u, nil
}

// allowedHosts admits the seed host and its "www." twin, the usual target of
// a canonicalising redirect.
func allowedHosts(host string) []string {
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	if bare, ok := strings.CutPrefix(host, "www."); ok && bare != "" {
		return []string{host, bare}
	}
	return []string{host, "www." + host}
}

func classifyVisitError(target string, err error) error {
	if isFilterError(err) {
		return crawler.Permanent(fmt.Errorf("visit %s: %w", target, err))
	}
	return fmt.Errorf("visit %s: %w", target, err)
}

// classifyFetchError handles seed failures reported after Visit returned,
// such as a redirect that leaves the allowed hosts.
func classifyFetchError(target string, err error) error {
	if isFilterError(err) {
		return crawler.Permanent(fmt.Errorf("fetch %s: %w", target, err))
	}
	return fmt.Errorf("fetch %s: %w", target, err)
}

func isFilterError(err error) bool {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL):
		return true
	}
	return false
}
