// Package collyfetcher implements fetcher.Fetcher on top of gocolly. It serves
// the Nominatim geocoder and the website visits made during contact
// enrichment; both are single GETs, so every Fetch runs one synchronous visit
// on a clone of a shared collector.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/mapharvest/internal/fetcher"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 4 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// AcceptLanguage is sent unless the request sets its own header.
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	// MaxBodySize truncates larger bodies. Zero means 4 MiB.
	MaxBodySize int
	// Limiter, when set, is consulted before every visit.
	Limiter fetcher.Waiter
}

// Fetcher implements fetcher.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	transport := newHTTPTransport()
	base := colly.NewCollector(
		colly.Async(false),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	// Geocoder lookups repeat across runs and the same site may be visited
	// for several listings.
	base.AllowURLRevisit = true
	base.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, base: base}
}

// visit collects the outcome of one Fetch.
type visit struct {
	request fetcher.Request
	started time.Time
	resp    fetcher.Response
	err     error
	robots  *robotsOutcome
}

// Fetch paces the request through the limiter, then performs a single GET.
// Non-2xx statuses are returned as errors by colly.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return fetcher.Response{}, fmt.Errorf("colly fetch pacing: %w", err)
		}
	}
	v := &visit{request: request, started: time.Now()}
	collector := f.prepare(v)
	if err := f.run(ctx, collector, v); err != nil {
		return fetcher.Response{}, err
	}
	v.robots.apply(&v.resp)
	return v.resp, nil
}

// prepare clones the base collector and applies per-request settings.
func (f *Fetcher) prepare(v *visit) *colly.Collector {
	c := f.base.Clone()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)

	respectRobots := f.cfg.RespectRobots
	if v.request.RespectRobotsProvided {
		respectRobots = v.request.RespectRobots
	}
	c.IgnoreRobotsTxt = !respectRobots
	if respectRobots {
		v.robots = newRobotsOutcome()
		c.WithTransport(&robotsAwareTransport{base: f.transport, state: v.robots})
	} else {
		c.WithTransport(f.transport)
	}
	f.bind(c, v)
	return c
}

func (f *Fetcher) bind(hooks collectorHooks, v *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.cfg.AcceptLanguage != "" && v.request.Headers.Get("Accept-Language") == "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		}
		for key, values := range v.request.Headers {
			r.Headers.Del(key)
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.resp = fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.started),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			v.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		v.err = err
	})
}

// run visits the URL on a goroutine so ctx cancellation returns promptly; the
// collector's own timeout bounds the abandoned visit.
func (f *Fetcher) run(ctx context.Context, c *colly.Collector, v *visit) error {
	done := make(chan error, 1)
	go func() { done <- c.Visit(v.request.URL) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if v.err != nil {
			return fmt.Errorf("colly fetch %s: %w", v.request.URL, v.err)
		}
		if err != nil {
			return fmt.Errorf("colly visit %s: %w", v.request.URL, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
}
