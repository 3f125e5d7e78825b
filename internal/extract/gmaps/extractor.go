// Package gmaps implements the extraction port on top of a headless (or
// visible) Chrome driven through chromedp: it opens the map search for a
// category around a segment centroid, scrolls the results feed until it
// stops growing, and parses the listing cards.
package gmaps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/crawl"
	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/record"
	"github.com/JakeFAU/mapharvest/internal/schedule"
)

const consentXPath = `//button[.//span[contains(text(), 'Aceptar') or contains(text(), 'Accept')]]`

const scrollFeedJS = `(() => {
  const feed = document.querySelector("div[role='feed']");
  if (!feed) { return false; }
  feed.scrollBy(0, feed.scrollHeight);
  return true;
})()`

// ErrBlocked is returned when the search page answers 429 or 403.
var ErrBlocked = errors.New("search page blocked")

// Delayer draws operation delays.
type Delayer interface {
	Delay(ctx context.Context, class schedule.Class) (time.Duration, error)
}

// Config controls the extractor.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	Zoom              int
	Locale            string
	MaxScrolls        int
	IdleScrolls       int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.Zoom <= 0 {
		c.Zoom = 11
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = 50
	}
	if c.IdleScrolls <= 0 {
		c.IdleScrolls = 5
	}
	return c
}

// Extractor implements crawl.ExtractionPort and crawl.Starter.
type Extractor struct {
	cfg    Config
	delays Delayer
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
}

// New builds an Extractor. Start must be called before Search.
func New(cfg Config, delays Delayer, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg.withDefaults(), delays: delays, logger: logger.Named("gmaps")}
}

// Start launches the browser. The browser outlives ctx and is released by Close.
func (e *Extractor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if e.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browser, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run starts the browser process.
	if err := chromedp.Run(browser); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}
	e.allocCancel, e.browser, e.browserCancel = allocCancel, browser, browserCancel
	e.logger.Info("browser started", zap.Bool("headless", e.cfg.Headless))
	return nil
}

// Close shuts the browser down.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCancel != nil {
		e.browserCancel()
		e.allocCancel()
	}
	e.browser, e.browserCancel, e.allocCancel = nil, nil, nil
}

func (e *Extractor) browserCtx() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser == nil {
		return nil, fmt.Errorf("browser not started: %w", crawl.ErrPortUnavailable)
	}
	if err := e.browser.Err(); err != nil {
		return nil, fmt.Errorf("browser gone: %v: %w", err, crawl.ErrPortUnavailable)
	}
	return e.browser, nil
}

// Search implements crawl.ExtractionPort.
func (e *Extractor) Search(ctx context.Context, category string, seg geo.Segment) ([]record.Raw, error) {
	browser, err := e.browserCtx()
	if err != nil {
		return nil, err
	}
	tab, cancelTab := chromedp.NewContext(browser)
	defer cancelTab()

	searchURL := SearchURL(category, seg.Lat(), seg.Lng(), e.cfg.Zoom, e.cfg.Locale)
	e.logger.Info("searching",
		zap.String("category", category),
		zap.Int("segment", seg.ID),
		zap.String("url", searchURL),
	)

	meta := newResponseMeta()
	chromedp.ListenTarget(tab, meta.captureEvent)
	if err := e.navigate(tab, searchURL); err != nil {
		if browser.Err() != nil {
			return nil, fmt.Errorf("navigate: %v: %w", err, crawl.ErrPortUnavailable)
		}
		return nil, err
	}
	if status := meta.status(); status == http.StatusTooManyRequests || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrBlocked, status)
	}
	if _, err := e.delay(ctx, schedule.InitialLoad); err != nil {
		return nil, err
	}
	e.acceptConsent(tab)

	if err := e.waitFeed(tab); err != nil {
		// A search with no listings renders no feed at all.
		e.logger.Warn("results feed not found", zap.String("category", category), zap.Int("segment", seg.ID), zap.Error(err))
		return nil, nil
	}
	return e.scrollFeed(ctx, tab, category, seg)
}

func (e *Extractor) navigate(tab context.Context, searchURL string) error {
	navCtx, cancel := context.WithTimeout(tab, e.cfg.NavigationTimeout)
	defer cancel()
	return chromedp.Run(navCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if e.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(searchURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (e *Extractor) acceptConsent(tab context.Context) {
	consentCtx, cancel := context.WithTimeout(tab, 5*time.Second)
	defer cancel()
	var nodes int
	if err := chromedp.Run(consentCtx, chromedp.Evaluate(
		`document.evaluate("`+consentXPath+`", document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotLength`,
		&nodes,
	)); err != nil || nodes == 0 {
		return
	}
	if err := chromedp.Run(consentCtx, chromedp.Click(consentXPath, chromedp.BySearch, chromedp.NodeVisible)); err != nil {
		e.logger.Debug("consent click failed", zap.Error(err))
		return
	}
	e.logger.Info("consent screen accepted")
}

func (e *Extractor) waitFeed(tab context.Context) error {
	waitCtx, cancel := context.WithTimeout(tab, e.cfg.NavigationTimeout)
	defer cancel()
	return chromedp.Run(waitCtx, chromedp.WaitVisible(feedSelector, chromedp.ByQuery))
}

func (e *Extractor) scrollFeed(ctx, tab context.Context, category string, seg geo.Segment) ([]record.Raw, error) {
	var (
		out   []record.Raw
		seen  = make(map[string]struct{})
		dups  int
		idle  int
		round int
	)
	for round = 0; round < e.cfg.MaxScrolls; round++ {
		var html string
		readCtx, cancel := context.WithTimeout(tab, e.cfg.NavigationTimeout)
		err := chromedp.Run(readCtx, chromedp.OuterHTML(feedSelector, &html, chromedp.ByQuery))
		cancel()
		if err != nil {
			if len(out) > 0 {
				e.logger.Warn("feed read failed, keeping partial results", zap.Int("found", len(out)), zap.Error(err))
				break
			}
			return nil, fmt.Errorf("read feed: %w", err)
		}
		cards, err := ParseFeed(html)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, c := range cards {
			id := (record.Record{Raw: c}).Identity()
			if _, ok := seen[id]; ok {
				dups++
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
			added++
		}
		if added == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= e.cfg.IdleScrolls || EndOfResults(html) {
			break
		}

		scrollCtx, cancel := context.WithTimeout(tab, 10*time.Second)
		var scrolled bool
		err = chromedp.Run(scrollCtx, chromedp.Evaluate(scrollFeedJS, &scrolled))
		cancel()
		if err != nil || !scrolled {
			break
		}
		if _, err := e.delay(ctx, schedule.AfterScroll); err != nil {
			return out, nil
		}
	}
	e.logger.Info("search finished",
		zap.String("category", category),
		zap.Int("segment", seg.ID),
		zap.Int("unique", len(out)),
		zap.Int("duplicates", dups),
		zap.Int("scrolls", round),
	)
	return out, nil
}

func (e *Extractor) delay(ctx context.Context, class schedule.Class) (time.Duration, error) {
	if e.delays == nil {
		return 0, nil
	}
	return e.delays.Delay(ctx, class)
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.code == 0 {
		m.code = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
