// Package enrich visits listing websites to fill in missing email and phone
// details.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/extract/gmaps"
	"github.com/JakeFAU/mapharvest/internal/fetcher"
	"github.com/JakeFAU/mapharvest/internal/record"
)

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	assetSuffixes  = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}
	ignoredDomains = []string{"example.com", "sentry.io", "wixpress.com"}
)

// Contact is what could be read from a website.
type Contact struct {
	Email string
	Phone string
}

// Config controls the enricher.
type Config struct {
	RespectRobots bool
	// MaxPerBatch caps website visits per Enrich call. Zero means no cap.
	MaxPerBatch int
}

// Enricher fills contact details using a fetcher.
type Enricher struct {
	fetcher fetcher.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds an Enricher.
func New(f fetcher.Fetcher, cfg Config, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{fetcher: f, cfg: cfg, logger: logger.Named("enrich")}
}

// Enrich visits the website of every record lacking an email or phone and
// fills what it finds. Failures leave the record unchanged.
func (e *Enricher) Enrich(ctx context.Context, recs []record.Record) []record.Record {
	visits := 0
	for i := range recs {
		r := &recs[i]
		if !needsContact(*r) {
			continue
		}
		if e.cfg.MaxPerBatch > 0 && visits >= e.cfg.MaxPerBatch {
			break
		}
		visits++
		c, err := e.Lookup(ctx, r.Website)
		if err != nil {
			e.logger.Debug("website lookup failed", zap.String("website", r.Website), zap.Error(err))
			continue
		}
		if r.Email == "" || r.Email == record.NotAvailable {
			r.Email = c.Email
		}
		if (r.Phone == "" || r.Phone == record.NotAvailable) && c.Phone != "" {
			r.Phone = c.Phone
		}
	}
	return recs
}

func needsContact(r record.Record) bool {
	if r.Website == "" || r.Website == record.NotAvailable {
		return false
	}
	u, err := url.Parse(r.Website)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return r.Email == "" || r.Email == record.NotAvailable || r.Phone == "" || r.Phone == record.NotAvailable
}

// Lookup fetches site and extracts contact details.
func (e *Enricher) Lookup(ctx context.Context, site string) (Contact, error) {
	resp, err := e.fetcher.Fetch(ctx, fetcher.Request{
		URL:                   site,
		RespectRobots:         e.cfg.RespectRobots,
		RespectRobotsProvided: true,
	})
	if err != nil {
		return Contact{}, fmt.Errorf("fetch %s: %w", site, err)
	}
	return ParseContact(resp.Body)
}

// ParseContact reads mailto:/tel: links first, then falls back to scanning
// the visible text.
func ParseContact(body []byte) (Contact, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Contact{}, fmt.Errorf("parse html: %w", err)
	}
	var c Contact
	doc.Find("a[href^='mailto:']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if addr, err := url.PathUnescape(strings.TrimSpace(addr)); err == nil && validEmail(addr) {
			c.Email = strings.ToLower(addr)
			return false
		}
		return true
	})
	doc.Find("a[href^='tel:']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if tel := strings.TrimSpace(strings.TrimPrefix(href, "tel:")); tel != "" {
			c.Phone = tel
			return false
		}
		return true
	})

	doc.Find("script, style, noscript").Remove()
	text := doc.Text()
	if c.Email == "" {
		for _, m := range emailPattern.FindAllString(text, -1) {
			if validEmail(m) {
				c.Email = strings.ToLower(m)
				break
			}
		}
	}
	if c.Phone == "" {
		c.Phone = gmaps.FindPhone(text)
	}
	return c, nil
}

func validEmail(s string) bool {
	if !emailPattern.MatchString(s) || emailPattern.FindString(s) != s {
		return false
	}
	lower := strings.ToLower(s)
	for _, suf := range assetSuffixes {
		if strings.HasSuffix(lower, suf) {
			return false
		}
	}
	for _, d := range ignoredDomains {
		if strings.HasSuffix(lower, "@"+d) || strings.HasSuffix(lower, "."+d) {
			return false
		}
	}
	return true
}
