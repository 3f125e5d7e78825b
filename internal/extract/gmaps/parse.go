package gmaps

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/mapharvest/internal/record"
)

// Selectors for the results feed. Class names are the obfuscated ones the
// Maps front end has used for years; attribute selectors back them up.
const (
	feedSelector      = "div[role='feed']"
	cardSelector      = "div.Nv2PK"
	placeLinkSelector = "a[href*='/maps/place/']"
	nameSelector      = ".qBF1Pd, .fontHeadlineSmall"
	ratingSelector    = "span.MW4etd"
	reviewsSelector   = "span.UY7F9"
	infoLineSelector  = "div.W4Efsd"
	phoneSelector     = "span[aria-label*='Teléfono'], span[aria-label*='Phone']"
	websiteSelector   = "a[data-value='Sitio web'], a[data-value='Website'], a[aria-label*='Sitio web'], a[aria-label*='Website']"
)

var (
	atCoordsPattern   = regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+)`)
	dataCoordsPattern = regexp.MustCompile(`!3d(-?\d+\.\d+)!4d(-?\d+\.\d+)`)
	phonePatterns     = []*regexp.Regexp{
		regexp.MustCompile(`\+54\s?\d{1,4}\s?\d{3,4}[-\s]?\d{4}`),
		regexp.MustCompile(`\+\d{1,3}\s?\d{1,4}\s?\d{3,4}[-\s]?\d{4}`),
		regexp.MustCompile(`0\d{3,4}[-\s]?\d{3,4}[-\s]?\d{4}`),
		regexp.MustCompile(`\d{3,4}[-\s]\d{3,4}[-\s]\d{4}`),
		regexp.MustCompile(`\(\d{3,4}\)\s?\d{3,4}[-\s]?\d{4}`),
	}
	endMarkers = []string{"Has llegado al final", "You've reached the end", "You&#39;ve reached the end"}
)

// SearchURL builds the map search URL for category centred on (lat, lng).
func SearchURL(category string, lat, lng float64, zoom int, locale string) string {
	term := strings.Join(strings.Fields(category), "+")
	u := fmt.Sprintf("https://www.google.com/maps/search/%s/@%s,%s,%dz",
		url.PathEscape(term),
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64),
		zoom,
	)
	if locale != "" {
		u += "?hl=" + url.QueryEscape(locale)
	}
	return u
}

// ParseCoordinates extracts (lat, lng) from a place URL, trying the
// viewport "@lat,lng" form and then the "!3d<lat>!4d<lng>" data form.
func ParseCoordinates(placeURL string) (lat, lng float64, ok bool) {
	for _, re := range []*regexp.Regexp{dataCoordsPattern, atCoordsPattern} {
		m := re.FindStringSubmatch(placeURL)
		if m == nil {
			continue
		}
		la, err1 := strconv.ParseFloat(m[1], 64)
		ln, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			return la, ln, true
		}
	}
	return 0, 0, false
}

// ParseRating reads a rating such as "4,5" or "4.5".
func ParseRating(s string) float64 {
	s = strings.ReplaceAll(cleanText(s), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseReviewCount reads counts such as "(1.234)" or "(1,234)".
func ParseReviewCount(s string) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return v
}

// FindPhone returns the first phone-looking substring of text.
func FindPhone(text string) string {
	for _, re := range phonePatterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

// EndOfResults reports whether the feed shows its end-of-list message.
func EndOfResults(html string) bool {
	for _, m := range endMarkers {
		if strings.Contains(html, m) {
			return true
		}
	}
	return false
}

// ParseFeed extracts listing cards from rendered feed HTML. Cards without a
// name are dropped. Phone is NotAvailable when the card shows none.
func ParseFeed(html string) ([]record.Raw, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse feed html: %w", err)
	}
	cards := doc.Find(feedSelector + " " + cardSelector)
	if cards.Length() == 0 {
		// Fall back to the parent of every place link.
		cards = doc.Find(feedSelector + " " + placeLinkSelector).Parent()
	}
	out := make([]record.Raw, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		if raw, ok := parseCard(card); ok {
			out = append(out, raw)
		}
	})
	return out, nil
}

func parseCard(card *goquery.Selection) (record.Raw, bool) {
	var raw record.Raw
	link := card.Find(placeLinkSelector).First()
	if card.Is(placeLinkSelector) {
		link = card
	}
	raw.SourceURL, _ = link.Attr("href")

	raw.Name = cleanText(card.Find(nameSelector).First().Text())
	if raw.Name == "" {
		label, _ := link.Attr("aria-label")
		raw.Name = cleanText(label)
	}
	if raw.Name == "" {
		return record.Raw{}, false
	}
	if lat, lng, ok := ParseCoordinates(raw.SourceURL); ok {
		raw.Latitude, raw.Longitude = lat, lng
	}

	raw.Rating = ParseRating(card.Find(ratingSelector).First().Text())
	raw.ReviewCount = ParseReviewCount(card.Find(reviewsSelector).First().Text())
	raw.Category, raw.Address = infoLine(card)

	if label, ok := card.Find(phoneSelector).First().Attr("aria-label"); ok {
		label = strings.NewReplacer("Teléfono:", "", "Phone:", "").Replace(label)
		raw.Phone = cleanText(label)
	}
	if raw.Phone == "" {
		raw.Phone = FindPhone(card.Text())
	}
	if raw.Phone == "" {
		raw.Phone = record.NotAvailable
	}
	if href, ok := card.Find(websiteSelector).First().Attr("href"); ok {
		raw.Website = strings.TrimSpace(href)
	}
	return raw, true
}

// infoLine reads the first leaf info line, "Category · $$ · Address".
func infoLine(card *goquery.Selection) (category, address string) {
	var line string
	card.Find(infoLineSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Find(infoLineSelector).Length() > 0 {
			return true
		}
		if s.Find(ratingSelector).Length() > 0 {
			return true
		}
		if t := cleanText(s.Text()); t != "" {
			line = t
			return false
		}
		return true
	})
	var parts []string
	for _, p := range strings.Split(line, "·") {
		if p = cleanText(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[len(parts)-1]
	}
}

// cleanText drops private-use icon glyphs and collapses whitespace.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r >= 0xE000 && r <= 0xF8FF {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
