// Package record defines the business listing rows produced by a crawl and
// their fixed tabular layout.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/mapharvest/internal/dedupe"
)

// NotAvailable marks a field the source did not expose.
const NotAvailable = "N/A"

// TimestampLayout is the extraction timestamp format used in tabular files.
const TimestampLayout = "2006-01-02 15:04:05"

// Columns is the fixed column order of every persisted result file.
var Columns = []string{
	"name",
	"address",
	"city",
	"category",
	"rating",
	"reviewCount",
	"phone",
	"website",
	"email",
	"sourceUrl",
	"latitude",
	"longitude",
	"categorySearched",
	"segmentId",
	"segmentCentroid",
	"extractionTimestamp",
}

// legacyColumns maps headers written by earlier tooling to current names.
var legacyColumns = map[string]string{
	"nombre":           "name",
	"direccion":        "address",
	"ciudad":           "city",
	"categoria":        "category",
	"num_resenas":      "reviewCount",
	"telefono":         "phone",
	"sitio_web":        "website",
	"url_google_maps":  "sourceUrl",
	"latitud":          "latitude",
	"longitud":         "longitude",
	"rubro_buscado":    "categorySearched",
	"segmento_id":      "segmentId",
	"segmento_centro":  "segmentCentroid",
	"fecha_extraccion": "extractionTimestamp",
}

// Raw is a listing as returned by an extractor, before it is tagged with
// crawl context. Zero numeric values mean "not available".
type Raw struct {
	Name        string
	Address     string
	Category    string
	Rating      float64
	ReviewCount int
	Phone       string
	Website     string
	Email       string
	SourceURL   string
	Latitude    float64
	Longitude   float64
}

// Record is a stored listing.
type Record struct {
	Raw
	City             string
	CategorySearched string
	SegmentID        int
	SegmentCentroid  string
	ExtractedAt      time.Time
}

// Identity returns the deduplication identity of the record.
func (r Record) Identity() string {
	return dedupe.IdentityOf(r.SourceURL, r.Name, r.Address)
}

// HasCoordinates reports whether latitude and longitude were extracted.
func (r Raw) HasCoordinates() bool {
	return r.Latitude != 0 || r.Longitude != 0
}

// Row renders the record in Columns order.
func (r Record) Row() []string {
	return []string{
		r.Name,
		r.Address,
		r.City,
		r.Category,
		formatFloat(r.Rating, 1),
		formatInt(r.ReviewCount),
		r.Phone,
		r.Website,
		r.Email,
		r.SourceURL,
		formatCoord(r.Latitude, r.HasCoordinates()),
		formatCoord(r.Longitude, r.HasCoordinates()),
		r.CategorySearched,
		strconv.Itoa(r.SegmentID),
		r.SegmentCentroid,
		formatTime(r.ExtractedAt),
	}
}

// Header resolves a file header into column positions, accepting legacy
// column names.
type Header map[string]int

// ParseHeader maps each known column to its index in header.
func ParseHeader(header []string) (Header, error) {
	h := make(Header, len(header))
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if alias, ok := legacyColumns[col]; ok {
			col = alias
		}
		if _, dup := h[col]; !dup {
			h[col] = i
		}
	}
	if _, ok := h["name"]; !ok {
		return nil, fmt.Errorf("parse header: missing %q column", "name")
	}
	return h, nil
}

// Decode builds a Record from a row laid out per h. Missing or malformed
// numeric cells decode as zero.
func (h Header) Decode(row []string) Record {
	get := func(col string) string {
		i, ok := h[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	r := Record{
		Raw: Raw{
			Name:        get("name"),
			Address:     get("address"),
			Category:    get("category"),
			Rating:      parseFloat(get("rating")),
			ReviewCount: int(parseFloat(get("reviewCount"))),
			Phone:       get("phone"),
			Website:     get("website"),
			Email:       get("email"),
			SourceURL:   get("sourceUrl"),
			Latitude:    parseFloat(get("latitude")),
			Longitude:   parseFloat(get("longitude")),
		},
		City:             get("city"),
		CategorySearched: get("categorySearched"),
		SegmentID:        int(parseFloat(get("segmentId"))),
		SegmentCentroid:  get("segmentCentroid"),
	}
	if ts := get("extractionTimestamp"); ts != "" {
		for _, layout := range []string{TimestampLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, ts); err == nil {
				r.ExtractedAt = t
				break
			}
		}
	}
	return r
}

func formatFloat(v float64, prec int) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatInt(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func formatCoord(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}

func parseFloat(s string) float64 {
	if s == "" || s == NotAvailable {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	return v
}
