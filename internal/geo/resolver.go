package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/fetcher"
)

// ErrNotFound signals that the geocoder had no match for the name.
var ErrNotFound = errors.New("location not found")

// DefaultNominatimURL is the public OpenStreetMap search endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org/search"

// Resolver turns a free-text location name into an Area.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Area, error)
}

// NominatimConfig configures the Nominatim resolver.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
}

// NominatimResolver geocodes through a Nominatim search endpoint, asking for
// the GeoJSON outline and falling back to the bounding box.
type NominatimResolver struct {
	fetcher fetcher.Fetcher
	cfg     NominatimConfig
	logger  *zap.Logger
}

// NewNominatimResolver builds a resolver on top of the provided fetcher.
func NewNominatimResolver(f fetcher.Fetcher, cfg NominatimConfig, logger *zap.Logger) *NominatimResolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NominatimResolver{fetcher: f, cfg: cfg, logger: logger}
}

type nominatimPlace struct {
	DisplayName string          `json:"display_name"`
	BoundingBox []string        `json:"boundingbox"`
	GeoJSON     json.RawMessage `json:"geojson"`
}

// Resolve implements Resolver.
func (r *NominatimResolver) Resolve(ctx context.Context, name string) (Area, error) {
	if strings.TrimSpace(name) == "" {
		return Area{}, fmt.Errorf("resolve: empty location name: %w", ErrNotFound)
	}
	q := url.Values{}
	q.Set("q", name)
	q.Set("format", "json")
	q.Set("polygon_geojson", "1")
	q.Set("limit", "1")
	reqURL := r.cfg.BaseURL + "?" + q.Encode()

	headers := http.Header{}
	if r.cfg.UserAgent != "" {
		headers.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := r.fetcher.Fetch(ctx, fetcher.Request{
		URL:                   reqURL,
		Headers:               headers,
		RespectRobotsProvided: true,
	})
	if err != nil {
		return Area{}, fmt.Errorf("geocode %q: %w", name, err)
	}

	var places []nominatimPlace
	if err := json.Unmarshal(resp.Body, &places); err != nil {
		return Area{}, fmt.Errorf("decode geocoder response: %w", err)
	}
	if len(places) == 0 {
		return Area{}, fmt.Errorf("geocode %q: %w", name, ErrNotFound)
	}
	area, err := placeToArea(name, places[0])
	if err != nil {
		return Area{}, err
	}
	r.logger.Info("location resolved",
		zap.String("location", name),
		zap.String("display_name", area.DisplayName),
		zap.Bool("from_bounds", area.FromBounds),
		zap.Int("polygons", len(area.Shape)),
	)
	return area, nil
}

func placeToArea(name string, place nominatimPlace) (Area, error) {
	area := Area{Name: name, DisplayName: place.DisplayName, Provider: "nominatim"}
	if area.DisplayName == "" {
		area.DisplayName = name
	}
	if len(place.GeoJSON) > 0 {
		g, err := geojson.UnmarshalGeometry(place.GeoJSON)
		if err == nil {
			switch shape := g.Geometry().(type) {
			case orb.Polygon:
				area.Shape = orb.MultiPolygon{shape}
				return area, nil
			case orb.MultiPolygon:
				area.Shape = shape
				return area, nil
			}
		}
	}
	shape, err := boxFromStrings(place.BoundingBox)
	if err != nil {
		return Area{}, fmt.Errorf("geocode %q: %w", name, err)
	}
	area.Shape = shape
	area.FromBounds = true
	return area, nil
}

// boxFromStrings parses Nominatim's [minLat, maxLat, minLon, maxLon].
func boxFromStrings(bbox []string) (orb.MultiPolygon, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bounding box has %d values, want 4", len(bbox))
	}
	var v [4]float64
	for i, s := range bbox {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("parse bounding box value %q: %w", s, err)
		}
		v[i] = f
	}
	return BoundsFromBox(v[0], v[1], v[2], v[3]), nil
}
