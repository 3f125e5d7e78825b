// Package geo resolves place names into search areas and partitions those
// areas into grid segments used as search origins.
package geo

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Location is one configured place to crawl.
type Location struct {
	// Name is the free-text name sent to the geocoder, e.g. "Córdoba, Argentina".
	Name string
	// Key is the stable state key derived from Name.
	Key string
	// Region is an optional province/region tag.
	Region string
	// Centroid is (lng, lat); zero until configured or resolved.
	Centroid orb.Point
}

// NewLocation builds a Location, deriving the key and, when region is empty,
// a region tag from the middle component of a three-part name.
func NewLocation(name, region string) Location {
	name = strings.TrimSpace(name)
	if region == "" {
		parts := splitName(name)
		if len(parts) >= 3 {
			region = parts[1]
		}
	}
	return Location{
		Name:   name,
		Key:    LocationKey(name),
		Region: strings.TrimSpace(region),
	}
}

// City is the first comma-separated component of the name.
func (l Location) City() string {
	parts := splitName(l.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// HasCentroid reports whether a centroid has been set.
func (l Location) HasCentroid() bool {
	return l.Centroid != orb.Point{}
}

// LocationKey derives the state key for a location name: ", " and spaces
// become underscores and the result is lowercased.
func LocationKey(name string) string {
	key := strings.ReplaceAll(strings.TrimSpace(name), ", ", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return strings.ToLower(key)
}

func splitName(name string) []string {
	var out []string
	for _, p := range strings.Split(name, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Area is the resolved shape of a location.
type Area struct {
	Name        string
	DisplayName string
	Shape       orb.MultiPolygon
	// FromBounds is true when the geocoder had no polygon and Shape is the
	// bounding box rectangle.
	FromBounds bool
	Provider   string
}

// Bound returns the area's bounding box.
func (a Area) Bound() orb.Bound {
	return a.Shape.Bound()
}

// Centroid returns the area-weighted centroid, or the bound center for
// degenerate shapes.
func (a Area) Centroid() orb.Point {
	c, area := planar.CentroidArea(a.Shape)
	if area == 0 {
		return a.Bound().Center()
	}
	return c
}

// Segment is one rectangular cell of a location's partition.
type Segment struct {
	ID       int
	Bounds   orb.Bound
	Centroid orb.Point
}

// Lat returns the centroid latitude.
func (s Segment) Lat() float64 { return s.Centroid.Lat() }

// Lng returns the centroid longitude.
func (s Segment) Lng() float64 { return s.Centroid.Lon() }

// Contains reports whether (lat, lng) falls inside the segment bounds.
func (s Segment) Contains(lat, lng float64) bool {
	return s.Bounds.Contains(orb.Point{lng, lat})
}

// CentroidString formats the centroid as "lat,lng" for tabular output.
func (s Segment) CentroidString() string {
	return fmt.Sprintf("%.6f,%.6f", s.Lat(), s.Lng())
}

// BoundsFromBox builds a rectangular shape from a min/max lat/lng box.
func BoundsFromBox(minLat, maxLat, minLng, maxLng float64) orb.MultiPolygon {
	b := orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{maxLng, maxLat}}
	return orb.MultiPolygon{b.ToPolygon()}
}
