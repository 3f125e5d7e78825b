package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidGrid is returned for a grid size below one.
var ErrInvalidGrid = errors.New("grid size must be >= 1")

// Partition divides the shape's bounding box into gridSize x gridSize equal
// cells and keeps the cells that intersect the shape. Kept cells get
// sequential ids starting at 0 in column-major order (x outer, y inner).
// A grid size of one always yields the bounding box itself, and an axis with
// zero span is never split.
func Partition(shape orb.MultiPolygon, gridSize int) ([]Segment, error) {
	if gridSize < 1 {
		return nil, fmt.Errorf("partition: %w (got %d)", ErrInvalidGrid, gridSize)
	}
	if len(shape) == 0 {
		return nil, errors.New("partition: empty shape")
	}
	b := shape.Bound()
	if gridSize == 1 {
		return []Segment{{ID: 0, Bounds: b, Centroid: b.Center()}}, nil
	}

	// A degenerate axis (point or line bbox) gets a single cell so the grid
	// never repeats the same search area.
	nx, ny := gridSize, gridSize
	if b.Max.X() == b.Min.X() {
		nx = 1
	}
	if b.Max.Y() == b.Min.Y() {
		ny = 1
	}
	edge := func(lo, hi float64, n, i int) float64 {
		if i == n {
			return hi
		}
		return lo + float64(i)*((hi-lo)/float64(n))
	}

	var segments []Segment
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			cell := orb.Bound{
				Min: orb.Point{edge(b.Min.X(), b.Max.X(), nx, i), edge(b.Min.Y(), b.Max.Y(), ny, j)},
				Max: orb.Point{edge(b.Min.X(), b.Max.X(), nx, i+1), edge(b.Min.Y(), b.Max.Y(), ny, j+1)},
			}
			if !Intersects(cell, shape) {
				continue
			}
			segments = append(segments, Segment{
				ID:       len(segments),
				Bounds:   cell,
				Centroid: cell.Center(),
			})
		}
	}
	return segments, nil
}

// Intersects reports whether the closed rectangle touches the shape,
// boundaries included.
func Intersects(cell orb.Bound, shape orb.MultiPolygon) bool {
	for _, poly := range shape {
		if len(poly) == 0 || !cell.Intersects(poly.Bound()) {
			continue
		}
		if polygonIntersects(cell, poly) {
			return true
		}
	}
	return false
}

func polygonIntersects(cell orb.Bound, poly orb.Polygon) bool {
	for _, ring := range poly {
		for _, p := range ring {
			if cell.Contains(p) {
				return true
			}
		}
	}
	corners := cell.ToRing()
	for _, c := range corners {
		if planar.PolygonContains(poly, c) {
			return true
		}
	}
	for _, ring := range poly {
		for k := 0; k+1 < len(ring); k++ {
			for m := 0; m+1 < len(corners); m++ {
				if segmentsIntersect(ring[k], ring[k+1], corners[m], corners[m+1]) {
					return true
				}
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func orientation(a, b, c orb.Point) float64 {
	v := (b.X()-a.X())*(c.Y()-a.Y()) - (b.Y()-a.Y())*(c.X()-a.X())
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func onSegment(a, b, p orb.Point) bool {
	return min(a.X(), b.X()) <= p.X() && p.X() <= max(a.X(), b.X()) &&
		min(a.Y(), b.Y()) <= p.Y() && p.Y() <= max(a.Y(), b.Y())
}
