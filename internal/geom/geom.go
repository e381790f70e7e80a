// Package geom converts shapefile polygons to orb geometries and WKB.
package geom

import (
	"errors"
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

var ErrUnsupportedShape = errors.New("geom: unsupported shape type")

// FromShape returns the MultiPolygon for a polygon shape.
//
// Shapefile outer rings are clockwise and holes counter-clockwise. A hole is
// attached to the most recent outer ring; a leading counter-clockwise ring is
// treated as an outer ring.
func FromShape(s shp.Shape) (orb.MultiPolygon, error) {
	switch p := s.(type) {
	case *shp.Polygon:
		return assemble(p.Parts, p.Points)
	case *shp.PolygonZ:
		return assemble(p.Parts, p.Points)
	case *shp.PolygonM:
		return assemble(p.Parts, p.Points)
	case *shp.Null, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, s)
	}
}

func assemble(parts []int32, pts []shp.Point) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(pts)) || start > end {
			return nil, fmt.Errorf("geom: part %d has bad bounds [%d,%d) of %d points", i, start, end, len(pts))
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range pts[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if len(ring) < 4 {
			continue
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}

		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	return mp, nil
}

// WKB encodes g as little-endian well-known binary.
func WKB(g orb.Geometry) ([]byte, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("wkb marshal: %w", err)
	}
	return b, nil
}

// Empty reports whether v holds no usable geometry.
func Empty(v any) bool {
	switch g := v.(type) {
	case nil:
		return true
	case orb.MultiPolygon:
		return len(g) == 0
	case orb.Polygon:
		return len(g) == 0
	case orb.Geometry:
		return false
	default:
		return true
	}
}
