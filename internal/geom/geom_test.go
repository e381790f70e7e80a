package geom

import (
	"errors"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// square returns a closed ring with the given winding.
func square(x0, y0, size float64, clockwise bool) []shp.Point {
	pts := []shp.Point{{X: x0, Y: y0}, {X: x0 + size, Y: y0}, {X: x0 + size, Y: y0 + size}, {X: x0, Y: y0 + size}, {X: x0, Y: y0}}
	if clockwise {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts
}

func TestFromShape_OuterAndHole(t *testing.T) {
	t.Parallel()

	outer := square(0, 0, 10, true)
	hole := square(2, 2, 2, false)
	island := square(20, 20, 1, true)

	pts := append(append(append([]shp.Point{}, outer...), hole...), island...)
	poly := &shp.Polygon{
		NumParts:  3,
		NumPoints: int32(len(pts)),
		Parts:     []int32{0, int32(len(outer)), int32(len(outer) + len(hole))},
		Points:    pts,
	}

	mp, err := FromShape(poly)
	if err != nil {
		t.Fatalf("FromShape: %v", err)
	}
	if len(mp) != 2 {
		t.Fatalf("polygons=%d want 2", len(mp))
	}
	if len(mp[0]) != 2 {
		t.Fatalf("first polygon rings=%d want 2 (outer+hole)", len(mp[0]))
	}
	if len(mp[1]) != 1 {
		t.Fatalf("second polygon rings=%d want 1", len(mp[1]))
	}
}

func TestFromShape_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := FromShape(&shp.Point{X: 1, Y: 2})
	if !errors.Is(err, ErrUnsupportedShape) {
		t.Fatalf("want ErrUnsupportedShape, got %v", err)
	}
}

func TestWKB_RoundTripsMultiPolygon(t *testing.T) {
	t.Parallel()

	mp, err := FromShape(&shp.Polygon{NumParts: 1, Parts: []int32{0}, Points: square(0, 0, 1, true)})
	if err != nil {
		t.Fatalf("FromShape: %v", err)
	}
	b, err := WKB(mp)
	if err != nil {
		t.Fatalf("WKB: %v", err)
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := g.(orb.MultiPolygon); !ok {
		t.Fatalf("decoded %T, want orb.MultiPolygon", g)
	}
}

func TestEmpty(t *testing.T) {
	t.Parallel()

	if !Empty(nil) || !Empty(orb.MultiPolygon{}) || !Empty("x") {
		t.Fatalf("expected empty")
	}
	if Empty(orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}}) {
		t.Fatalf("expected non-empty")
	}
}
