// Package shptest writes small zipped polygon shapefiles for tests.
package shptest

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Record is one feature: attribute values (string, int or float64) in field
// order plus a square polygon anchored at X,Y.
type Record struct {
	Attrs []any
	X, Y  float64
}

// WriteZip writes base.shp/.shx/.dbf into a zip at path.
func WriteZip(t testing.TB, path string, fields []shp.Field, recs []Record) {
	t.Helper()

	dir := t.TempDir()
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	shpPath := filepath.Join(dir, base+".shp")

	w, err := shp.Create(shpPath, shp.POLYGON)
	if err != nil {
		t.Fatalf("shp.Create: %v", err)
	}
	if err := w.SetFields(fields); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	for _, rec := range recs {
		n := w.Write(square(rec.X, rec.Y))
		for i, v := range rec.Attrs {
			if err := w.WriteAttribute(int(n), i, v); err != nil {
				t.Fatalf("WriteAttribute: %v", err)
			}
		}
	}
	w.Close()

	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.Open(filepath.Join(dir, base+ext))
		if err != nil {
			t.Fatalf("open %s: %v", ext, err)
		}
		dst, err := zw.Create(base + ext)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			t.Fatalf("zip copy: %v", err)
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// square is a clockwise unit square, the shapefile outer-ring winding.
func square(x, y float64) *shp.Polygon {
	pts := []shp.Point{{X: x, Y: y}, {X: x, Y: y + 1}, {X: x + 1, Y: y + 1}, {X: x + 1, Y: y}, {X: x, Y: y}}
	return &shp.Polygon{
		Box:       shp.BBoxFromPoints(pts),
		NumParts:  1,
		NumPoints: int32(len(pts)),
		Parts:     []int32{0},
		Points:    pts,
	}
}
