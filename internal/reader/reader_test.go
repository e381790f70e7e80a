package reader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"tigeretl/internal/frame"
	"tigeretl/internal/reader/shptest"
)

func writeFile(t *testing.T, name string, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, body, 0o644))
	return p
}

func TestRead_DelimitedPipeWithTypes(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "tab20_tract20_county20.txt", []byte(
		"\uFEFFGEOID_TRACT_20|GEOID_COUNTY_20| AREALAND_PART \n"+
			"26001000100|26001|1500\n"+
			"26001000200|26001|\n"))

	f, err := Read(context.Background(), p, Options{
		Delimiter: '|',
		Types:     map[string]frame.Kind{"AREALAND_PART": frame.Float},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"GEOID_TRACT_20", "GEOID_COUNTY_20", "AREALAND_PART"}, f.Columns)
	require.Equal(t, 2, f.Len())
	require.Equal(t, "26001000100", f.Value(0, "GEOID_TRACT_20"))
	require.Equal(t, 1500.0, f.Value(0, "AREALAND_PART"))
	require.Nil(t, f.Value(1, "AREALAND_PART"))
}

func TestRead_DelimitedLatin1(t *testing.T) {
	t.Parallel()

	// "Cañon" in ISO-8859-1.
	p := writeFile(t, "places.csv", []byte("NAME\nCa\xf1on\n"))

	f, err := Read(context.Background(), p, Options{Encoding: "latin1"})
	require.NoError(t, err)
	require.Equal(t, "Cañon", f.Value(0, "NAME"))
}

func TestRead_BadTypedCellIsUnreadable(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "bad.csv", []byte("A\nnot-a-number\n"))
	_, err := Read(context.Background(), p, Options{Types: map[string]frame.Kind{"A": frame.Int}})
	require.ErrorIs(t, err, ErrUnreadable)
}

func TestRead_MissingFileIsUnreadable(t *testing.T) {
	t.Parallel()

	_, err := Read(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), Options{})
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("want ErrUnreadable, got %v", err)
	}
}

func TestRead_UnknownEncoding(t *testing.T) {
	t.Parallel()

	_, err := Read(context.Background(), "x.csv", Options{Encoding: "ebcdic"})
	require.Error(t, err)
}

func TestRead_ZippedShapefile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "tl_2020_26_county20.zip")
	shptest.WriteZip(t, p,
		[]shp.Field{shp.StringField("COUNTYFP", 3), shp.StringField("NAME", 20), shp.NumberField("ALAND", 14)},
		[]shptest.Record{
			{Attrs: []any{"001", "Alcona", 1000}, X: 0, Y: 0},
			{Attrs: []any{"003", "Alger", 2000}, X: 5, Y: 5},
		})

	f, err := Read(context.Background(), p, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"COUNTYFP", "NAME", "ALAND", GeometryColumn}, f.Columns)
	require.Equal(t, 2, f.Len())
	require.Equal(t, "001", f.Value(0, "COUNTYFP"))
	require.Equal(t, "Alger", f.Value(1, "NAME"))
	require.Equal(t, int64(2000), f.Value(1, "ALAND"))

	mp, ok := f.Value(0, GeometryColumn).(orb.MultiPolygon)
	require.True(t, ok, "geometry is %T", f.Value(0, GeometryColumn))
	require.Len(t, mp, 1)
}
