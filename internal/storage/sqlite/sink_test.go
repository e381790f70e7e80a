package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/require"

	"tigeretl/internal/frame"
	"tigeretl/internal/storage"
)

func spec() storage.TableSpec {
	return storage.TableSpec{
		Name: "geographies",
		Columns: []storage.ColumnSpec{
			{Name: "geoid", Kind: frame.String},
			{Name: "aland", Kind: frame.Float},
			{Name: "aland_part", Kind: frame.Float, Nullable: true},
			{Name: "start_date", Kind: frame.Date},
			{Name: "geometry", Kind: frame.Geometry},
		},
	}
}

func openSink(t *testing.T, batch int) (storage.Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiger.db")
	s, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: path, BatchSize: batch})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, path
}

func count(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM `+sqlIdent(table)).Scan(&n))
	return n
}

var (
	day    = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	square = orb.MultiPolygon{{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}}}
)

func TestWriteTable_ReplaceThenAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := openSink(t, 0)

	n, err := s.WriteTable(ctx, spec(), storage.Replace, [][]any{
		{"26001", 1.0, nil, day, square},
		{"26003", 2.0, 0.5, day, square},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.WriteTable(ctx, spec(), storage.Append, [][]any{{"26005", 3.0, nil, day, square}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, 3, count(t, path, "geographies"))

	_, err = s.WriteTable(ctx, spec(), storage.Replace, [][]any{{"26007", 4.0, nil, day, square}})
	require.NoError(t, err)
	require.Equal(t, 1, count(t, path, "geographies"))
}

func TestWriteTable_StoresDateTextAndWKB(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := openSink(t, 0)

	_, err := s.WriteTable(ctx, spec(), storage.Replace, [][]any{{"26001", 1.0, nil, day, square}})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var date string
	var blob []byte
	var part sql.NullFloat64
	require.NoError(t, db.QueryRow(`SELECT start_date, geometry, aland_part FROM geographies`).Scan(&date, &blob, &part))
	require.Equal(t, "2020-01-01", date)
	require.False(t, part.Valid)

	g, err := wkb.Unmarshal(blob)
	require.NoError(t, err)
	require.Equal(t, square, g)
}

func TestWriteTable_ChunksLargeInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := openSink(t, 3)

	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{"g", float64(i), nil, day, square}
	}
	n, err := s.WriteTable(ctx, spec(), storage.Replace, rows)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
	require.Equal(t, 10, count(t, path, "geographies"))
}

func TestWriteTable_FailedReplaceKeepsPrevious(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := openSink(t, 0)

	_, err := s.WriteTable(ctx, spec(), storage.Replace, [][]any{{"26001", 1.0, nil, day, square}})
	require.NoError(t, err)

	// NOT NULL violation on geoid aborts the transaction after the drop.
	_, err = s.WriteTable(ctx, spec(), storage.Replace, [][]any{{nil, 1.0, nil, day, square}})
	require.Error(t, err)
	require.Equal(t, 1, count(t, path, "geographies"))
}

func TestWriteTable_RowWidthMismatch(t *testing.T) {
	t.Parallel()
	s, _ := openSink(t, 0)
	_, err := s.WriteTable(context.Background(), spec(), storage.Replace, [][]any{{"26001"}})
	require.Error(t, err)
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	got, err := buildCreateSQL(spec())
	require.NoError(t, err)
	want := `CREATE TABLE IF NOT EXISTS "geographies" ("geoid" TEXT NOT NULL, "aland" REAL NOT NULL, ` +
		`"aland_part" REAL, "start_date" TEXT NOT NULL, "geometry" BLOB NOT NULL)`
	require.Equal(t, want, got)

	q, args, err := buildInsertSQL(spec(), [][]any{{"a", 1.0, nil, day, square}, {"b", 2.0, nil, day, square}})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(q, "VALUES (?,?,?,?,?), (?,?,?,?,?)"), q)
	require.Len(t, args, 10)
	require.Equal(t, "2020-01-01", args[3])
}
