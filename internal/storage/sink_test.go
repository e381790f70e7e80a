package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/require"

	"tigeretl/internal/frame"
)

type stubSink struct{ cfg Config }

func (s *stubSink) WriteTable(context.Context, TableSpec, WriteMode, [][]any) (int64, error) {
	return 0, nil
}
func (s *stubSink) Close() {}

func TestRegister_Panics(t *testing.T) {
	f := func(_ context.Context, cfg Config) (Sink, error) { return &stubSink{cfg: cfg}, nil }
	Register("stub-panics", f)

	tests := []struct {
		name string
		kind string
		f    factory
	}{
		{name: "empty_kind", kind: "", f: f},
		{name: "nil_factory", kind: "x", f: nil},
		{name: "duplicate", kind: "stub-panics", f: f},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Panics(t, func() { Register(tc.kind, tc.f) })
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	Register("stub-defaults", func(_ context.Context, cfg Config) (Sink, error) {
		return &stubSink{cfg: cfg}, nil
	})

	s, err := New(context.Background(), Config{Kind: "stub-defaults"})
	require.NoError(t, err)
	got := s.(*stubSink).cfg
	require.Equal(t, DefaultSRID, got.SRID)
	require.Equal(t, DefaultBatchSize, got.BatchSize)
	require.Contains(t, Kinds(), "stub-defaults")
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Kind: "nope"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unsupported storage kind=nope"), err.Error())
}

func TestTableSpecValidate(t *testing.T) {
	t.Parallel()

	ok := TableSpec{Name: "geographies", Columns: []ColumnSpec{{Name: "geoid"}}}
	require.NoError(t, ok.Validate())

	tests := map[string]TableSpec{
		"no_name":    {Columns: []ColumnSpec{{Name: "a"}}},
		"no_columns": {Name: "t"},
		"empty_col":  {Name: "t", Columns: []ColumnSpec{{Name: " "}}},
		"duplicate":  {Name: "t", Columns: []ColumnSpec{{Name: "a"}, {Name: "A"}}},
	}
	for name, spec := range tests {
		if err := spec.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRowsPerStatement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		batch, cols, max, want int
	}{
		{batch: 2000, cols: 8, max: 65535, want: 2000},
		{batch: 2000, cols: 12, max: 2100, want: 175},
		{batch: 0, cols: 8, max: 800, want: 100},
		{batch: 10, cols: 5000, max: 2100, want: 1},
		{batch: 7, cols: 0, max: 2100, want: 7},
	}
	for _, tc := range tests {
		if got := RowsPerStatement(tc.batch, tc.cols, tc.max); got != tc.want {
			t.Fatalf("RowsPerStatement(%d,%d,%d)=%d want %d", tc.batch, tc.cols, tc.max, got, tc.want)
		}
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	rows := [][]any{{1}, {2}, {3}, {4}, {5}}
	got := Chunks(rows, 2)
	require.Len(t, got, 3)
	require.Len(t, got[2], 1)
	require.Equal(t, 5, got[2][0][0])

	require.Len(t, Chunks(rows, 0), 1)
	require.Empty(t, Chunks(nil, 3))
}

func TestBindValue(t *testing.T) {
	t.Parallel()

	v, err := BindValue("06001", frame.String)
	require.NoError(t, err)
	require.Equal(t, "06001", v)

	v, err = BindValue(nil, frame.Geometry)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = BindValue(orb.MultiPolygon{}, frame.Geometry)
	require.NoError(t, err)
	require.Nil(t, v)

	sq := orb.MultiPolygon{{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}}}
	v, err = BindValue(sq, frame.Geometry)
	require.NoError(t, err)
	back, err := wkb.Unmarshal(v.([]byte))
	require.NoError(t, err)
	require.Equal(t, sq, back)

	_, err = BindValue("POLYGON((0 0))", frame.Geometry)
	require.Error(t, err)
}

func TestCheckRows(t *testing.T) {
	t.Parallel()

	spec := TableSpec{Name: "t", Columns: []ColumnSpec{{Name: "a"}, {Name: "b"}}}
	require.NoError(t, CheckRows(spec, [][]any{{1, 2}}))
	require.Error(t, CheckRows(spec, [][]any{{1, 2}, {1}}))
}
