// Package storage defines the load sink: a backend-agnostic table writer with
// replace and append semantics. Backends register themselves by kind from
// init() in their own packages; import storage/all to link every backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"tigeretl/internal/frame"
	"tigeretl/internal/geom"
)

// WriteMode selects how WriteTable treats an existing table.
type WriteMode int

const (
	// Replace drops the table if present, recreates it and inserts.
	Replace WriteMode = iota
	// Append creates the table if missing and inserts.
	Append
)

func (m WriteMode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ColumnSpec is one target column.
type ColumnSpec struct {
	Name     string
	Kind     frame.Kind
	Nullable bool
}

// TableSpec is the DDL shape of a target table. Rows passed to WriteTable
// are aligned with Columns.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks the table definition is usable for DDL.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return fmt.Errorf("table %s: column name is empty", t.Name)
		}
		if seen[n] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[n] = true
	}
	return nil
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string
	// SRID tags stored geometries. Defaults to 4269 (NAD83, the TIGER datum).
	SRID int
	// BatchSize caps rows per INSERT statement; backends lower it further to
	// stay under their bind-parameter limits.
	BatchSize int
}

const (
	DefaultSRID      = 4269
	DefaultBatchSize = 2000
)

// Sink persists normalized frames.
type Sink interface {
	// WriteTable writes rows into spec.Name using mode and returns the number
	// of rows inserted. Backends with transactional DDL apply the whole write
	// atomically.
	WriteTable(ctx context.Context, spec TableSpec, mode WriteMode, rows [][]any) (int64, error)
	Close()
}

type factory func(ctx context.Context, cfg Config) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available under kind. It panics on an empty kind,
// a nil factory or a duplicate registration.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a sink for cfg.Kind.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	if cfg.SRID == 0 {
		cfg.SRID = DefaultSRID
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// RowsPerStatement returns how many rows fit one INSERT given a bind
// parameter limit.
func RowsPerStatement(batch, columns, maxParams int) int {
	if columns <= 0 {
		return batch
	}
	n := maxParams / columns
	if batch > 0 && batch < n {
		n = batch
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Chunks splits rows into consecutive slices of at most size rows.
func Chunks(rows [][]any, size int) [][][]any {
	if size <= 0 {
		size = len(rows)
	}
	var out [][][]any
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

// BindValue converts a frame cell for a column of kind k into a driver
// argument. Geometries become WKB bytes.
func BindValue(v any, k frame.Kind) (any, error) {
	if v == nil {
		return nil, nil
	}
	if k != frame.Geometry {
		return v, nil
	}
	g, ok := v.(orb.Geometry)
	if !ok {
		return nil, fmt.Errorf("geometry column holds %T", v)
	}
	if geom.Empty(g) {
		return nil, nil
	}
	return geom.WKB(g)
}

// CheckRows verifies every row has one value per column.
func CheckRows(spec TableSpec, rows [][]any) error {
	for i, r := range rows {
		if len(r) != len(spec.Columns) {
			return fmt.Errorf("table %s: row %d has %d values, want %d", spec.Name, i, len(r), len(spec.Columns))
		}
	}
	return nil
}
