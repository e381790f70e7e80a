package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tigeretl/internal/frame"
	"tigeretl/internal/storage"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for modern SQLite builds.
const maxParams = 32766

// dateLayout is how DATE columns are stored. SQLite has no date type, so
// dates are TEXT in ISO form and compare correctly as strings.
const dateLayout = "2006-01-02"

// Sink implements storage.Sink for SQLite.
//
// Geometries are stored as WKB BLOBs tagged with no SRID; readers use the
// configured SRID out of band.
type Sink struct {
	db    *sql.DB
	batch int
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// A single connection keeps the write transaction and DDL on one handle.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, batch: cfg.BatchSize}, nil
}

func (s *Sink) Close() { _ = s.db.Close() }

// WriteTable implements storage.Sink. SQLite DDL is transactional, so the
// drop, create and inserts commit together.
func (s *Sink) WriteTable(ctx context.Context, spec storage.TableSpec, mode storage.WriteMode, rows [][]any) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if err := storage.CheckRows(spec, rows); err != nil {
		return 0, err
	}
	createSQL, err := buildCreateSQL(spec)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if mode == storage.Replace {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+sqlIdent(spec.Name)); err != nil {
			return 0, fmt.Errorf("drop table %s: %w", spec.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	total := int64(0)
	per := storage.RowsPerStatement(s.batch, len(spec.Columns), maxParams)
	for _, chunk := range storage.Chunks(rows, per) {
		q, args, err := buildInsertSQL(spec, chunk)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", spec.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return total, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Kind)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(strings.TrimSpace(c.Name)) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, sqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

func sqliteType(k frame.Kind) (string, error) {
	switch k {
	case frame.String, frame.Date:
		return "TEXT", nil
	case frame.Int:
		return "INTEGER", nil
	case frame.Float:
		return "REAL", nil
	case frame.Geometry:
		return "BLOB", nil
	default:
		return "", fmt.Errorf("unsupported kind %s", k)
	}
}

func buildInsertSQL(spec storage.TableSpec, rows [][]any) (string, []any, error) {
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = sqlIdent(c.Name)
	}
	tuple := "(" + strings.TrimRight(strings.Repeat("?,", len(spec.Columns)), ",") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %s (%s) VALUES `, sqlIdent(spec.Name), strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*len(spec.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for j, c := range spec.Columns {
			v, err := storage.BindValue(row[j], c.Kind)
			if err != nil {
				return "", nil, fmt.Errorf("table %s row %d column %s: %w", spec.Name, i, c.Name, err)
			}
			if d, ok := v.(time.Time); ok {
				v = formatSQLiteDate(d)
			}
			args = append(args, v)
		}
	}
	return b.String(), args, nil
}

// formatSQLiteDate formats a date as YYYY-MM-DD in UTC.
func formatSQLiteDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

var _ storage.Sink = (*Sink)(nil)
