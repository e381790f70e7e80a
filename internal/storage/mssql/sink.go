package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tigeretl/internal/frame"
	"tigeretl/internal/storage"
)

const (
	// maxParams is the bind budget per INSERT. SQL Server caps an RPC request
	// at 2100 parameters and sp_executesql adds its own on top of the binds.
	maxParams = 2000
	// maxValuesRows is SQL Server's limit on row constructors per VALUES list.
	maxValuesRows = 1000
)

// Sink implements storage.Sink for Microsoft SQL Server.
//
// Geometries are stored in the native GEOMETRY type via
// geometry::STGeomFromWKB. The whole write, including the DROP for replace
// mode, runs inside one transaction.
type Sink struct {
	db    dbConn
	srid  int
	batch int
}

// New opens a database/sql handle for the "sqlserver" driver and validates
// connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newSink(&sqlDB{db: raw}, cfg), nil
}

func newSink(db dbConn, cfg storage.Config) *Sink {
	return &Sink{db: db, srid: cfg.SRID, batch: cfg.BatchSize}
}

// Close releases database resources held by the sink.
func (s *Sink) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// WriteTable implements storage.Sink.
func (s *Sink) WriteTable(ctx context.Context, spec storage.TableSpec, mode storage.WriteMode, rows [][]any) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if err := storage.CheckRows(spec, rows); err != nil {
		return 0, err
	}
	defs, err := buildColumnDefs(spec)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if mode == storage.Replace {
		if _, err := tx.ExecContext(ctx, buildDropSQL(spec.Name)); err != nil {
			return 0, fmt.Errorf("mssql: drop %s: %w", spec.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, wrapCreateIfMissing(spec.Name, defs)); err != nil {
		return 0, fmt.Errorf("mssql: create %s: %w", spec.Name, err)
	}

	per := storage.RowsPerStatement(s.batch, len(spec.Columns), maxParams)
	per = min(per, maxValuesRows)

	total := int64(0)
	for _, chunk := range storage.Chunks(rows, per) {
		q, args, err := buildBulkInsertSQL(spec, chunk, s.srid)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert into %s: %w", spec.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return total, nil
}

func buildDropSQL(tableName string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
	)
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildColumnDefs(t storage.TableSpec) (string, error) {
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}
	return strings.Join(parts, ", "), nil
}

// mssqlColumnDef builds a SQL Server column definition.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	var typ string
	switch c.Kind {
	case frame.String:
		typ = "NVARCHAR(255)"
	case frame.Int:
		typ = "BIGINT"
	case frame.Float:
		typ = "FLOAT"
	case frame.Date:
		typ = "DATE"
	case frame.Geometry:
		typ = "GEOMETRY"
	default:
		return "", fmt.Errorf("mssql: column %s: unsupported kind %s", c.Name, c.Kind)
	}

	def := mssqlIdent(strings.TrimSpace(c.Name)) + " " + typ
	if !c.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(spec storage.TableSpec, rows [][]any, srid int) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(spec.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range spec.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			v, err := storage.BindValue(row[j], c.Kind)
			if err != nil {
				return "", nil, fmt.Errorf("table %s row %d column %s: %w", spec.Name, i, c.Name, err)
			}
			if c.Kind == frame.Geometry {
				fmt.Fprintf(&b, "geometry::STGeomFromWKB(@p%d, %d)", p, srid)
			} else {
				fmt.Fprintf(&b, "@p%d", p)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.geographies" -> [dbo].[geographies]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn       = (*sqlDB)(nil)
	_ txConn       = (*sql.Tx)(nil)
	_ storage.Sink = (*Sink)(nil)
)
