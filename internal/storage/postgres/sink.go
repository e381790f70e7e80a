package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"tigeretl/internal/frame"
	"tigeretl/internal/storage"
)

// maxParams is the Postgres wire-protocol limit on bind parameters per
// statement.
const maxParams = 65535

/*
Sink implements storage.Sink for Postgres with PostGIS.

Every WriteTable call runs in one transaction, so a failed replace leaves the
previous table contents in place. Geometry columns are stored as
geometry(MultiPolygon, SRID) and require the postgis extension in the target
database.
*/
type Sink struct {
	pool  *pgxpool.Pool
	srid  int
	batch int
}

// New opens a pgx pool against cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Sink{pool: pool, srid: cfg.SRID, batch: cfg.BatchSize}, nil
}

// Close closes the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// WriteTable implements storage.Sink.
func (s *Sink) WriteTable(ctx context.Context, spec storage.TableSpec, mode storage.WriteMode, rows [][]any) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if err := storage.CheckRows(spec, rows); err != nil {
		return 0, err
	}
	ddl, err := buildDDL(spec, mode, s.srid)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("postgres: %s: %w", stmt, err)
		}
	}

	total := int64(0)
	per := storage.RowsPerStatement(s.batch, len(spec.Columns), maxParams)
	for _, chunk := range storage.Chunks(rows, per) {
		sql, args, err := buildInsertSQL(spec, chunk, s.srid)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("postgres: insert into %s: %w", spec.Name, err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return total, nil
}

// buildDDL returns the statements that prepare spec.Name for mode.
//
// Replace drops and recreates the table; Append only creates it when missing.
// Schema-qualified names also get CREATE SCHEMA IF NOT EXISTS.
func buildDDL(spec storage.TableSpec, mode storage.WriteMode, srid int) ([]string, error) {
	var out []string
	if schema, _ := splitQualifiedName(spec.Name); schema != "" {
		out = append(out, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema)))
	}

	table := pgTableIdent(spec.Name)
	if mode == storage.Replace {
		out = append(out, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, table))
	}

	cols := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		def, err := buildColumnDef(c, srid)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", spec.Name, err)
		}
		cols = append(cols, def)
	}
	out = append(out, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, table, strings.Join(cols, ", ")))
	return out, nil
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec, srid int) (string, error) {
	typ, err := pgType(c.Kind, srid)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(strings.TrimSpace(c.Name)))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

func pgType(k frame.Kind, srid int) (string, error) {
	switch k {
	case frame.String:
		return "TEXT", nil
	case frame.Int:
		return "BIGINT", nil
	case frame.Float:
		return "DOUBLE PRECISION", nil
	case frame.Date:
		return "DATE", nil
	case frame.Geometry:
		return fmt.Sprintf("geometry(MultiPolygon, %d)", srid), nil
	default:
		return "", fmt.Errorf("unsupported kind %s", k)
	}
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Geometry values travel as WKB and are converted server side with
// ST_GeomFromWKB, promoted to MULTIPOLYGON so single-part rings fit the
// column type.
func buildInsertSQL(spec storage.TableSpec, rows [][]any, srid int) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
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
				fmt.Fprintf(&b, "ST_Multi(ST_GeomFromWKB($%d::bytea, %d))", p, srid)
			} else {
				fmt.Fprintf(&b, "$%d", p)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args, nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "tiger.geographies" => ("tiger", "geographies")
//   - "geographies"       => ("", "geographies")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

var _ storage.Sink = (*Sink)(nil)
