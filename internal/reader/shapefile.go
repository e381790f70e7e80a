package reader

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"golang.org/x/text/encoding"

	"tigeretl/internal/frame"
	"tigeretl/internal/geom"
)

// shapeSource is the subset shared by shp.Reader and shp.ZipReader.
type shapeSource interface {
	Next() bool
	Shape() (int, shp.Shape)
	Fields() []shp.Field
	Err() error
	Close() error
	attribute(row, field int) string
}

type zipSource struct{ *shp.ZipReader }

func (z zipSource) attribute(_, field int) string { return z.Attribute(field) }

type fileSource struct{ *shp.Reader }

func (r fileSource) attribute(row, field int) string { return r.ReadAttribute(row, field) }

func openShapes(path string) (shapeSource, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		z, err := shp.OpenZip(path)
		if err != nil {
			return nil, err
		}
		return zipSource{z}, nil
	}
	r, err := shp.Open(path)
	if err != nil {
		return nil, err
	}
	return fileSource{r}, nil
}

// readShapefile loads every record: one column per DBF field followed by
// the geometry column holding an orb.MultiPolygon.
func readShapefile(ctx context.Context, path string, opt Options, dec *encoding.Decoder) (*frame.Frame, error) {
	src, err := openShapes(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	fields := src.Fields()
	cols := make([]string, 0, len(fields)+1)
	for _, fd := range fields {
		cols = append(cols, fd.String())
	}
	cols = append(cols, GeometryColumn)
	f := frame.New(cols...)

	for src.Next() {
		if len(f.Rows)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		n, shape := src.Shape()
		row := make([]any, len(cols))
		for i, fd := range fields {
			raw := strings.TrimRight(strings.TrimSpace(src.attribute(n, i)), "\x00")
			v, err := dbfValue(raw, fd, cols[i], opt, dec)
			if err != nil {
				return nil, fmt.Errorf("record %d field %s: %w", n, cols[i], err)
			}
			row[i] = v
		}
		mp, err := geom.FromShape(shape)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		if mp != nil {
			row[len(cols)-1] = mp
		}
		f.Rows = append(f.Rows, row)
	}
	if err := src.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// dbfValue types a DBF cell from its field descriptor unless the caller
// overrides the column kind.
func dbfValue(raw string, fd shp.Field, col string, opt Options, dec *encoding.Decoder) (any, error) {
	if k, ok := opt.Types[col]; ok {
		if k == frame.String {
			return decodeText(raw, dec)
		}
		return frame.ParseCell(raw, k)
	}
	if raw == "" {
		return nil, nil
	}
	switch fd.Fieldtype {
	case 'N':
		if fd.Precision == 0 {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n, nil
			}
		}
		return frame.ParseCell(raw, frame.Float)
	case 'F':
		return frame.ParseCell(raw, frame.Float)
	default:
		return decodeText(raw, dec)
	}
}

func decodeText(raw string, dec *encoding.Decoder) (any, error) {
	if raw == "" {
		return nil, nil
	}
	s, err := dec.String(raw)
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	return s, nil
}
