package reader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"tigeretl/internal/frame"
)

// readDelimited loads a headered delimited file. Header names are trimmed
// and a leading BOM dropped; cells are trimmed and empty cells become nil.
// Columns without a type override stay text.
func readDelimited(ctx context.Context, path string, opt Options, dec *encoding.Decoder) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	comma := opt.Delimiter
	if comma == 0 {
		comma = ','
	}

	cr := csv.NewReader(transform.NewReader(fh, dec))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	line := 1
	hdr, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		cols[i] = h
	}

	kinds := make([]frame.Kind, len(cols))
	for i, c := range cols {
		if k, ok := opt.Types[c]; ok {
			kinds[i] = k
		}
	}

	f := frame.New(cols...)
	for {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make([]any, len(cols))
		for i := range cols {
			if i >= len(rec) {
				continue
			}
			v, err := frame.ParseCell(rec[i], kinds[i])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, cols[i], err)
			}
			row[i] = v
		}
		f.Rows = append(f.Rows, row)
	}
}
