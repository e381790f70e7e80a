// Package normalize maps raw boundary and relationship frames onto the two
// target schemas and validates the result.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"tigeretl/internal/catalog"
	"tigeretl/internal/fieldref"
	"tigeretl/internal/frame"
)

// DefaultZCTAPrefixes returns the name prefixes of the Michigan ZIP code
// tabulation areas. Each call returns a fresh slice.
func DefaultZCTAPrefixes() []string { return []string{"48", "49"} }

// Options carries run-wide normalization settings.
type Options struct {
	// ZCTAPrefixes applies when the reference has no name_prefixes.
	ZCTAPrefixes []string
}

// Geographies normalizes a raw boundary frame. raw is consumed.
func Geographies(dataset string, raw *frame.Frame, ref fieldref.Geography, valid catalog.DateRange, opt Options) (*frame.Frame, error) {
	if err := raw.Rename(ref.Renames); err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	if err := setGeoid(raw, "geoid", ref.Identifier); err != nil {
		return nil, err
	}

	gt := string(ref.GeoType)
	raw.Set("geo_type", func(int) any { return gt })
	raw.Set("start_date", func(int) any { return valid.Start })
	raw.Set("end_date", func(int) any { return valid.End })

	if ref.GeoType == fieldref.ZCTA {
		prefixes := ref.NamePrefixes
		if len(prefixes) == 0 {
			prefixes = opt.ZCTAPrefixes
		}
		if len(prefixes) == 0 {
			prefixes = DefaultZCTAPrefixes()
		}
		if err := filterNamePrefix(raw, prefixes); err != nil {
			return nil, err
		}
	}

	return project(dataset, raw, GeographySchema)
}

// setGeoid writes col = prefix ++ text(suffix column) for every row. A null
// or non-scalar suffix leaves the cell null for validation to report.
func setGeoid(f *frame.Frame, col string, id fieldref.Identifier) error {
	si, ok := f.Index(id.SuffixCol)
	if !ok {
		return fmt.Errorf("geoid suffix: %w", &frame.MissingColumnsError{Columns: []string{id.SuffixCol}})
	}
	rows := f.Rows
	f.Set(col, func(r int) any {
		s, ok := frame.Text(rows[r][si])
		if !ok {
			return nil
		}
		return id.Prefix + s
	})
	return nil
}

func filterNamePrefix(f *frame.Frame, prefixes []string) error {
	ni, ok := f.Index("name")
	if !ok {
		return fmt.Errorf("zcta filter: %w", &frame.MissingColumnsError{Columns: []string{"name"}})
	}
	f.Filter(func(row []any) bool {
		name, ok := frame.Text(row[ni])
		if !ok {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	})
	return nil
}

// project selects the schema columns, widens float columns and validates.
// Absent nullable columns are added as null.
func project(dataset string, f *frame.Frame, s Schema) (*frame.Frame, error) {
	for _, c := range s.Columns {
		if c.Nullable && !f.Has(c.Name) {
			f.Set(c.Name, func(int) any { return nil })
		}
	}
	out, err := f.Select(s.Names()...)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", s.Name, err)
	}
	for i, c := range s.Columns {
		if c.Kind != frame.Float {
			continue
		}
		for _, row := range out.Rows {
			if row[i] == nil {
				continue
			}
			if x, ok := frame.ToFloat(row[i]); ok {
				row[i] = x
			}
		}
	}
	if err := Validate(out, s); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Dataset = dataset
		}
		return nil, err
	}
	return out, nil
}
