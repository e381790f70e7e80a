// Package catalog loads the dataset catalogs: CSV files listing which
// remote files to fetch, where they live on the file server, which field
// reference normalizes them and the validity window of their geographies.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"tigeretl/internal/frame"
)

const dateLayout = "2006-01-02"

var ErrInvalidCatalog = errors.New("invalid catalog")

// DateRange is an inclusive validity window at UTC midnight.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Dataset describes one remote file. Geography catalogs fill Source only;
// relationship catalogs fill both Source and Sink.
type Dataset struct {
	Filename       string
	Directory      string
	FieldReference string

	Source DateRange
	Sink   DateRange

	// Relationship-only overrides; zero values defer to the field reference.
	Delimiter rune
	DTypes    map[string]frame.Kind
	Weights   string

	// Encoding overrides the field reference text encoding.
	Encoding string
}

// Key identifies the dataset in logs and reports.
func (d Dataset) Key() string { return d.Filename }

var (
	geographyColumns    = []string{"filename", "directory", "field_reference", "start_date", "end_date"}
	relationshipColumns = []string{"filename", "directory", "field_reference", "start_date_source", "end_date_source", "start_date_sink", "end_date_sink"}
)

// LoadGeographies reads a boundary-file catalog.
func LoadGeographies(path string) ([]Dataset, error) {
	return load(path, geographyColumns, func(r record) (Dataset, error) {
		d := r.base()
		var err error
		if d.Source, err = r.dateRange("start_date", "end_date"); err != nil {
			return Dataset{}, err
		}
		return d, nil
	})
}

// LoadRelationships reads a relationship-file catalog.
func LoadRelationships(path string) ([]Dataset, error) {
	return load(path, relationshipColumns, func(r record) (Dataset, error) {
		d := r.base()
		var err error
		if d.Source, err = r.dateRange("start_date_source", "end_date_source"); err != nil {
			return Dataset{}, err
		}
		if d.Sink, err = r.dateRange("start_date_sink", "end_date_sink"); err != nil {
			return Dataset{}, err
		}
		if s := r.get("delimiter"); s != "" {
			if utf8.RuneCountInString(s) != 1 {
				return Dataset{}, fmt.Errorf("delimiter %q must be a single character", s)
			}
			d.Delimiter, _ = utf8.DecodeRuneInString(s)
		}
		if d.DTypes, err = ParseDTypes(r.get("dtypes")); err != nil {
			return Dataset{}, err
		}
		d.Weights = r.get("weights")
		return d, nil
	})
}

// ParseDTypes parses "COL:type;COL2:type". Empty input yields nil.
func ParseDTypes(s string) (map[string]frame.Kind, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := make(map[string]frame.Kind)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, typ, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(col) == "" {
			return nil, fmt.Errorf("dtypes entry %q: want COL:type", part)
		}
		k, err := frame.ParseKind(typ)
		if err != nil {
			return nil, fmt.Errorf("dtypes entry %q: %w", part, err)
		}
		out[strings.TrimSpace(col)] = k
	}
	return out, nil
}

type record struct {
	idx map[string]int
	rec []string
}

func (r record) get(col string) string {
	i, ok := r.idx[col]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r record) base() Dataset {
	return Dataset{
		Filename:       r.get("filename"),
		Directory:      strings.Trim(r.get("directory"), "/"),
		FieldReference: r.get("field_reference"),
		Encoding:       r.get("encoding"),
	}
}

func (r record) dateRange(startCol, endCol string) (DateRange, error) {
	start, err := time.Parse(dateLayout, r.get(startCol))
	if err != nil {
		return DateRange{}, fmt.Errorf("%s: %w", startCol, err)
	}
	end, err := time.Parse(dateLayout, r.get(endCol))
	if err != nil {
		return DateRange{}, fmt.Errorf("%s: %w", endCol, err)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("%s %s is before %s %s", endCol, r.get(endCol), startCol, r.get(startCol))
	}
	return DateRange{Start: start, End: end}, nil
}

func load(path string, required []string, build func(record) (Dataset, error)) ([]Dataset, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	defer fh.Close()

	out, err := parse(fh, required, build)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCatalog, path, err)
	}
	return out, nil
}

func parse(r io.Reader, required []string, build func(record) (Dataset, error)) ([]Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.ToLower(strings.TrimSpace(h))
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		idx[h] = i
	}
	var missing []string
	for _, c := range required {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("header missing columns: %s", strings.Join(missing, ", "))
	}

	var out []Dataset
	seen := make(map[string]int)
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blank(rec) {
			continue
		}
		r := record{idx: idx, rec: rec}
		for _, c := range []string{"filename", "directory", "field_reference"} {
			if r.get(c) == "" {
				return nil, fmt.Errorf("line %d: %s is empty", line, c)
			}
		}
		d, err := build(r)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if prev, dup := seen[d.Filename]; dup {
			return nil, fmt.Errorf("line %d: filename %s already listed on line %d", line, d.Filename, prev)
		}
		seen[d.Filename] = line
		out = append(out, d)
	}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
