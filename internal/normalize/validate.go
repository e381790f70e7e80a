package normalize

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"tigeretl/internal/frame"
	"tigeretl/internal/geom"
)

// maxIssues caps how many issues a ValidationError keeps; Total still counts all.
const maxIssues = 20

// Issue is one validation failure. Row is -1 for frame-level problems.
type Issue struct {
	Row     int
	Column  string
	Message string
}

func (i Issue) String() string {
	if i.Row < 0 {
		return i.Message
	}
	return fmt.Sprintf("row %d column %s: %s", i.Row, i.Column, i.Message)
}

// ValidationError reports a frame that does not satisfy its schema.
type ValidationError struct {
	Dataset string
	Schema  string
	Issues  []Issue
	Total   int
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Dataset != "" {
		fmt.Fprintf(&b, " for %s", e.Dataset)
	}
	fmt.Fprintf(&b, " (%s): %d issue(s)", e.Schema, e.Total)
	for i, is := range e.Issues {
		if i == 3 {
			b.WriteString("; ...")
			break
		}
		b.WriteString("; ")
		b.WriteString(is.String())
	}
	return b.String()
}

func (e *ValidationError) add(is Issue) {
	e.Total++
	if len(e.Issues) < maxIssues {
		e.Issues = append(e.Issues, is)
	}
}

// Validate checks f against s: exact column set and order, per-cell kind,
// nullability, finite and non-negative floats and ordered date pairs.
// It returns nil or a *ValidationError.
func Validate(f *frame.Frame, s Schema) error {
	ve := &ValidationError{Schema: s.Name}

	want := s.Names()
	if !slices.Equal(f.Columns, want) {
		ve.add(Issue{Row: -1, Message: fmt.Sprintf("columns %v, want %v", f.Columns, want)})
		return ve
	}

	for r, row := range f.Rows {
		for i, c := range s.Columns {
			if msg := checkCell(row[i], c); msg != "" {
				ve.add(Issue{Row: r, Column: c.Name, Message: msg})
			}
		}
		for _, p := range s.DatePairs {
			start, ok1 := f.Value(r, p[0]).(time.Time)
			end, ok2 := f.Value(r, p[1]).(time.Time)
			if ok1 && ok2 && end.Before(start) {
				ve.add(Issue{Row: r, Column: p[1], Message: fmt.Sprintf("%s before %s", p[1], p[0])})
			}
		}
	}

	if ve.Total > 0 {
		return ve
	}
	return nil
}

func checkCell(v any, c Column) string {
	if v == nil {
		if c.Nullable {
			return ""
		}
		return "null"
	}
	switch c.Kind {
	case frame.String:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("want text, got %T", v)
		}
	case frame.Int:
		if _, ok := v.(int64); !ok {
			return fmt.Sprintf("want int, got %T", v)
		}
	case frame.Float:
		x, ok := v.(float64)
		if !ok {
			return fmt.Sprintf("want float, got %T", v)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "not finite"
		}
		if c.NonNegative && x < 0 {
			return fmt.Sprintf("negative value %v", x)
		}
	case frame.Date:
		d, ok := v.(time.Time)
		if !ok {
			return fmt.Sprintf("want date, got %T", v)
		}
		if d.IsZero() {
			return "zero date"
		}
	case frame.Geometry:
		switch v.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return fmt.Sprintf("want polygonal geometry, got %T", v)
		}
		if geom.Empty(v) {
			if c.Nullable {
				return ""
			}
			return "empty geometry"
		}
	default:
		return fmt.Sprintf("unsupported kind %s", c.Kind)
	}
	return ""
}
