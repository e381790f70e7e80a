package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the logical type of a column.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Date
	Geometry
)

func (k Kind) String() string {
	switch k {
	case String:
		return "text"
	case Int:
		return "int"
	case Float:
		return "float"
	case Date:
		return "date"
	case Geometry:
		return "geometry"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the dtype names used by field references and catalogs.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "str", "string", "text", "object":
		return String, nil
	case "int", "int64", "integer":
		return Int, nil
	case "float", "float64", "double":
		return Float, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// ParseCell converts a raw text cell to kind k. Empty text is null.
func ParseCell(raw string, k Kind) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	switch k {
	case String:
		return raw, nil
	case Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return n, nil
	case Float:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", raw, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("cannot parse text as %s", k)
	}
}

// Text renders a scalar cell as identifier text. Integral floats print
// without a fraction so 1.0 and 1 yield the same identifier.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

// ToFloat widens numeric cells and parses numeric text.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
