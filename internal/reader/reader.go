// Package reader loads raw source files into frames: zipped or bare ESRI
// shapefiles and delimited text relationship files.
package reader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"tigeretl/internal/frame"
)

// GeometryColumn is the name readers give the shape column.
const GeometryColumn = "geometry"

// ErrUnreadable marks a source that could not be opened or parsed.
var ErrUnreadable = errors.New("unreadable source")

// Options tune how a file is read. The zero value reads UTF-8 with
// comma-separated fields and untyped (text) delimited columns.
type Options struct {
	// Delimiter separates fields in delimited files; 0 means ','.
	Delimiter rune
	// Types overrides per-column parsing.
	Types map[string]frame.Kind
	// Encoding names the text encoding: "" or utf-8, latin1, cp1252.
	Encoding string
}

// Read dispatches on the file extension.
func Read(ctx context.Context, path string, opt Options) (*frame.Frame, error) {
	dec, err := decoder(opt.Encoding)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".shp":
		f, err := readShapefile(ctx, path, opt, dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, filepath.Base(path), err)
		}
		return f, nil
	default:
		f, err := readDelimited(ctx, path, opt, dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, filepath.Base(path), err)
		}
		return f, nil
	}
}

func decoder(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-")) {
	case "", "utf-8", "utf8":
		return unicode.UTF8.NewDecoder(), nil
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "cp1252", "windows-1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}
