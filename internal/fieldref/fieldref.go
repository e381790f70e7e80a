// Package fieldref loads field references: per-dataset JSON documents that
// tell the normalizer how to rename raw columns, build identifiers and
// compute relationship weights.
package fieldref

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tigeretl/internal/frame"
)

var (
	ErrNotFound = errors.New("field reference not found")
	ErrInvalid  = errors.New("invalid field reference")
)

// GeoType tags the kind of geography a record describes.
type GeoType string

const (
	County GeoType = "county"
	Tract  GeoType = "tract"
	ZCTA   GeoType = "zcta"
	UNSD   GeoType = "unsd"
	ELSD   GeoType = "elsd"
	SCSD   GeoType = "scsd"
	BG     GeoType = "bg"
	Place  GeoType = "place"
	CoSub  GeoType = "cousub"
	State  GeoType = "state"
)

var knownGeoTypes = map[GeoType]bool{
	County: true, Tract: true, ZCTA: true, UNSD: true, ELSD: true,
	SCSD: true, BG: true, Place: true, CoSub: true, State: true,
}

// Known reports whether g is one of the standard tags. Unknown tags are kept
// verbatim.
func (g GeoType) Known() bool { return knownGeoTypes[g] }

// Identifier says how to build a geoid: Prefix ++ text(row[SuffixCol]).
type Identifier struct {
	Prefix    string  `json:"geoid_prefix"`
	SuffixCol string  `json:"geoid_suffix_col"`
	GeoType   GeoType `json:"geo_type"`
}

// Geography is the reference for a boundary file.
type Geography struct {
	ID string
	// Renames maps raw column names to output names. Document order is not
	// kept: renames apply in sorted key order, so on a target collision the
	// rename with the greatest source name wins.
	Renames map[string]string
	Identifier
	// NamePrefixes overrides the regional ZCTA filter.
	NamePrefixes []string
	Encoding     string
}

// Weights configures relationship weight computation.
type Weights struct {
	Recipe        string `json:"recipe"`
	SourceAreaCol string `json:"source_area_col"`
	SinkAreaCol   string `json:"sink_area_col"`
}

// Relationship is the reference for a relationship file.
type Relationship struct {
	ID string
	// Renames follows the same sorted key order as Geography.Renames.
	Renames   map[string]string
	Source    Identifier
	Sink      Identifier
	Delimiter rune
	DTypes    map[string]frame.Kind
	Weights   Weights
	Encoding  string
}

// Store reads references from a directory and caches them by id.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]map[string]json.RawMessage
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]map[string]json.RawMessage)}
}

// Dir is the reference directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file backing id; ids may carry the .json suffix or not.
func (s *Store) Path(id string) string {
	if !strings.EqualFold(filepath.Ext(id), ".json") {
		id += ".json"
	}
	return filepath.Join(s.dir, id)
}

func (s *Store) raw(id string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.cache[id]; ok {
		return doc, nil
	}
	b, err := os.ReadFile(s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read field reference %s: %w", id, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, id, err)
	}
	s.cache[id] = doc
	return doc, nil
}

// Geography loads a boundary-file reference. Required keys: renames,
// geoid_prefix, geoid_suffix_col and geo_type (geotype accepted as an alias).
func (s *Store) Geography(id string) (Geography, error) {
	doc, err := s.raw(id)
	if err != nil {
		return Geography{}, err
	}
	d := decoder{id: id, doc: doc}
	g := Geography{ID: id}
	d.required("renames", &g.Renames)
	d.identifier(&g.Identifier)
	d.optional("name_prefixes", &g.NamePrefixes)
	d.optional("encoding", &g.Encoding)
	if err := d.err(); err != nil {
		return Geography{}, err
	}
	return g, nil
}

// Relationship loads a relationship-file reference. Required keys: renames,
// source and sink identifier blocks.
func (s *Store) Relationship(id string) (Relationship, error) {
	doc, err := s.raw(id)
	if err != nil {
		return Relationship{}, err
	}
	d := decoder{id: id, doc: doc}
	r := Relationship{ID: id}
	d.required("renames", &r.Renames)

	for _, side := range []struct {
		key string
		dst *Identifier
	}{{"source", &r.Source}, {"sink", &r.Sink}} {
		var block map[string]json.RawMessage
		if !d.required(side.key, &block) {
			continue
		}
		sub := decoder{id: id, doc: block, prefix: side.key + "."}
		sub.identifier(side.dst)
		d.problems = append(d.problems, sub.problems...)
	}

	var delim string
	d.optional("delimiter", &delim)
	if delim != "" {
		rs := []rune(delim)
		if len(rs) != 1 {
			d.problems = append(d.problems, fmt.Sprintf("delimiter %q must be a single character", delim))
		} else {
			r.Delimiter = rs[0]
		}
	}

	var dtypes map[string]string
	d.optional("dtypes", &dtypes)
	if len(dtypes) > 0 {
		r.DTypes = make(map[string]frame.Kind, len(dtypes))
		for col, name := range dtypes {
			k, err := frame.ParseKind(name)
			if err != nil {
				d.problems = append(d.problems, fmt.Sprintf("dtypes.%s: %v", col, err))
				continue
			}
			r.DTypes[col] = k
		}
	}

	d.optional("weights", &r.Weights)
	if r.Weights.SourceAreaCol == "" {
		r.Weights.SourceAreaCol = "aland_source"
	}
	if r.Weights.SinkAreaCol == "" {
		r.Weights.SinkAreaCol = "aland_sink"
	}
	d.optional("encoding", &r.Encoding)

	if err := d.err(); err != nil {
		return Relationship{}, err
	}
	return r, nil
}

// decoder collects every problem in a document so one error names them all.
type decoder struct {
	id       string
	prefix   string
	doc      map[string]json.RawMessage
	problems []string
}

func (d *decoder) required(key string, dst any) bool {
	raw, ok := d.doc[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		d.problems = append(d.problems, "missing key "+d.prefix+key)
		return false
	}
	return d.decode(key, raw, dst)
}

func (d *decoder) optional(key string, dst any) bool {
	raw, ok := d.doc[key]
	if !ok {
		return false
	}
	return d.decode(key, raw, dst)
}

func (d *decoder) decode(key string, raw json.RawMessage, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		d.problems = append(d.problems, fmt.Sprintf("%s%s: %v", d.prefix, key, err))
		return false
	}
	return true
}

func (d *decoder) identifier(dst *Identifier) {
	d.required("geoid_prefix", &dst.Prefix)
	if d.required("geoid_suffix_col", &dst.SuffixCol) && strings.TrimSpace(dst.SuffixCol) == "" {
		d.problems = append(d.problems, d.prefix+"geoid_suffix_col is empty")
	}

	key := "geo_type"
	if !d.has(key) && d.has("geotype") {
		key = "geotype"
	}
	var gt string
	if d.required(key, &gt) && strings.TrimSpace(gt) == "" {
		d.problems = append(d.problems, d.prefix+key+" is empty")
	}
	dst.GeoType = GeoType(strings.TrimSpace(gt))
}

func (d *decoder) has(key string) bool {
	_, ok := d.doc[key]
	return ok
}

func (d *decoder) err() error {
	if len(d.problems) == 0 {
		return nil
	}
	sort.Strings(d.problems)
	return fmt.Errorf("%w: %s: %s", ErrInvalid, d.id, strings.Join(d.problems, "; "))
}
