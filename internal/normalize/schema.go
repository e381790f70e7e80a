package normalize

import "tigeretl/internal/frame"

// Column is one field of a target schema.
type Column struct {
	Name        string
	Kind        frame.Kind
	Nullable    bool
	NonNegative bool
}

// Schema is a closed, ordered column set plus the date pairs that must be
// ordered start <= end.
type Schema struct {
	Name      string
	Columns   []Column
	DatePairs [][2]string
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// GeographySchema is the boundary record schema.
var GeographySchema = Schema{
	Name: "geographies",
	Columns: []Column{
		{Name: "geoid", Kind: frame.String},
		{Name: "geo_type", Kind: frame.String},
		{Name: "name", Kind: frame.String},
		{Name: "aland", Kind: frame.Float, NonNegative: true},
		{Name: "awater", Kind: frame.Float, NonNegative: true},
		{Name: "start_date", Kind: frame.Date},
		{Name: "end_date", Kind: frame.Date},
		{Name: "geometry", Kind: frame.Geometry},
	},
	DatePairs: [][2]string{{"start_date", "end_date"}},
}

// RelationshipSchema is the geographic relationship record schema.
var RelationshipSchema = Schema{
	Name: "geographic_relationships",
	Columns: []Column{
		{Name: "geoid_source", Kind: frame.String},
		{Name: "geo_type_source", Kind: frame.String},
		{Name: "start_date_source", Kind: frame.Date},
		{Name: "end_date_source", Kind: frame.Date},
		{Name: "geoid_sink", Kind: frame.String},
		{Name: "geo_type_sink", Kind: frame.String},
		{Name: "start_date_sink", Kind: frame.Date},
		{Name: "end_date_sink", Kind: frame.Date},
		{Name: "aland_part", Kind: frame.Float, Nullable: true, NonNegative: true},
		{Name: "awater_part", Kind: frame.Float, Nullable: true, NonNegative: true},
		{Name: "weight", Kind: frame.Float},
		{Name: "rweight", Kind: frame.Float},
	},
	DatePairs: [][2]string{
		{"start_date_source", "end_date_source"},
		{"start_date_sink", "end_date_sink"},
	},
}
