package normalize

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"tigeretl/internal/catalog"
	"tigeretl/internal/fieldref"
	"tigeretl/internal/frame"
)

var ErrUnsupportedRecipe = errors.New("unsupported weight recipe")

// WeightRecipe selects how relationship weights are derived.
type WeightRecipe int

const (
	// RecipeDefault: weight = aland_part / source total,
	// rweight = aland_part / sink total.
	RecipeDefault WeightRecipe = iota
)

func (r WeightRecipe) String() string {
	switch r {
	case RecipeDefault:
		return "default"
	default:
		return fmt.Sprintf("recipe(%d)", int(r))
	}
}

// ParseWeightRecipe maps a recipe name to its enum. Empty means default.
func ParseWeightRecipe(name string) (WeightRecipe, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return RecipeDefault, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedRecipe, name)
	}
}

// ResolveWeightRecipe parses override, or the reference's recipe when
// override is empty.
func ResolveWeightRecipe(ref fieldref.Relationship, override string) (WeightRecipe, error) {
	name := ref.Weights.Recipe
	if override != "" {
		name = override
	}
	return ParseWeightRecipe(name)
}

// RelationshipInput bundles what one relationship dataset needs.
type RelationshipInput struct {
	Dataset string
	Ref     fieldref.Relationship
	Source  catalog.DateRange
	Sink    catalog.DateRange
	// Recipe overrides Ref.Weights.Recipe when non-empty.
	Recipe string
}

// Relationships normalizes a raw relationship frame. raw is consumed.
// The weight recipe is resolved before any row is touched.
func Relationships(raw *frame.Frame, in RelationshipInput) (*frame.Frame, error) {
	recipe, err := ResolveWeightRecipe(in.Ref, in.Recipe)
	if err != nil {
		return nil, err
	}

	if err := raw.Rename(in.Ref.Renames); err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	if err := setGeoid(raw, "geoid_source", in.Ref.Source); err != nil {
		return nil, err
	}
	if err := setGeoid(raw, "geoid_sink", in.Ref.Sink); err != nil {
		return nil, err
	}

	src, sink := string(in.Ref.Source.GeoType), string(in.Ref.Sink.GeoType)
	raw.Set("geo_type_source", func(int) any { return src })
	raw.Set("geo_type_sink", func(int) any { return sink })
	raw.Set("start_date_source", func(int) any { return in.Source.Start })
	raw.Set("end_date_source", func(int) any { return in.Source.End })
	raw.Set("start_date_sink", func(int) any { return in.Sink.Start })
	raw.Set("end_date_sink", func(int) any { return in.Sink.End })

	switch recipe {
	case RecipeDefault:
		if err := defaultWeights(raw, in.Ref.Weights); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRecipe, recipe)
	}

	return project(in.Dataset, raw, RelationshipSchema)
}

// defaultWeights divides the part land area by the source and sink totals.
// Null, zero or unparseable totals yield NaN or Inf, which validation rejects.
func defaultWeights(f *frame.Frame, w fieldref.Weights) error {
	if err := f.Require("aland_part", w.SourceAreaCol, w.SinkAreaCol); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	part, _ := f.Index("aland_part")
	srcTotal, _ := f.Index(w.SourceAreaCol)
	sinkTotal, _ := f.Index(w.SinkAreaCol)

	rows := f.Rows
	f.Set("weight", func(r int) any { return ratio(rows[r][part], rows[r][srcTotal]) })
	f.Set("rweight", func(r int) any { return ratio(rows[r][part], rows[r][sinkTotal]) })
	return nil
}

func ratio(num, den any) float64 {
	n, ok := frame.ToFloat(num)
	if !ok {
		return math.NaN()
	}
	d, ok := frame.ToFloat(den)
	if !ok {
		return math.NaN()
	}
	return n / d
}
