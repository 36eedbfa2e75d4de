package acreage

// Style maps acreage to a fill color using the same bucket boundaries as
// the filter.
type Style struct {
	Buckets  []SizeBucket
	Fallback string
}

// LegendEntry is one row of the map legend
type LegendEntry struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// NewStyle fills in missing bucket colors from DefaultPalette by position
func NewStyle(buckets []SizeBucket, fallback string) Style {
	if fallback == "" {
		fallback = DefaultFallbackColor
	}
	bs := cloneBuckets(buckets)
	for i := range bs {
		if bs[i].Color == "" {
			if i < len(DefaultPalette) {
				bs[i].Color = DefaultPalette[i]
			} else {
				bs[i].Color = fallback
			}
		}
	}
	return Style{Buckets: bs, Fallback: fallback}
}

// ColorFor returns the color of the bucket an acreage falls in
func (s Style) ColorFor(acres float64) string {
	if b, ok := BucketFor(s.Buckets, acres); ok {
		return b.Color
	}
	return s.Fallback
}

// ColorExpression builds a mapbox "case" expression for fill-color:
// ["case", cond1, color1, ..., fallback]. Conditions always use
// expression syntax since "case" does not accept legacy filters.
func (s Style) ColorExpression() []interface{} {
	expr := make([]interface{}, 0, 2*len(s.Buckets)+2)
	expr = append(expr, "case")
	for _, b := range s.Buckets {
		expr = append(expr, b.Predicate().Encode(SyntaxExpression), b.Color)
	}
	return append(expr, s.Fallback)
}

// Legend lists bucket labels and colors in bucket order
func (s Style) Legend() []LegendEntry {
	entries := make([]LegendEntry, len(s.Buckets))
	for i, b := range s.Buckets {
		entries[i] = LegendEntry{ID: b.ID, Label: b.DisplayText, Color: b.Color}
	}
	return entries
}
