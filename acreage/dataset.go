package acreage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// Dataset is the normalized, read-only feature set held for the life of
// the process.
type Dataset struct {
	Features   []*geojson.Feature
	FieldCount int
	byID       map[string]*geojson.Feature
}

// LoadDataset normalizes the records once and indexes the features by id
func LoadDataset(records []FieldRecord) (*Dataset, error) {
	features, err := Normalize(records)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*geojson.Feature, len(features))
	for _, f := range features {
		byID[FeatureKey(f.ID)] = f
	}

	return &Dataset{
		Features:   features,
		FieldCount: len(records),
		byID:       byID,
	}, nil
}

// Collection wraps every feature in a FeatureCollection
func (d *Dataset) Collection() *geojson.FeatureCollection {
	return collectionOf(d.Features)
}

// Feature looks up a feature by id
func (d *Dataset) Feature(id string) (*geojson.Feature, bool) {
	f, ok := d.byID[id]
	return f, ok
}

// Filter applies a filter state to the dataset
func (d *Dataset) Filter(s FilterState) FilterResult {
	return Recompute(s, d.Features)
}

func collectionOf(features []*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, features...)
	return fc
}

// Collection wraps the filtered features in a FeatureCollection
func (r FilterResult) Collection() *geojson.FeatureCollection {
	return collectionOf(r.Features)
}

// IDs returns the filtered feature ids in order
func (r FilterResult) IDs() []string {
	ids := make([]string, len(r.Features))
	for i, f := range r.Features {
		ids[i] = FeatureKey(f.ID)
	}
	return ids
}

// Summary counts features per bucket
type Summary struct {
	Fields    int
	Features  int
	PerBucket map[int]int
	Unmatched int
	Bound     orb.Bound
}

// Summarize counts the dataset's features per bucket and computes its extent
func Summarize(d *Dataset, buckets []SizeBucket) Summary {
	s := Summary{
		Fields:    d.FieldCount,
		Features:  len(d.Features),
		PerBucket: make(map[int]int, len(buckets)),
	}

	first := true
	for _, f := range d.Features {
		acres, _ := Acres(f)
		if b, ok := BucketFor(buckets, acres); ok {
			s.PerBucket[b.ID]++
		} else {
			s.Unmatched++
		}

		if f.Geometry == nil {
			continue
		}
		if first {
			s.Bound = f.Geometry.Bound()
			first = false
		} else {
			s.Bound = s.Bound.Union(f.Geometry.Bound())
		}
	}
	return s
}

// FlyToTarget tells the viewer where to move the camera for a feature
type FlyToTarget struct {
	Center [2]float64    `json:"center"`
	Bounds [2][2]float64 `json:"bounds"`
}

// FlyTo returns the center and bounding box of a feature's geometry
func FlyTo(f *geojson.Feature) (FlyToTarget, error) {
	if f == nil || f.Geometry == nil {
		return FlyToTarget{}, fmt.Errorf("feature has no geometry")
	}
	b := f.Geometry.Bound()
	c := b.Center()
	return FlyToTarget{
		Center: [2]float64{c.Lon(), c.Lat()},
		Bounds: [2][2]float64{
			{b.Min.Lon(), b.Min.Lat()},
			{b.Max.Lon(), b.Max.Lat()},
		},
	}, nil
}

// Acres returns a feature's reported acreage, accepting every numeric
// shape the bucket filter accepts.
func Acres(f *geojson.Feature) (float64, bool) {
	if f == nil {
		return 0, false
	}
	return numberProp(f.Properties, AcresProperty)
}

// Label is the popup text for a feature, e.g. "IL · 15 acres"
func Label(f *geojson.Feature) string {
	state, _ := f.Properties[StateProperty].(string)
	acres, ok := Acres(f)

	var parts []string
	if state != "" {
		parts = append(parts, strings.ToUpper(state))
	}
	if ok {
		parts = append(parts, strconv.FormatFloat(acres, 'f', -1, 64)+" acres")
	}
	return strings.Join(parts, " · ")
}

// GeodesicAcres measures the feature's geometry on the sphere, for
// comparing against the reported acreage.
func GeodesicAcres(f *geojson.Feature) float64 {
	if f == nil || f.Geometry == nil {
		return 0
	}
	return geo.Area(f.Geometry) / SquareMetersPerAcre
}
