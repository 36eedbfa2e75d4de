package acreage

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/geojson"
)

// DefaultPalette is the bucket color ramp, in bucket order
var DefaultPalette = []string{"#2DC4B2", "#3BB3C3", "#669EC4", "#8B88B6", "#A2719B"}

// DefaultFallbackColor is used for features no bucket matches
const DefaultFallbackColor = "#CCCCCC"

func floatPtr(v float64) *float64 { return &v }

// DefaultBuckets returns the reference acreage buckets:
// (0,20], (20,50], (50,80], (80,120], (120,inf).
func DefaultBuckets() []SizeBucket {
	return []SizeBucket{
		{ID: 1, MinArea: 0, MaxArea: floatPtr(20), DisplayText: "0 - 20 acres", Color: DefaultPalette[0], Selected: true},
		{ID: 2, MinArea: 20, MaxArea: floatPtr(50), DisplayText: "20 - 50 acres", Color: DefaultPalette[1], Selected: true},
		{ID: 3, MinArea: 50, MaxArea: floatPtr(80), DisplayText: "50 - 80 acres", Color: DefaultPalette[2], Selected: true},
		{ID: 4, MinArea: 80, MaxArea: floatPtr(120), DisplayText: "80 - 120 acres", Color: DefaultPalette[3], Selected: true},
		{ID: 5, MinArea: 120, DisplayText: "120+ acres", Color: DefaultPalette[4], Selected: true},
	}
}

// Predicate returns the bucket's range test: min < acres <= max, or
// acres > min for the unbounded bucket.
func (b SizeBucket) Predicate() Expr {
	lower := Comparison{Field: AcresProperty, Op: OpGT, Value: b.MinArea}
	if b.MaxArea == nil {
		return lower
	}
	return All{lower, Comparison{Field: AcresProperty, Op: OpLTE, Value: *b.MaxArea}}
}

// Contains reports whether an acreage falls in the bucket
func (b SizeBucket) Contains(acres float64) bool {
	return b.Predicate().Eval(geojson.Properties{AcresProperty: acres})
}

// Bounded reports whether the bucket has an upper limit
func (b SizeBucket) Bounded() bool {
	return b.MaxArea != nil
}

// BucketFor returns the bucket an acreage falls in, if any
func BucketFor(buckets []SizeBucket, acres float64) (SizeBucket, bool) {
	for _, b := range buckets {
		if b.Contains(acres) {
			return b, true
		}
	}
	return SizeBucket{}, false
}

// ValidateBuckets checks that buckets are ordered, contiguous from 0,
// have unique ids, and that only the last one is unbounded.
func ValidateBuckets(buckets []SizeBucket) error {
	if len(buckets) == 0 {
		return fmt.Errorf("at least one bucket must be defined")
	}
	if buckets[0].MinArea != 0 {
		return fmt.Errorf("bucket[0].min must be 0, got %g", buckets[0].MinArea)
	}

	seen := make(map[int]bool, len(buckets))
	for i, b := range buckets {
		if seen[b.ID] {
			return fmt.Errorf("bucket[%d]: duplicate id %d", i, b.ID)
		}
		seen[b.ID] = true

		if math.IsNaN(b.MinArea) || math.IsInf(b.MinArea, 0) {
			return fmt.Errorf("bucket[%d]: min must be finite", i)
		}

		last := i == len(buckets)-1
		if b.MaxArea == nil {
			if !last {
				return fmt.Errorf("bucket[%d]: only the last bucket may omit max", i)
			}
			continue
		}
		if *b.MaxArea <= b.MinArea {
			return fmt.Errorf("bucket[%d]: max %g must be greater than min %g", i, *b.MaxArea, b.MinArea)
		}
		if last {
			return fmt.Errorf("bucket[%d]: last bucket must be unbounded to cover every acreage", i)
		}
		if next := buckets[i+1].MinArea; next != *b.MaxArea {
			return fmt.Errorf("bucket[%d]: gap or overlap between max %g and next min %g", i, *b.MaxArea, next)
		}
	}
	return nil
}
