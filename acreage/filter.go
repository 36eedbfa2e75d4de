package acreage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// ErrUnknownBucket is returned when a toggle names a bucket id that does not exist
var ErrUnknownBucket = errors.New("unknown bucket")

// FilterState holds the bucket list and its selection flags. It is a value:
// every mutation returns a new state and leaves the receiver untouched, so
// whoever holds the variable owns the only mutable reference.
type FilterState struct {
	buckets []SizeBucket
}

// FilterResult is everything derived from a FilterState and a feature sequence
type FilterResult struct {
	Buckets     []SizeBucket
	Enabled     []SizeBucket
	AllSelected bool
	Expression  Expr
	Features    []*geojson.Feature
}

// NewFilterState copies the buckets and selects all of them
func NewFilterState(buckets []SizeBucket) FilterState {
	s := FilterState{buckets: cloneBuckets(buckets)}
	for i := range s.buckets {
		s.buckets[i].Selected = true
	}
	return s
}

func cloneBuckets(buckets []SizeBucket) []SizeBucket {
	out := make([]SizeBucket, len(buckets))
	for i, b := range buckets {
		if b.MaxArea != nil {
			b.MaxArea = floatPtr(*b.MaxArea)
		}
		out[i] = b
	}
	return out
}

// Buckets returns a copy of the buckets with their current selection
func (s FilterState) Buckets() []SizeBucket {
	return cloneBuckets(s.buckets)
}

// SetAll selects or deselects every bucket
func (s FilterState) SetAll(enabled bool) FilterState {
	next := FilterState{buckets: cloneBuckets(s.buckets)}
	for i := range next.buckets {
		next.buckets[i].Selected = enabled
	}
	return next
}

// SetSelected sets one bucket's selection flag
func (s FilterState) SetSelected(id int, enabled bool) (FilterState, error) {
	idx := s.indexOf(id)
	if idx < 0 {
		return s, fmt.Errorf("bucket %d: %w", id, ErrUnknownBucket)
	}
	next := FilterState{buckets: cloneBuckets(s.buckets)}
	next.buckets[idx].Selected = enabled
	return next, nil
}

// Toggle flips one bucket's selection flag
func (s FilterState) Toggle(id int) (FilterState, error) {
	idx := s.indexOf(id)
	if idx < 0 {
		return s, fmt.Errorf("bucket %d: %w", id, ErrUnknownBucket)
	}
	return s.SetSelected(id, !s.buckets[idx].Selected)
}

func (s FilterState) indexOf(id int) int {
	for i, b := range s.buckets {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// AllSelected reports whether every bucket is selected. It only drives the
// "select all" checkbox and never changes bucket state.
func (s FilterState) AllSelected() bool {
	for _, b := range s.buckets {
		if !b.Selected {
			return false
		}
	}
	return true
}

// Enabled returns the selected buckets in bucket order
func (s FilterState) Enabled() []SizeBucket {
	enabled := make([]SizeBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		if b.Selected {
			enabled = append(enabled, b)
		}
	}
	return enabled
}

// Predicate is true for a feature matching at least one selected bucket
func (s FilterState) Predicate() Expr {
	enabled := s.Enabled()
	pred := make(Any, 0, len(enabled))
	for _, b := range enabled {
		pred = append(pred, b.Predicate())
	}
	return pred
}

// Mask encodes the selection flags as a string of 1s and 0s in bucket order
func (s FilterState) Mask() string {
	var sb strings.Builder
	for _, b := range s.buckets {
		if b.Selected {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Recompute derives the enabled buckets, the combined predicate and the
// filtered features. The filtered slice preserves input order and shares
// the feature pointers; nothing is mutated.
func Recompute(s FilterState, features []*geojson.Feature) FilterResult {
	pred := s.Predicate()

	filtered := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		if f != nil && pred.Eval(f.Properties) {
			filtered = append(filtered, f)
		}
	}

	return FilterResult{
		Buckets:     s.Buckets(),
		Enabled:     s.Enabled(),
		AllSelected: s.AllSelected(),
		Expression:  pred,
		Features:    filtered,
	}
}
