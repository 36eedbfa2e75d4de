package acreage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/paulmach/orb/geojson"
)

// MalformedGeometryError reports a field whose encoded geometry is not a
// decodable FeatureCollection.
type MalformedGeometryError struct {
	Index      int
	GeometryID int64
	Err        error
}

func (e *MalformedGeometryError) Error() string {
	return fmt.Sprintf("field[%d] (geometryId %d): malformed geometry: %v", e.Index, e.GeometryID, e.Err)
}

func (e *MalformedGeometryError) Unwrap() error { return e.Err }

// DuplicateFeatureIDError reports two features sharing an id
type DuplicateFeatureIDError struct {
	ID         interface{}
	GeometryID int64
}

func (e *DuplicateFeatureIDError) Error() string {
	return fmt.Sprintf("duplicate feature id %v in field geometryId %d", e.ID, e.GeometryID)
}

var errNoFeatures = errors.New("missing features array")

// Normalize flattens field records into one ordered feature sequence.
//
// Each record's geometry string is decoded as a FeatureCollection; every
// decoded feature is emitted in order with its id taken from
// properties.geom_id. Features without a geom_id get a synthetic
// "<geometryId>-<n>" id, suffixed with ".<k>" when that string is already
// taken by another feature. acres and state missing from a feature's
// properties are filled in from the parent record.
//
// The first undecodable record, or a null entry in a features array,
// aborts normalization with a *MalformedGeometryError. Two features
// carrying the same geom_id abort with a *DuplicateFeatureIDError.
func Normalize(records []FieldRecord) ([]*geojson.Feature, error) {
	type pending struct {
		feature *geojson.Feature
		rec     int
		n       int
	}

	var all []pending
	taken := make(map[string]bool)

	for i, rec := range records {
		fc, err := decodeFieldGeometry(rec.Geometry)
		if err != nil {
			return nil, &MalformedGeometryError{Index: i, GeometryID: rec.GeometryID, Err: err}
		}

		for n, f := range fc.Features {
			if f == nil {
				return nil, &MalformedGeometryError{
					Index:      i,
					GeometryID: rec.GeometryID,
					Err:        fmt.Errorf("features[%d] is null", n),
				}
			}
			if f.Properties == nil {
				f.Properties = geojson.Properties{}
			}
			if _, ok := f.Properties[AcresProperty]; !ok {
				f.Properties[AcresProperty] = rec.Acres
			}
			if _, ok := f.Properties[StateProperty]; !ok && rec.State != "" {
				f.Properties[StateProperty] = rec.State
			}

			f.ID = nil
			if id, ok := sourceID(f.Properties); ok {
				key := FeatureKey(id)
				if taken[key] {
					return nil, &DuplicateFeatureIDError{ID: id, GeometryID: rec.GeometryID}
				}
				taken[key] = true
				f.ID = id
			}
			all = append(all, pending{feature: f, rec: i, n: n})
		}
	}

	out := make([]*geojson.Feature, 0, len(all))
	synthetic := 0
	for _, p := range all {
		if p.feature.ID == nil {
			p.feature.ID = syntheticID(records[p.rec].GeometryID, p.n, taken)
			synthetic++
		}
		out = append(out, p.feature)
	}

	if synthetic > 0 {
		log.Printf("[normalize] Warning: %d feature(s) had no geom_id and were given synthetic ids", synthetic)
	}
	return out, nil
}

// syntheticID returns the first free "<geometryId>-<n>[.<k>]" id and
// marks it taken.
func syntheticID(geometryID int64, n int, taken map[string]bool) string {
	base := strconv.FormatInt(geometryID, 10) + "-" + strconv.Itoa(n)
	id := base
	for k := 1; taken[id]; k++ {
		id = base + "." + strconv.Itoa(k)
	}
	taken[id] = true
	return id
}

// NormalizeCollection is Normalize wrapped in a FeatureCollection
func NormalizeCollection(records []FieldRecord) (*geojson.FeatureCollection, error) {
	features, err := Normalize(records)
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = features
	return fc, nil
}

// decodeFieldGeometry decodes one record's encoded FeatureCollection
func decodeFieldGeometry(encoded string) (*geojson.FeatureCollection, error) {
	var head struct {
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal([]byte(encoded), &head); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	raw := bytes.TrimSpace(head.Features)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errNoFeatures
	}

	fc, err := geojson.UnmarshalFeatureCollection([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding feature collection: %w", err)
	}
	return fc, nil
}

// sourceID returns properties.geom_id when present and non-empty
func sourceID(props geojson.Properties) (interface{}, bool) {
	switch v := props[GeomIDProperty].(type) {
	case nil:
		return nil, false
	case string:
		if v == "" {
			return nil, false
		}
		return v, true
	default:
		return v, true
	}
}

// FeatureKey is the string form of a feature id used for lookups
func FeatureKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
