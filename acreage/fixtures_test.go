package acreage

import (
	"encoding/json"
	"testing"
)

// squareFeature builds a GeoJSON feature with a small square polygon whose
// lower-left corner is at lon/lat. A nil geomID leaves geom_id unset.
func squareFeature(geomID interface{}, acres float64, lon, lat float64) map[string]interface{} {
	const d = 0.002
	props := map[string]interface{}{"acres": acres}
	if geomID != nil {
		props["geom_id"] = geomID
	}
	return map[string]interface{}{
		"type": "Feature",
		"id":   0,
		"geometry": map[string]interface{}{
			"type": "Polygon",
			"coordinates": [][][]float64{{
				{lon, lat}, {lon + d, lat}, {lon + d, lat + d}, {lon, lat + d}, {lon, lat},
			}},
		},
		"properties": props,
	}
}

// encodeCollection returns the double-encoded geometry string of a field record
func encodeCollection(t *testing.T, features ...map[string]interface{}) string {
	t.Helper()
	if features == nil {
		features = []map[string]interface{}{}
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
	if err != nil {
		t.Fatalf("encoding collection: %v", err)
	}
	return string(data)
}

// sampleRecords returns three fields holding four features with acreages
// 15, 20, 65 and 150.
func sampleRecords(t *testing.T) []FieldRecord {
	t.Helper()
	return []FieldRecord{
		{
			State:      "IL",
			GeometryID: 1,
			Geometry:   encodeCollection(t, squareFeature("A1", 15, -89.60, 40.10)),
		},
		{
			State:      "IA",
			GeometryID: 2,
			Geometry: encodeCollection(t,
				squareFeature("B1", 20, -93.60, 41.60),
				squareFeature("B2", 65, -93.61, 41.61),
			),
		},
		{
			State:      "IN",
			GeometryID: 3,
			Geometry:   encodeCollection(t, squareFeature("C1", 150, -86.15, 39.77)),
		},
	}
}

func sampleDataset(t *testing.T) *Dataset {
	t.Helper()
	d, err := LoadDataset(sampleRecords(t))
	if err != nil {
		t.Fatalf("LoadDataset() error: %v", err)
	}
	return d
}
