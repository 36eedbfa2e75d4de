package main

import (
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/kwv/acremap/acreage"
)

// sessionView is the JSON shape of one viewer session
type sessionView struct {
	ID          string               `json:"id"`
	Buckets     []acreage.SizeBucket `json:"buckets"`
	AllSelected bool                 `json:"allSelected"`
	Filter      []interface{}        `json:"filter"`
	Count       int                  `json:"count"`
	FeatureIDs  []string             `json:"featureIds"`
	Rows        []listRow            `json:"rows"`
}

// listRow is one entry of the side panel's feature list
type listRow struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// featureView is the popup and camera target for one feature
type featureView struct {
	ID            string              `json:"id"`
	Label         string              `json:"label"`
	Bucket        *int                `json:"bucket,omitempty"`
	Color         string              `json:"color"`
	GeodesicAcres float64             `json:"geodesicAcres"`
	FlyTo         acreage.FlyToTarget `json:"flyTo"`
	Properties    geojson.Properties  `json:"properties"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(dataset *acreage.Dataset, sessions *acreage.SessionStore, previews *acreage.PreviewCache, config *acreage.Config) http.Handler {
	mux := http.NewServeMux()
	style := config.Style()
	syntax := config.Map.FilterSyntax

	view := func(id string, state acreage.FilterState) sessionView {
		res := dataset.Filter(state)
		rows := make([]listRow, len(res.Features))
		for i, f := range res.Features {
			rows[i] = listRow{ID: acreage.FeatureKey(f.ID), Label: acreage.Label(f)}
		}
		return sessionView{
			ID:          id,
			Buckets:     res.Buckets,
			AllSelected: res.AllSelected,
			Filter:      res.Expression.Encode(syntax),
			Count:       len(res.Features),
			FeatureIDs:  res.IDs(),
			Rows:        rows,
		}
	}

	changed := func(w http.ResponseWriter, id string, state acreage.FilterState) {
		writeJSON(w, http.StatusOK, view(id, state))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Fields    int       `json:"fields"`
			Features  int       `json:"features"`
			Sessions  int       `json:"sessions"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Fields:    dataset.FieldCount,
			Features:  len(dataset.Features),
			Sessions:  sessions.Len(),
		})
	})

	// Full normalized collection for the map source
	mux.HandleFunc("GET /fields.geojson", func(w http.ResponseWriter, r *http.Request) {
		data, err := dataset.Collection().MarshalJSON()
		if err != nil {
			log.Printf("Error encoding feature collection: %v", err)
			http.Error(w, "encoding features failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("GET /style", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			FillColor []interface{}         `json:"fillColor"`
			Legend    []acreage.LegendEntry `json:"legend"`
			Fallback  string                `json:"fallback"`
			Map       acreage.MapConfig     `json:"map"`
		}{
			FillColor: style.ColorExpression(),
			Legend:    style.Legend(),
			Fallback:  style.Fallback,
			Map:       config.Map,
		})
	})

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		id, state := sessions.Create()
		log.Printf("[HTTP] New session %s (%d active)", id, sessions.Len())
		writeJSON(w, http.StatusCreated, view(id, state))
	})

	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		state, err := sessions.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view(id, state))
	})

	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !sessions.Delete(id) {
			writeError(w, acreage.ErrSessionNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Select or deselect every bucket: ?enabled=true|false
	mux.HandleFunc("POST /sessions/{id}/buckets", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		state, err := sessions.Update(id, func(s acreage.FilterState) (acreage.FilterState, error) {
			return s.SetAll(enabled), nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		changed(w, id, state)
	})

	// Select or deselect one bucket: ?enabled=true|false
	mux.HandleFunc("POST /sessions/{id}/buckets/{bucket}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		bucket, err := strconv.Atoi(r.PathValue("bucket"))
		if err != nil {
			http.Error(w, "invalid bucket id", http.StatusBadRequest)
			return
		}
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		state, err := sessions.Update(id, func(s acreage.FilterState) (acreage.FilterState, error) {
			return s.SetSelected(bucket, enabled)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		changed(w, id, state)
	})

	mux.HandleFunc("POST /sessions/{id}/buckets/{bucket}/toggle", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		bucket, err := strconv.Atoi(r.PathValue("bucket"))
		if err != nil {
			http.Error(w, "invalid bucket id", http.StatusBadRequest)
			return
		}
		state, err := sessions.Update(id, func(s acreage.FilterState) (acreage.FilterState, error) {
			return s.Toggle(bucket)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		changed(w, id, state)
	})

	// Filtered feature collection for the feature list
	mux.HandleFunc("GET /sessions/{id}/features", func(w http.ResponseWriter, r *http.Request) {
		state, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := dataset.Filter(state).Collection().MarshalJSON()
		if err != nil {
			log.Printf("Error encoding filtered features: %v", err)
			http.Error(w, "encoding features failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	preview := func(format, contentType string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			state, err := sessions.Get(r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			data, err := previews.Render(state, format)
			if err != nil {
				log.Printf("Error rendering %s preview: %v", format, err)
				http.Error(w, "rendering preview failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write(data)
		}
	}
	mux.HandleFunc("GET /sessions/{id}/preview.svg", preview(acreage.FormatSVG, "image/svg+xml"))
	mux.HandleFunc("GET /sessions/{id}/preview.png", preview(acreage.FormatPNG, "image/png"))

	// Popup label and camera target for a clicked feature
	mux.HandleFunc("GET /features/{fid}", func(w http.ResponseWriter, r *http.Request) {
		f, ok := dataset.Feature(r.PathValue("fid"))
		if !ok {
			http.Error(w, "feature not found", http.StatusNotFound)
			return
		}
		target, err := acreage.FlyTo(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		fv := featureView{
			ID:            acreage.FeatureKey(f.ID),
			Label:         acreage.Label(f),
			Color:         style.Fallback,
			GeodesicAcres: acreage.GeodesicAcres(f),
			FlyTo:         target,
			Properties:    f.Properties,
		}
		if acres, ok := acreage.Acres(f); ok {
			if b, ok := acreage.BucketFor(style.Buckets, acres); ok {
				fv.Bucket = &b.ID
				fv.Color = b.Color
			}
		}
		writeJSON(w, http.StatusOK, fv)
	})

	// Default route serves the map viewer
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		page := indexPage{
			AccessToken: config.Map.AccessToken,
			Map:         config.Map,
		}
		if err := indexTemplate.Execute(w, page); err != nil {
			log.Printf("Error rendering index page: %v", err)
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acreage.ErrSessionNotFound), errors.Is(err, acreage.ErrUnknownBucket):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Printf("Error handling request: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type indexPage struct {
	AccessToken string
	Map         acreage.MapConfig
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>acremap</title>
<link href="https://api.mapbox.com/mapbox-gl-js/v2.15.0/mapbox-gl.css" rel="stylesheet">
<script src="https://api.mapbox.com/mapbox-gl-js/v2.15.0/mapbox-gl.js"></script>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;font:13px/1.4 sans-serif}
#map{position:absolute;top:0;bottom:0;left:260px;right:0}
#side{position:absolute;top:0;bottom:0;left:0;width:260px;overflow:auto;padding:10px;background:#fafafa;border-right:1px solid #ddd}
#side h2{font-size:14px;margin:8px 0}
#buckets label{display:block;margin:3px 0}
.swatch{display:inline-block;width:12px;height:12px;margin:0 6px;vertical-align:middle}
#list div{cursor:pointer;padding:2px 0}
#list div:hover{text-decoration:underline}
</style>
</head>
<body>
<div id="side">
<h2>Field size</h2>
<label><input type="checkbox" id="all" checked> All sizes</label>
<div id="buckets"></div>
<h2>Fields (<span id="count">0</span>)</h2>
<div id="list"></div>
</div>
<div id="map"></div>
<script>
const mapConfig = {{.Map}};
mapboxgl.accessToken = {{.AccessToken}};

const map = new mapboxgl.Map({
  container: 'map',
  style: mapConfig.style,
  center: mapConfig.center,
  zoom: mapConfig.zoom
});
map.addControl(new mapboxgl.NavigationControl());

let session = null;
let legend = {};
let hovered = null;

async function post(url) {
  const res = await fetch(url, {method: 'POST'});
  if (!res.ok) throw new Error(await res.text());
  return res.json();
}

function render(s) {
  session = s;
  document.getElementById('all').checked = s.allSelected;
  document.getElementById('all').indeterminate = !s.allSelected && s.buckets.some(b => b.isSelected);
  const box = document.getElementById('buckets');
  box.innerHTML = '';
  for (const b of s.buckets) {
    const label = document.createElement('label');
    const input = document.createElement('input');
    input.type = 'checkbox';
    input.checked = b.isSelected;
    input.onchange = () => post('/sessions/' + s.id + '/buckets/' + b.id + '/toggle').then(render);
    const swatch = document.createElement('span');
    swatch.className = 'swatch';
    swatch.style.background = legend[b.id] || '#ccc';
    label.append(input, swatch, b.displayText);
    box.append(label);
  }
  if (map.getLayer('fields-fill')) {
    map.setFilter('fields-fill', s.filter);
    map.setFilter('fields-line', s.filter);
  }
  renderList(s.rows);
}

function renderList(rows) {
  document.getElementById('count').textContent = rows.length;
  const list = document.getElementById('list');
  list.innerHTML = '';
  for (const r of rows) {
    const row = document.createElement('div');
    row.textContent = r.label || r.id;
    row.onclick = () => showFeature(r.id);
    list.append(row);
  }
}

async function showFeature(id) {
  const res = await fetch('/features/' + encodeURIComponent(id));
  if (!res.ok) return;
  const f = await res.json();
  map.fitBounds(f.flyTo.bounds, {padding: 60, maxZoom: 16});
  new mapboxgl.Popup().setLngLat(f.flyTo.center).setText(f.label).addTo(map);
}

document.getElementById('all').onchange = e =>
  post('/sessions/' + session.id + '/buckets?enabled=' + e.target.checked).then(render);

map.on('load', async () => {
  const style = await (await fetch('/style')).json();
  for (const e of style.legend) legend[e.id] = e.color;

  const fc = await (await fetch('/fields.geojson')).json();
  for (const f of fc.features) f.properties._fid = String(f.id);

  map.addSource('fields', {type: 'geojson', data: fc, promoteId: '_fid'});
  map.addLayer({id: 'fields-fill', type: 'fill', source: 'fields', paint: {
    'fill-color': style.fillColor,
    'fill-opacity': ['case', ['boolean', ['feature-state', 'hover'], false], 0.9, 0.6]
  }});
  map.addLayer({id: 'fields-line', type: 'line', source: 'fields', paint: {'line-color': '#333', 'line-width': 1}});

  map.on('mousemove', 'fields-fill', e => {
    if (!e.features.length) return;
    if (hovered !== null) map.setFeatureState({source: 'fields', id: hovered}, {hover: false});
    hovered = e.features[0].properties._fid;
    map.setFeatureState({source: 'fields', id: hovered}, {hover: true});
  });
  map.on('mouseleave', 'fields-fill', () => {
    if (hovered !== null) map.setFeatureState({source: 'fields', id: hovered}, {hover: false});
    hovered = null;
  });
  map.on('click', 'fields-fill', e => showFeature(e.features[0].properties._fid));

  render(await post('/sessions'));
});
</script>
</body>
</html>
`))
