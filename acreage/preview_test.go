package acreage

import (
	"bytes"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
)

func TestPreviewRenderer_SVG(t *testing.T) {
	d := sampleDataset(t)
	r := NewPreviewRenderer(d.Features, NewStyle(DefaultBuckets(), ""))

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("RenderToSVG() error: %v", err)
	}

	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"), "output should be an SVG document")
	assert.Contains(t, strings.ToLower(out), "path")
}

func TestPreviewRenderer_PNG(t *testing.T) {
	d := sampleDataset(t)
	r := NewPreviewRenderer(d.Features, NewStyle(DefaultBuckets(), ""))

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("RenderToPNG() error: %v", err)
	}

	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode() error: %v", err)
	}
	b := img.Bounds()
	assert.Greater(t, b.Dx(), 0)
	assert.Greater(t, b.Dy(), 0)
}

func TestPreviewRenderer_Empty(t *testing.T) {
	r := NewPreviewRenderer(nil, NewStyle(DefaultBuckets(), ""))
	r.Legend = false

	var svgBuf, pngBuf bytes.Buffer
	assert.NoError(t, r.RenderToSVG(&svgBuf))
	assert.NoError(t, r.RenderToPNG(&pngBuf))

	_, err := png.Decode(&pngBuf)
	assert.NoError(t, err)
}

func TestPreviewRenderer_SkipsFeaturesWithoutGeometry(t *testing.T) {
	features := []*geojson.Feature{nil, geojson.NewFeature(nil)}
	r := NewPreviewRenderer(features, NewStyle(DefaultBuckets(), ""))

	pf := r.frame()
	assert.Equal(t, r.Width, pf.width)
	assert.Equal(t, r.Width*0.75, pf.height)
}

func TestPreviewFrame_Simplify(t *testing.T) {
	// A square with a collinear midpoint on its bottom edge.
	ring := orb.Ring{{0, 0}, {0.5, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}

	pf := previewFrame{scale: 100}
	got := pf.simplify(orb.Polygon{ring})
	assert.Len(t, got[0], 5, "collinear vertex should be dropped")
	assert.Len(t, ring, 6, "input ring must not be modified")

	// At a tiny scale the whole ring is below one detail; keep it.
	pf = previewFrame{scale: 0.01}
	got = pf.simplify(orb.Polygon{ring})
	assert.Equal(t, ring, got[0])

	pf = previewFrame{}
	assert.Equal(t, orb.Polygon{ring}, pf.simplify(orb.Polygon{ring}))
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#2DC4B2", color.RGBA{0x2D, 0xC4, 0xB2, 255}},
		{"ffffff", color.RGBA{255, 255, 255, 255}},
		{"#abc", color.RGBA{204, 204, 204, 255}},
		{"#zzzzzz", color.RGBA{204, 204, 204, 255}},
		{"", color.RGBA{204, 204, 204, 255}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseHexColor(tt.in), "parseHexColor(%q)", tt.in)
	}
}

func TestPreviewCache(t *testing.T) {
	d := sampleDataset(t)
	cache := NewPreviewCache(d, NewStyle(DefaultBuckets(), ""), 4)

	all := NewFilterState(DefaultBuckets())
	first, err := cache.Render(all, FormatSVG)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	again, err := cache.Render(all, FormatSVG)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	assert.Equal(t, first, again)
	assert.Equal(t, 1, cache.Len())

	fewer, _ := all.Toggle(5)
	_, err = cache.Render(fewer, FormatSVG)
	assert.NoError(t, err)
	_, err = cache.Render(fewer, FormatPNG)
	assert.NoError(t, err)
	assert.Equal(t, 3, cache.Len())

	_, err = cache.Render(all, "gif")
	assert.Error(t, err)
	assert.Equal(t, 3, cache.Len())
}
