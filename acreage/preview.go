package acreage

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PreviewRenderer draws a flat lon/lat snapshot of field polygons colored
// by acreage bucket. It is meant for thumbnails and reports; the browser
// viewer does the interactive rendering.
type PreviewRenderer struct {
	Features   []*geojson.Feature
	Style      Style
	Width      float64           // canvas width in mm; height follows the data's aspect ratio
	Padding    float64           // padding in mm
	Resolution canvas.Resolution // PNG resolution
	Legend     bool
}

// NewPreviewRenderer creates a renderer with default settings
func NewPreviewRenderer(features []*geojson.Feature, style Style) *PreviewRenderer {
	return &PreviewRenderer{
		Features:   features,
		Style:      style,
		Width:      200.0,
		Padding:    8.0,
		Resolution: canvas.DPI(96),
		Legend:     true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// previewFrame maps lon/lat to canvas millimeters
type previewFrame struct {
	bound         orb.Bound
	scale         float64
	padding       float64
	width, height float64
}

func (r *PreviewRenderer) frame() previewFrame {
	var b orb.Bound
	first := true
	for _, f := range r.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if first {
			b = f.Geometry.Bound()
			first = false
		} else {
			b = b.Union(f.Geometry.Bound())
		}
	}

	inner := r.Width - 2*r.Padding
	if first {
		// Nothing to draw: blank 4:3 canvas.
		return previewFrame{padding: r.Padding, width: r.Width, height: r.Width * 0.75}
	}

	spanX := b.Max.Lon() - b.Min.Lon()
	spanY := b.Max.Lat() - b.Min.Lat()
	span := math.Max(spanX, spanY)
	if span == 0 {
		span = 1e-6
	}
	scale := inner / span

	return previewFrame{
		bound:   b,
		scale:   scale,
		padding: r.Padding,
		width:   r.Width,
		height:  math.Max(spanY*scale, inner*0.25) + 2*r.Padding,
	}
}

func (pf previewFrame) toCanvas(p orb.Point) (float64, float64) {
	return (p.Lon()-pf.bound.Min.Lon())*pf.scale + pf.padding,
		(p.Lat()-pf.bound.Min.Lat())*pf.scale + pf.padding
}

// RenderToSVG writes the preview as SVG
func (r *PreviewRenderer) RenderToSVG(w io.Writer) error {
	pf := r.frame()
	svgRenderer := svg.New(w, pf.width, pf.height, nil)
	r.renderToCanvas(svgRenderer, pf)
	if r.Legend {
		r.renderLegendSwatches(svgRenderer, pf)
	}
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as PNG, with text labels in the legend
func (r *PreviewRenderer) RenderToPNG(w io.Writer) error {
	pf := r.frame()
	rast := rasterizer.New(pf.width, pf.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, pf)
	if r.Legend {
		drawLegend(rast, r.Style.Legend())
	}
	return png.Encode(w, rast)
}

func (r *PreviewRenderer) renderToCanvas(renderer canvasRenderer, pf previewFrame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(pf.width, pf.height), bgStyle, canvas.Identity)

	for _, f := range r.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		acres, _ := Acres(f)
		fill := parseHexColor(r.Style.ColorFor(acres))

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: withAlpha(fill, 200)}
		style.Stroke = canvas.Paint{Color: darken(fill)}
		style.StrokeWidth = 0.2

		for _, poly := range polygonsOf(f.Geometry) {
			poly = pf.simplify(poly)
			cp := &canvas.Path{}
			for _, ring := range poly {
				for i, pt := range ring {
					x, y := pf.toCanvas(pt)
					if i == 0 {
						cp.MoveTo(x, y)
					} else {
						cp.LineTo(x, y)
					}
				}
				cp.Close()
			}
			renderer.RenderPath(cp, style, canvas.Identity)
		}
	}
}

// minFeatureMM is the smallest detail kept when simplifying rings
const minFeatureMM = 0.1

// simplify drops vertices closer than minFeatureMM on the canvas. Rings
// that would collapse are kept as they are.
func (pf previewFrame) simplify(poly orb.Polygon) orb.Polygon {
	if pf.scale == 0 {
		return poly
	}
	dp := simplify.DouglasPeucker(minFeatureMM / pf.scale)
	out := make(orb.Polygon, 0, len(poly))
	for _, ring := range poly {
		s, ok := dp.Simplify(ring.Clone()).(orb.Ring)
		if !ok || len(s) < 4 {
			s = ring
		}
		out = append(out, s)
	}
	return out
}

// renderLegendSwatches draws one color square per bucket in the top-left corner
func (r *PreviewRenderer) renderLegendSwatches(renderer canvasRenderer, pf previewFrame) {
	const size = 4.0
	y := pf.height - pf.padding/2 - size
	for _, entry := range r.Style.Legend() {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: parseHexColor(entry.Color)}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.1
		renderer.RenderPath(canvas.Rectangle(size, size), style, canvas.Identity.Translate(pf.padding/2, y))
		y -= size * 1.5
	}
}

// polygonsOf returns the polygons of a Polygon or MultiPolygon; other
// geometry types are not drawn.
func polygonsOf(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		return []orb.Polygon(v)
	}
	return nil
}

// drawLegend draws swatches and labels onto a raster image
func drawLegend(img draw.Image, entries []LegendEntry) {
	y := 15
	for _, e := range entries {
		swatch := image.Rect(10, y-10, 22, y+2)
		draw.Draw(img, swatch, image.NewUniform(parseHexColor(e.Color)), image.Point{}, draw.Src)
		drawText(img, 28, y, e.Label, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB"; anything else yields opaque grey
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{204, 204, 204, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}

// withAlpha returns c at the given opacity, premultiplied as canvas expects
func withAlpha(c color.RGBA, a uint8) color.RGBA {
	return color.RGBA{
		R: uint8(uint32(c.R) * uint32(a) / 255),
		G: uint8(uint32(c.G) * uint32(a) / 255),
		B: uint8(uint32(c.B) * uint32(a) / 255),
		A: a,
	}
}

func darken(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.R / 2, G: c.G / 2, B: c.B / 2, A: 255}
}
