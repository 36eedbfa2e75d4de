package acreage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Preview formats
const (
	FormatSVG = "svg"
	FormatPNG = "png"
)

const previewCacheTTL = time.Hour

// PreviewCache renders previews of a fixed dataset and keeps recent results.
// The dataset never changes after load, so a bucket selection mask and a
// format fully determine the output.
type PreviewCache struct {
	dataset *Dataset
	style   Style
	cache   *expirable.LRU[string, []byte]
}

// NewPreviewCache creates a cache holding at most size rendered previews
func NewPreviewCache(dataset *Dataset, style Style, size int) *PreviewCache {
	if size <= 0 {
		size = defaultPreviewCache
	}
	return &PreviewCache{
		dataset: dataset,
		style:   style,
		cache:   expirable.NewLRU[string, []byte](size, nil, previewCacheTTL),
	}
}

// Render returns the preview of the features selected by state.
// Results are cached by selection mask.
func (c *PreviewCache) Render(state FilterState, format string) ([]byte, error) {
	key := state.Mask() + "." + format
	if data, ok := c.cache.Get(key); ok {
		return data, nil
	}

	res := c.dataset.Filter(state)
	r := NewPreviewRenderer(res.Features, c.style)

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatSVG:
		err = r.RenderToSVG(&buf)
	case FormatPNG:
		err = r.RenderToPNG(&buf)
	default:
		return nil, fmt.Errorf("unsupported preview format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("rendering %s preview: %w", format, err)
	}

	data := buf.Bytes()
	c.cache.Add(key, data)
	return data, nil
}

// Len returns the number of cached previews
func (c *PreviewCache) Len() int {
	return c.cache.Len()
}
