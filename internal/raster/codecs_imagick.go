//go:build imagick

package raster

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

func extraCodecs() []Codec {
	imagickOnce.Do(imagick.Initialize)
	return []Codec{magickCodec{}}
}

// magickCodec decodes anything ImageMagick can read, including JPEG and
// ZSTD compressed TIFFs. Spatial metadata is not available through it.
type magickCodec struct{}

func (magickCodec) Name() string { return "imagemagick" }

func (magickCodec) Decode(path string, _ []byte, _ bool) (*Grid, *GeoMetadata, error) {
	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(path); err != nil {
		return nil, nil, fmt.Errorf("%w: imagemagick: %v", ErrMissingCodec, err)
	}
	w, h := wand.GetImageWidth(), wand.GetImageHeight()
	px, err := wand.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	vals, ok := px.([]float32)
	if !ok || len(vals) != int(w*h) {
		return nil, nil, fmt.Errorf("unexpected pixel buffer from imagemagick")
	}
	g := NewGrid(int(w), int(h))
	copy(g.Pix, vals)
	return g, nil, nil
}
