package tasks

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"

	"bandalign/internal/preprocess"
	"bandalign/internal/raster"
)

// OverlayMode selects how a dual registration is visualised.
type OverlayMode string

const (
	OverlayBlend        OverlayMode = "blend"
	OverlayCheckerboard OverlayMode = "checkerboard"
	OverlaySideBySide   OverlayMode = "side_by_side"
	OverlayThermal      OverlayMode = "thermal_overlay"
)

const (
	blendAlpha   = 0.5
	thermalAlpha = 0.6
	checkerCell  = 20
	// QuicklookSize bounds the longer side of quicklook PNGs.
	QuicklookSize = 512
)

// ParseOverlay validates an overlay mode name.
func ParseOverlay(s string) (OverlayMode, error) {
	switch m := OverlayMode(strings.ToLower(strings.TrimSpace(s))); m {
	case OverlayBlend, OverlayCheckerboard, OverlaySideBySide, OverlayThermal:
		return m, nil
	default:
		return "", fmt.Errorf("unknown overlay mode %q (want blend, checkerboard, side_by_side or thermal_overlay)", s)
	}
}

// Overlay renders the registered target over the reference. Pixels outside
// the valid mask always show the reference.
func Overlay(res *DualResult, mode OverlayMode) (image.Image, error) {
	ref, reg := res.Reference, res.Registered
	if ref == nil || reg == nil || !ref.SameSize(reg) || len(res.Mask) != ref.Len() {
		return nil, fmt.Errorf("overlay needs a reference, a registered target and a mask of equal size")
	}

	switch mode {
	case OverlayBlend:
		out := ref.Clone()
		for i, ok := range res.Mask {
			if ok {
				out.Pix[i] = blendAlpha*ref.Pix[i] + (1-blendAlpha)*reg.Pix[i]
			}
		}
		return out.ToGray8(), nil

	case OverlayCheckerboard:
		out := ref.Clone()
		for y := 0; y < ref.H; y++ {
			for x := 0; x < ref.W; x++ {
				i := y*ref.W + x
				if res.Mask[i] && checkerCellOn(x, y) {
					out.Pix[i] = reg.Pix[i]
				}
			}
		}
		return out.ToGray8(), nil

	case OverlayThermal:
		img := image.NewRGBA(image.Rect(0, 0, ref.W, ref.H))
		for y := 0; y < ref.H; y++ {
			for x := 0; x < ref.W; x++ {
				i := y*ref.W + x
				v := clamp01(float64(ref.Pix[i]))
				c := colorful.Color{R: v, G: v, B: v}
				if res.Mask[i] {
					c = c.BlendRgb(hot(float64(reg.Pix[i])), thermalAlpha).Clamped()
				}
				r, g, b := c.RGB255()
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
		return img, nil

	case OverlaySideBySide:
		dc := gg.NewContext(2*ref.W, ref.H)
		dc.DrawImage(ref.ToGray8(), 0, 0)
		dc.DrawImage(reg.ToGray8(), ref.W, 0)
		dc.SetColor(color.RGBA{255, 255, 0, 255})
		dc.DrawString("reference", 6, 16)
		dc.DrawString("registered", float64(ref.W)+6, 16)
		return dc.Image(), nil
	}
	return nil, fmt.Errorf("unknown overlay mode %q", mode)
}

// checkerCellOn marks the sparse lattice replaced in checkerboard mode:
// every 20th pixel on both axes, plus the lattice offset by 10.
func checkerCellOn(x, y int) bool {
	return (x%checkerCell == 0 && y%checkerCell == 0) ||
		(x%checkerCell == checkerCell/2 && y%checkerCell == checkerCell/2)
}

// hot is the black-red-yellow-white colour map.
func hot(v float64) colorful.Color {
	v = clamp01(v)
	return colorful.Color{
		R: clamp01(0.0416 + v*(1-0.0416)/0.365079),
		G: clamp01((v - 0.365079) / (0.746032 - 0.365079)),
		B: clamp01((v - 0.746032) / (1 - 0.746032)),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// WriteOverlay renders mode and saves it as PNG.
func WriteOverlay(path string, res *DualResult, mode OverlayMode) error {
	img, err := Overlay(res, mode)
	if err != nil {
		return err
	}
	return savePNG(path, img)
}

// WriteQuicklook saves a thumbnail of a registered stack: bands 3, 2 and 1
// as RGB when there are at least three bands, grey otherwise. Each band is
// stretched to its own range.
func WriteQuicklook(path string, bands []*raster.Grid, size int) error {
	if len(bands) == 0 {
		return fmt.Errorf("quicklook needs at least one band")
	}
	var img image.Image
	if len(bands) >= 3 {
		r := preprocess.Normalize(bands[2]).ToGray8()
		g := preprocess.Normalize(bands[1]).ToGray8()
		b := preprocess.Normalize(bands[0]).ToGray8()
		rgb := image.NewNRGBA(r.Rect)
		for i := range r.Pix {
			rgb.Pix[4*i] = r.Pix[i]
			rgb.Pix[4*i+1] = g.Pix[i]
			rgb.Pix[4*i+2] = b.Pix[i]
			rgb.Pix[4*i+3] = 255
		}
		img = rgb
	} else {
		img = preprocess.Normalize(bands[0]).ToGray8()
	}
	if size > 0 {
		img = imaging.Fit(img, size, size, imaging.Lanczos)
	}
	return savePNG(path, img)
}

func savePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return imaging.Save(img, path)
}
