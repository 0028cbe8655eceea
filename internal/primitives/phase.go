package primitives

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"bandalign/internal/raster"
)

// fft2 transforms a row-major h x w complex grid in place.
func fft2(data []complex128, w, h int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		seq := data[y*w : (y+1)*w]
		if inverse {
			rowFFT.Sequence(row, seq)
		} else {
			rowFFT.Coefficients(row, seq)
		}
		copy(seq, row)
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	out := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		if inverse {
			colFFT.Sequence(out, col)
		} else {
			colFFT.Coefficients(out, col)
		}
		for y := 0; y < h; y++ {
			data[y*w+x] = out[y]
		}
	}
}

func toComplex(g *raster.Grid, subtractMean bool) []complex128 {
	var mean float64
	if subtractMean {
		for _, v := range g.Pix {
			mean += float64(v)
		}
		mean /= float64(len(g.Pix))
	}
	out := make([]complex128, len(g.Pix))
	for i, v := range g.Pix {
		out[i] = complex(float64(v)-mean, 0)
	}
	return out
}

func crossPowerSpectrum(ref, target *raster.Grid, subtractMean bool) ([]complex128, error) {
	if !ref.SameSize(target) {
		return nil, ErrSizeMismatch
	}
	if ref.Len() == 0 {
		return nil, ErrDegenerate
	}
	a := toComplex(ref, subtractMean)
	b := toComplex(target, subtractMean)
	fft2(a, ref.W, ref.H, false)
	fft2(b, ref.W, ref.H, false)
	for i := range a {
		a[i] *= cmplx.Conj(b[i])
	}
	return a, nil
}

func argmaxAbs(data []complex128) int {
	best, at := -1.0, 0
	for i, v := range data {
		if m := cmplx.Abs(v); m > best {
			best, at = m, i
		}
	}
	return at
}

// phaseCorrelate follows the upsampled-DFT registration of Guizar-Sicairos
// et al.: an integer peak of the normalised cross-power spectrum, refined
// on a 1.5 pixel neighbourhood sampled at 1/upsample pixel.
func phaseCorrelate(ref, target *raster.Grid, upsample int) (float64, float64, error) {
	product, err := crossPowerSpectrum(ref, target, false)
	if err != nil {
		return 0, 0, err
	}
	const eps = 100 * 2.220446049250313e-16
	for i, v := range product {
		product[i] = v / complex(math.Max(cmplx.Abs(v), eps), 0)
	}

	w, h := ref.W, ref.H
	cc := make([]complex128, len(product))
	copy(cc, product)
	fft2(cc, w, h, true)

	peak := argmaxAbs(cc)
	dy := wrapShift(float64(peak/w), h)
	dx := wrapShift(float64(peak%w), w)
	if upsample <= 1 {
		return dy, dx, nil
	}

	up := float64(upsample)
	dy = math.Round(dy*up) / up
	dx = math.Round(dx*up) / up
	region := int(math.Ceil(up * 1.5))
	shift := math.Trunc(float64(region) / 2)
	offY := shift - dy*up
	offX := shift - dx*up

	ups := upsampledDFT(product, w, h, region, up, offY, offX)
	p := argmaxAbs(ups)
	dy += (float64(p/region) - shift) / up
	dx += (float64(p%region) - shift) / up
	return dy, dx, nil
}

func wrapShift(v float64, n int) float64 {
	if v > math.Trunc(float64(n)/2) {
		return v - float64(n)
	}
	return v
}

func fftFreq(k, n int) float64 {
	if k < (n+1)/2 {
		return float64(k)
	}
	return float64(k - n)
}

// upsampledDFT evaluates the inverse DFT of data on a region x region grid
// with spacing 1/up, starting at (-offY, -offX) in upsampled units.
func upsampledDFT(data []complex128, w, h, region int, up, offY, offX float64) []complex128 {
	kx := make([]complex128, region*w)
	for v := 0; v < region; v++ {
		for k := 0; k < w; k++ {
			theta := 2 * math.Pi * (float64(v) - offX) * fftFreq(k, w) / (float64(w) * up)
			kx[v*w+k] = cmplx.Exp(complex(0, theta))
		}
	}
	ky := make([]complex128, region*h)
	for u := 0; u < region; u++ {
		for k := 0; k < h; k++ {
			theta := 2 * math.Pi * (float64(u) - offY) * fftFreq(k, h) / (float64(h) * up)
			ky[u*h+k] = cmplx.Exp(complex(0, theta))
		}
	}

	tmp := make([]complex128, h*region)
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		for v := 0; v < region; v++ {
			var s complex128
			kern := kx[v*w : (v+1)*w]
			for k, d := range row {
				s += d * kern[k]
			}
			tmp[y*region+v] = s
		}
	}
	out := make([]complex128, region*region)
	for u := 0; u < region; u++ {
		kern := ky[u*h : (u+1)*h]
		for v := 0; v < region; v++ {
			var s complex128
			for y := 0; y < h; y++ {
				s += kern[y] * tmp[y*region+v]
			}
			out[u*region+v] = s
		}
	}
	return out
}

// crossCorrelate is the plain FFT cross-correlation peak, measured from the
// centre of the shifted correlation surface.
func crossCorrelate(ref, target *raster.Grid) (float64, float64, error) {
	product, err := crossPowerSpectrum(ref, target, true)
	if err != nil {
		return 0, 0, err
	}
	w, h := ref.W, ref.H
	fft2(product, w, h, true)

	peak := argmaxAbs(product)
	py, px := peak/w, peak%w
	// fftshift moves index i to (i + n/2) mod n; the shift is measured from n/2.
	sy := (py+h/2)%h - h/2
	sx := (px+w/2)%w - w/2
	return float64(sy), float64(sx), nil
}
