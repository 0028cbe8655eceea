package primitives

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

const minScale = 1e-6

// fitPartialAffine estimates x' = a*x - b*y + tx, y' = b*x + a*y + ty from
// src to dst with RANSAC on two-point samples and a least-squares refit over
// the consensus set.
func fitPartialAffine(src, dst []Point, p RobustParams, rng *rand.Rand) (f64.Aff3, []bool, error) {
	n := len(src)
	if n != len(dst) {
		return f64.Aff3{}, nil, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < 2 {
		return f64.Aff3{}, nil, ErrDegenerate
	}

	thr2 := p.Threshold * p.Threshold
	maxIters := p.MaxIters
	if maxIters <= 0 {
		maxIters = 2000
	}
	conf := p.Confidence
	if conf <= 0 || conf >= 1 {
		conf = 0.99
	}

	best := make([]bool, n)
	scratch := make([]bool, n)
	bestCount := 0
	var bestModel f64.Aff3

	for iter := 0; iter < maxIters; iter++ {
		i := rng.Intn(n)
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		m, ok := similarityFrom2(src[i], src[j], dst[i], dst[j])
		if !ok {
			continue
		}
		count := markInliers(m, src, dst, thr2, scratch)
		if count > bestCount {
			bestCount = count
			bestModel = m
			best, scratch = scratch, best
			maxIters = updateIterations(conf, float64(n-count)/float64(n), 2, maxIters)
		}
	}
	if bestCount < 2 {
		return f64.Aff3{}, nil, ErrDegenerate
	}

	inSrc := make([]Point, 0, bestCount)
	inDst := make([]Point, 0, bestCount)
	for k, ok := range best {
		if ok {
			inSrc = append(inSrc, src[k])
			inDst = append(inDst, dst[k])
		}
	}
	refit, err := similarityLeastSquares(inSrc, inDst)
	if err != nil {
		return bestModel, best, nil
	}
	if count := markInliers(refit, src, dst, thr2, scratch); count >= bestCount {
		return refit, scratch, nil
	}
	return bestModel, best, nil
}

func similarityFrom2(s0, s1, d0, d1 Point) (f64.Aff3, bool) {
	sx, sy := s1.X-s0.X, s1.Y-s0.Y
	dx, dy := d1.X-d0.X, d1.Y-d0.Y
	den := sx*sx + sy*sy
	if den < 1e-12 {
		return f64.Aff3{}, false
	}
	// (a + ib) = (dx + i dy) / (sx + i sy)
	a := (dx*sx + dy*sy) / den
	b := (dy*sx - dx*sy) / den
	if math.Hypot(a, b) < minScale {
		return f64.Aff3{}, false
	}
	tx := d0.X - (a*s0.X - b*s0.Y)
	ty := d0.Y - (b*s0.X + a*s0.Y)
	return f64.Aff3{a, -b, tx, b, a, ty}, true
}

func markInliers(m f64.Aff3, src, dst []Point, thr2 float64, mask []bool) int {
	count := 0
	for k := range src {
		x := m[0]*src[k].X + m[1]*src[k].Y + m[2]
		y := m[3]*src[k].X + m[4]*src[k].Y + m[5]
		ex, ey := x-dst[k].X, y-dst[k].Y
		mask[k] = ex*ex+ey*ey <= thr2
		if mask[k] {
			count++
		}
	}
	return count
}

// updateIterations shrinks the iteration budget once the outlier ratio is
// known, the usual log(1-p)/log(1-w^m) bound.
func updateIterations(conf, outlierRatio float64, modelPoints, maxIters int) int {
	num := math.Log(1 - conf)
	inlierProb := math.Pow(1-outlierRatio, float64(modelPoints))
	if inlierProb >= 1 {
		return 0
	}
	den := math.Log(1 - inlierProb)
	if den >= 0 || -num >= float64(maxIters)*(-den) {
		return maxIters
	}
	return int(math.Round(num / den))
}

func similarityLeastSquares(src, dst []Point) (f64.Aff3, error) {
	n := len(src)
	if n < 2 {
		return f64.Aff3{}, ErrDegenerate
	}

	A := mat.NewDense(n*2, 4, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, -y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 0, y)
		A.Set(i*2+1, 1, x)
		A.Set(i*2+1, 3, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return f64.Aff3{}, err
	}
	a, b := params.AtVec(0), params.AtVec(1)
	if math.Hypot(a, b) < minScale {
		return f64.Aff3{}, ErrDegenerate
	}
	return f64.Aff3{a, -b, params.AtVec(2), b, a, params.AtVec(3)}, nil
}
