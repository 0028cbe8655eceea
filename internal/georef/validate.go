package georef

import (
	"fmt"
	"math"

	"bandalign/internal/raster"
)

// Tolerance is the per-coefficient absolute tolerance for transform equality.
const Tolerance = 1e-10

// InconsistencyError reports the first band whose spatial metadata differs
// from the reference band.
type InconsistencyError struct {
	Band   int // 1-based
	Field  string
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("metadata inconsistency in band %d (%s): %s", e.Band, e.Field, e.Reason)
}

// ValidateGroup checks that every band shares the reference band's CRS,
// dimensions and geotransform. ref is 0-based.
func ValidateGroup(metas []*raster.GeoMetadata, ref int) error {
	if ref < 0 || ref >= len(metas) {
		return fmt.Errorf("reference index %d outside group of %d", ref, len(metas))
	}
	r := metas[ref]
	if r == nil {
		return &InconsistencyError{Band: ref + 1, Field: "metadata", Reason: fmt.Sprintf("band %d has no metadata", ref+1)}
	}
	for i, m := range metas {
		if i == ref {
			continue
		}
		band := i + 1
		if m == nil {
			return &InconsistencyError{Band: band, Field: "metadata", Reason: fmt.Sprintf("band %d has no metadata", band)}
		}
		if m.CRS != r.CRS {
			return &InconsistencyError{Band: band, Field: "crs",
				Reason: fmt.Sprintf("band %d CRS %q differs from reference %q", band, m.CRS, r.CRS)}
		}
		if m.Width != r.Width || m.Height != r.Height {
			return &InconsistencyError{Band: band, Field: "dimensions",
				Reason: fmt.Sprintf("band %d is %dx%d, reference is %dx%d", band, m.Width, m.Height, r.Width, r.Height)}
		}
		if err := compareTransforms(band, m.Transform, r.Transform); err != nil {
			return err
		}
	}
	return nil
}

func compareTransforms(band int, t, ref *raster.GeoTransform) error {
	switch {
	case t == nil && ref == nil:
		return nil
	case t == nil || ref == nil:
		return &InconsistencyError{Band: band, Field: "transform",
			Reason: fmt.Sprintf("band %d transform presence differs from reference", band)}
	}
	for k := range t {
		if d := math.Abs(t[k] - ref[k]); !(d <= Tolerance) {
			return &InconsistencyError{Band: band, Field: "transform",
				Reason: fmt.Sprintf("band %d transform coefficient %d is %.12g, reference %.12g", band, k, t[k], ref[k])}
		}
	}
	return nil
}
