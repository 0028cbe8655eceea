package raster

import (
	"fmt"
	"strings"

	"golang.org/x/image/math/f64"
)

// GeoTransform maps pixel (col, row) to world coordinates:
//
//	x = a*col + b*row + c
//	y = d*col + e*row + f
type GeoTransform f64.Aff3

// Apply maps a pixel position to world coordinates.
func (t GeoTransform) Apply(col, row float64) (float64, float64) {
	return t[0]*col + t[1]*row + t[2], t[3]*col + t[4]*row + t[5]
}

// Rotated reports whether the transform has shear/rotation terms.
func (t GeoTransform) Rotated() bool { return t[1] != 0 || t[3] != 0 }

func (t GeoTransform) String() string {
	return fmt.Sprintf("|%.6g, %.6g, %.6g|\n|%.6g, %.6g, %.6g|", t[0], t[1], t[2], t[3], t[4], t[5])
}

// GPSFix is a geographic position attached to a band.
type GPSFix struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Source    string // "tags" or "exif"
}

// GeoMetadata is the spatial reference of one raster. Nil pointers and empty
// strings mean the field is absent in the source file.
type GeoMetadata struct {
	CRS          string
	Transform    *GeoTransform
	Width        int
	Height       int
	Nodata       *float64
	Tags         map[string]string
	Descriptions []string
	GPS          *GPSFix
}

// Georeferenced reports whether both CRS and transform are present.
func (m *GeoMetadata) Georeferenced() bool {
	return m != nil && m.CRS != "" && m.Transform != nil
}

// Clone returns a deep copy.
func (m *GeoMetadata) Clone() *GeoMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Transform != nil {
		t := *m.Transform
		c.Transform = &t
	}
	if m.Nodata != nil {
		v := *m.Nodata
		c.Nodata = &v
	}
	if m.GPS != nil {
		g := *m.GPS
		c.GPS = &g
	}
	c.Tags = make(map[string]string, len(m.Tags))
	for k, v := range m.Tags {
		c.Tags[k] = v
	}
	c.Descriptions = append([]string(nil), m.Descriptions...)
	return &c
}

// Band is one single-channel raster plus its optional metadata.
type Band struct {
	Path  string
	Index int // 1-based band number within its group
	Grid  *Grid
	Meta  *GeoMetadata
}

// EPSGCode extracts the numeric code from an "EPSG:nnnn" identifier.
func EPSGCode(crs string) (int, bool) {
	s := strings.TrimSpace(strings.ToUpper(crs))
	if !strings.HasPrefix(s, "EPSG:") {
		return 0, false
	}
	var code int
	if _, err := fmt.Sscanf(s[5:], "%d", &code); err != nil || code <= 0 {
		return 0, false
	}
	return code, true
}
