package raster

import (
	"os"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

// GPS tag names written by common multispectral cameras into the GDAL
// metadata domain.
const (
	TagGPSLatitude  = "GPS_LATITUDE"
	TagGPSLongitude = "GPS_LONGITUDE"
	TagGPSAltitude  = "GPS_ALTITUDE"
)

// ReadGPS returns the GPS fix of a band, preferring explicit tags and then
// the EXIF GPS IFD. Nil means no fix is recorded.
func ReadGPS(path string, tags map[string]string) *GPSFix {
	if fix := gpsFromTags(tags); fix != nil {
		return fix
	}
	fix, err := gpsFromEXIF(path)
	if err != nil {
		return nil
	}
	return fix
}

func gpsFromTags(tags map[string]string) *GPSFix {
	lat, okLat := tagFloat(tags, TagGPSLatitude)
	lon, okLon := tagFloat(tags, TagGPSLongitude)
	if !okLat || !okLon {
		return nil
	}
	fix := &GPSFix{Latitude: lat, Longitude: lon, Source: "tags"}
	if alt, ok := tagFloat(tags, TagGPSAltitude); ok {
		fix.Altitude = &alt
	}
	return fix
}

func tagFloat(tags map[string]string, key string) (float64, bool) {
	for k, v := range tags {
		if !strings.EqualFold(k, key) {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func gpsFromEXIF(path string) (*GPSFix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil, err
	}
	lat, lon, err := x.LatLong()
	if err != nil {
		return nil, err
	}
	fix := &GPSFix{Latitude: lat, Longitude: lon, Source: "exif"}
	if tag, err := x.Get(exif.GPSAltitude); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			alt := float64(num) / float64(den)
			if ref, err := x.Get(exif.GPSAltitudeRef); err == nil {
				if v, err := ref.Int(0); err == nil && v == 1 {
					alt = -alt
				}
			}
			fix.Altitude = &alt
		}
	}
	return fix, nil
}
