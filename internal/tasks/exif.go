package tasks

import (
	"fmt"
	"os"

	"github.com/rwcarlsen/goexif/exif"

	"bandalign/internal/raster"
	"bandalign/internal/storage"
)

// ExtractMetadata reads the band's size and GPS fix plus whatever camera
// EXIF fields the file carries. Missing EXIF is not an error.
func ExtractMetadata(io *raster.IO, path string) (storage.ImageMetadata, error) {
	meta := storage.ImageMetadata{FilePath: path}
	band, err := io.ReadBand(path, true)
	if err != nil {
		return meta, err
	}
	meta.Width, meta.Height = band.Grid.W, band.Grid.H
	if band.Meta != nil {
		meta.CRS = band.Meta.CRS
		if fix := band.Meta.GPS; fix != nil {
			meta.GPSLat, meta.GPSLon = fix.Latitude, fix.Longitude
			meta.GPSAlt = fix.Altitude
			meta.GPSSource = fix.Source
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return meta, nil
	}
	defer f.Close()
	x, err := exif.Decode(f)
	if err != nil {
		return meta, nil
	}
	meta.CameraMake = exifString(x, exif.Make)
	meta.CameraModel = exifString(x, exif.Model)
	meta.FocalLength = exifRat(x, exif.FocalLength)
	meta.Aperture = exifRat(x, exif.FNumber)
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := tag.Int(0); err == nil {
			meta.ISO = v
		}
	}
	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			meta.ExposureTime = fmt.Sprintf("%d/%d", num, den)
		}
	}
	if t, err := x.DateTime(); err == nil {
		meta.Timestamp = t.Format("2006-01-02T15:04:05")
	}
	return meta, nil
}

func exifString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return s
}

func exifRat(x *exif.Exif, name exif.FieldName) float64 {
	tag, err := x.Get(name)
	if err != nil {
		return 0
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
