package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/image/tiff"
)

var (
	// ErrMissingCodec marks a file whose compression or sample layout no
	// available decoder understands.
	ErrMissingCodec = errors.New("unsupported raster encoding")
	// ErrNotTIFF is returned by the GeoTIFF codec for non-TIFF input.
	ErrNotTIFF = errors.New("not a TIFF file")
)

// IOError is a raster read/write failure with a remediation hint.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v (%s)", e.Op, e.Path, e.Err, e.Hint())
}

func (e *IOError) Unwrap() error { return e.Err }

// Hint distinguishes a missing codec from an ordinary I/O problem.
func (e *IOError) Hint() string {
	switch {
	case errors.Is(e.Err, ErrMissingCodec):
		return "codec not available: re-export the file uncompressed or as LZW/Deflate, or build with -tags imagick"
	case errors.Is(e.Err, fs.ErrNotExist):
		return "file not found: check the input path"
	case errors.Is(e.Err, fs.ErrPermission):
		return "permission denied: check file and directory permissions"
	default:
		return "check that the file is a readable raster and the disk is healthy"
	}
}

// Codec decodes one family of raster files.
type Codec interface {
	Name() string
	Decode(path string, data []byte, withMeta bool) (*Grid, *GeoMetadata, error)
}

// IO reads single-band rasters through a chain of codecs and writes
// multi-band GeoTIFFs.
type IO struct {
	codecs []Codec
	log    *slog.Logger
}

// Probe assembles the codec chain available in this build.
func Probe(log *slog.Logger) *IO {
	if log == nil {
		log = slog.Default()
	}
	r := &IO{log: log}
	r.codecs = append(r.codecs, geoTIFFCodec{}, plainTIFFCodec{}, stdImageCodec{})
	r.codecs = append(r.codecs, extraCodecs()...)
	log.Debug("raster codecs ready", "codecs", strings.Join(r.Codecs(), ","))
	return r
}

// Codecs lists the active codec names in priority order.
func (r *IO) Codecs() []string {
	out := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		out[i] = c.Name()
	}
	return out
}

// ReadBand loads the first band of path. With withMeta the spatial reference
// and GPS fix are decoded as well.
func (r *IO) ReadBand(path string, withMeta bool) (*Band, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	var lastErr error
	for _, c := range r.codecs {
		g, meta, err := c.Decode(path, data, withMeta)
		if err == nil {
			if withMeta {
				if meta == nil {
					meta = &GeoMetadata{Width: g.W, Height: g.H, Tags: map[string]string{}}
				}
				if meta.GPS == nil {
					meta.GPS = ReadGPS(path, meta.Tags)
				}
			}
			return &Band{Path: path, Grid: g, Meta: meta}, nil
		}
		if !errors.Is(err, ErrMissingCodec) && !errors.Is(err, ErrNotTIFF) && !errors.Is(err, image.ErrFormat) {
			return nil, &IOError{Path: path, Op: "decode", Err: err}
		}
		r.log.Debug("codec declined raster", "codec", c.Name(), "path", path, "error", err)
		lastErr = err
	}
	if lastErr == nil || !errors.Is(lastErr, ErrMissingCodec) {
		lastErr = fmt.Errorf("%w: %v", ErrMissingCodec, lastErr)
	}
	return nil, &IOError{Path: path, Op: "decode", Err: lastErr}
}

// WriteMultiband writes grids with the full spatial profile. If the
// geospatial encoding fails the pixels are written without it and geo is
// reported false.
func (r *IO) WriteMultiband(path string, grids []*Grid, p WriteProfile) (geo bool, err error) {
	data, err := encodeMultiband(grids, p, true)
	if err != nil {
		r.log.Warn("geospatial writer failed, writing plain multiband TIFF", "path", path, "error", err)
		return false, r.WritePlain(path, grids)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return false, &IOError{Path: path, Op: "write", Err: err}
	}
	return true, nil
}

// WritePlain writes grids as a multiband float32 TIFF without spatial tags.
func (r *IO) WritePlain(path string, grids []*Grid) error {
	data, err := encodeMultiband(grids, WriteProfile{}, false)
	if err != nil {
		return &IOError{Path: path, Op: "encode", Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	return nil
}

type geoTIFFCodec struct{}

func (geoTIFFCodec) Name() string { return "geotiff" }

func (geoTIFFCodec) Decode(_ string, data []byte, withMeta bool) (*Grid, *GeoMetadata, error) {
	return decodeGeoTIFF(data, withMeta)
}

// plainTIFFCodec covers TIFF layouts the GeoTIFF codec declines, such as
// palette or bilevel images.
type plainTIFFCodec struct{}

func (plainTIFFCodec) Name() string { return "x/image/tiff" }

func (plainTIFFCodec) Decode(_ string, data []byte, _ bool) (*Grid, *GeoMetadata, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, classifyTIFFError(err)
	}
	return FromImage(img), nil, nil
}

func classifyTIFFError(err error) error {
	var unsupported tiff.UnsupportedError
	var format tiff.FormatError
	if errors.As(err, &unsupported) || errors.As(err, &format) {
		return fmt.Errorf("%w: %v", ErrMissingCodec, err)
	}
	return err
}

type stdImageCodec struct{}

func (stdImageCodec) Name() string { return "image" }

func (stdImageCodec) Decode(_ string, data []byte, _ bool) (*Grid, *GeoMetadata, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, classifyTIFFError(err)
	}
	return FromImage(img), nil, nil
}
