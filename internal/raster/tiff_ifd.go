package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Baseline, extension and GeoTIFF tag numbers.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagSoftware        = 305
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339

	tagModelPixelScale    = 33550
	tagModelTiepoint      = 33922
	tagModelTransform     = 34264
	tagGeoKeyDirectory    = 34735
	tagGeoDoubleParams    = 34736
	tagGeoASCIIParams     = 34737
	tagGDALMetadata       = 42112
	tagGDALNodata         = 42113
	geoKeyModelType       = 1024
	geoKeyRasterType      = 1025
	geoKeyCitation        = 1026
	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
	geoKeyUserDefined     = 32767
	rasterPixelIsPoint    = 2
)

// Field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

var typeSizes = map[uint16]uint32{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8,
	dtFloat: 4, dtDouble: 8,
}

type ifdField struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   []byte
}

// ifd is the first image file directory of a classic TIFF held in memory.
type ifd struct {
	order  binary.ByteOrder
	data   []byte
	fields map[uint16]ifdField
}

func parseIFD(data []byte) (*ifd, error) {
	if len(data) < 8 {
		return nil, ErrNotTIFF
	}
	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	switch order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrMissingCodec)
	default:
		return nil, ErrNotTIFF
	}

	off := order.Uint32(data[4:8])
	if uint64(off)+2 > uint64(len(data)) {
		return nil, fmt.Errorf("IFD offset %d beyond file size %d", off, len(data))
	}
	n := uint32(order.Uint16(data[off : off+2]))
	if uint64(off)+2+uint64(n)*12 > uint64(len(data)) {
		return nil, fmt.Errorf("truncated IFD with %d entries", n)
	}

	d := &ifd{order: order, data: data, fields: make(map[uint16]ifdField, n)}
	for i := uint32(0); i < n; i++ {
		e := data[off+2+i*12 : off+2+(i+1)*12]
		f := ifdField{
			tag:   order.Uint16(e[0:2]),
			typ:   order.Uint16(e[2:4]),
			count: order.Uint32(e[4:8]),
		}
		size, ok := typeSizes[f.typ]
		if !ok {
			continue
		}
		total := uint64(size) * uint64(f.count)
		if total <= 4 {
			f.raw = e[8 : 8+total]
		} else {
			vo := uint64(order.Uint32(e[8:12]))
			if vo+total > uint64(len(data)) {
				return nil, fmt.Errorf("tag %d value beyond file end", f.tag)
			}
			f.raw = data[vo : vo+total]
		}
		d.fields[f.tag] = f
	}
	return d, nil
}

func (d *ifd) has(tag uint16) bool {
	_, ok := d.fields[tag]
	return ok
}

// uints decodes integer-typed fields.
func (d *ifd) uints(tag uint16) []uint64 {
	f, ok := d.fields[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, f.count)
	for i := uint32(0); i < f.count; i++ {
		switch f.typ {
		case dtByte, dtUndefined:
			out = append(out, uint64(f.raw[i]))
		case dtShort:
			out = append(out, uint64(d.order.Uint16(f.raw[i*2:])))
		case dtLong:
			out = append(out, uint64(d.order.Uint32(f.raw[i*4:])))
		default:
			return nil
		}
	}
	return out
}

func (d *ifd) uint(tag uint16, def uint64) uint64 {
	v := d.uints(tag)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

// floats decodes floating point and rational fields.
func (d *ifd) floats(tag uint16) []float64 {
	f, ok := d.fields[tag]
	if !ok {
		return nil
	}
	out := make([]float64, 0, f.count)
	for i := uint32(0); i < f.count; i++ {
		switch f.typ {
		case dtDouble:
			out = append(out, math.Float64frombits(d.order.Uint64(f.raw[i*8:])))
		case dtFloat:
			out = append(out, float64(math.Float32frombits(d.order.Uint32(f.raw[i*4:]))))
		case dtRational:
			num, den := d.order.Uint32(f.raw[i*8:]), d.order.Uint32(f.raw[i*8+4:])
			if den == 0 {
				out = append(out, 0)
			} else {
				out = append(out, float64(num)/float64(den))
			}
		default:
			return nil
		}
	}
	return out
}

func (d *ifd) ascii(tag uint16) string {
	f, ok := d.fields[tag]
	if !ok || f.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(f.raw), "\x00")
}
