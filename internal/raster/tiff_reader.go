package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionAdobeZIP = 32946

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3

	// maxPixels caps a decoded image or tile at 1 GiB of float32 samples.
	maxPixels = 1 << 28
)

// maxExpansion is the most one stored byte can inflate to under a
// compression scheme.
func maxExpansion(compression int) uint64 {
	switch compression {
	case compressionNone:
		return 1
	case compressionPackBits:
		return 64
	default:
		return 4096
	}
}

// decodeGeoTIFF decodes the first sample plane of the first image in data.
func decodeGeoTIFF(data []byte, withMeta bool) (*Grid, *GeoMetadata, error) {
	d, err := parseIFD(data)
	if err != nil {
		return nil, nil, err
	}

	w := int(d.uint(tagImageWidth, 0))
	h := int(d.uint(tagImageLength, 0))
	if w <= 0 || h <= 0 {
		return nil, nil, fmt.Errorf("invalid dimensions %dx%d", w, h)
	}
	spp := int(d.uint(tagSamplesPerPixel, 1))
	if spp <= 0 {
		return nil, nil, fmt.Errorf("invalid samples per pixel %d", spp)
	}
	bits := int(d.uint(tagBitsPerSample, 1))
	format := int(d.uint(tagSampleFormat, sampleUint))
	compression := int(d.uint(tagCompression, compressionNone))
	predictor := int(d.uint(tagPredictor, 1))
	planar := int(d.uint(tagPlanarConfig, 1))

	switch bits {
	case 8, 16, 32, 64:
	default:
		return nil, nil, fmt.Errorf("%w: %d bits per sample", ErrMissingCodec, bits)
	}
	if format == sampleFloat && bits < 32 {
		return nil, nil, fmt.Errorf("%w: %d-bit floating point samples", ErrMissingCodec, bits)
	}
	if predictor == 3 {
		return nil, nil, fmt.Errorf("%w: floating point predictor", ErrMissingCodec)
	}

	dec := &sampleDecoder{
		order:       d.order,
		bytes:       bits / 8,
		format:      format,
		compression: compression,
		predictor:   predictor,
	}
	// Planar-separate files keep each sample in its own plane; the first
	// plane is then a single-sample image.
	stride := spp
	if planar == 2 {
		stride = 1
	}
	dec.stride = stride
	dec.dataLen = len(data)
	if err := dec.checkSize(w, h); err != nil {
		return nil, nil, err
	}

	grid := NewGrid(w, h)
	if d.has(tagTileOffsets) {
		err = dec.readTiles(d, grid)
	} else {
		err = dec.readStrips(d, grid)
	}
	if err != nil {
		return nil, nil, err
	}

	if !withMeta {
		return grid, nil, nil
	}
	meta, err := decodeGeoMetadata(d, w, h, spp)
	if err != nil {
		return nil, nil, err
	}
	return grid, meta, nil
}

type sampleDecoder struct {
	order       binary.ByteOrder
	bytes       int
	format      int
	compression int
	predictor   int
	stride      int
	dataLen     int
}

// checkSize rejects a w x h block whose samples could not have come from the
// file, before anything is allocated for it.
func (s *sampleDecoder) checkSize(w, h int) error {
	px := uint64(w) * uint64(h)
	if px > maxPixels {
		return fmt.Errorf("image %dx%d exceeds %d pixels", w, h, maxPixels)
	}
	need := px * uint64(s.stride) * uint64(s.bytes)
	if need > uint64(s.dataLen)*maxExpansion(s.compression) {
		return fmt.Errorf("image %dx%d needs %d bytes, more than a %d byte file can hold", w, h, need, s.dataLen)
	}
	return nil
}

func (s *sampleDecoder) readStrips(d *ifd, g *Grid) error {
	offsets := d.uints(tagStripOffsets)
	counts := d.uints(tagStripByteCounts)
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return fmt.Errorf("missing or inconsistent strip tables")
	}
	rps := int(d.uint(tagRowsPerStrip, uint64(g.H)))
	if rps <= 0 || rps > g.H {
		rps = g.H
	}
	rowBytes := g.W * s.stride * s.bytes
	strips := (g.H + rps - 1) / rps
	if len(offsets) < strips {
		return fmt.Errorf("expected %d strips, found %d", strips, len(offsets))
	}
	for i := 0; i < strips; i++ {
		rows := rps
		if (i+1)*rps > g.H {
			rows = g.H - i*rps
		}
		buf, err := s.chunk(d.data, offsets[i], counts[i], rowBytes*rows)
		if err != nil {
			return fmt.Errorf("strip %d: %w", i, err)
		}
		s.unpredict(buf, g.W, rows)
		for r := 0; r < rows; r++ {
			y := i*rps + r
			s.decodeRow(buf[r*rowBytes:(r+1)*rowBytes], g.Pix[y*g.W:(y+1)*g.W])
		}
	}
	return nil
}

func (s *sampleDecoder) readTiles(d *ifd, g *Grid) error {
	tw := int(d.uint(tagTileWidth, 0))
	th := int(d.uint(tagTileLength, 0))
	if tw <= 0 || th <= 0 {
		return fmt.Errorf("invalid tile size %dx%d", tw, th)
	}
	if err := s.checkSize(tw, th); err != nil {
		return fmt.Errorf("tile: %w", err)
	}
	offsets := d.uints(tagTileOffsets)
	counts := d.uints(tagTileByteCounts)
	across := (g.W + tw - 1) / tw
	down := (g.H + th - 1) / th
	if len(offsets) < across*down || len(counts) < across*down {
		return fmt.Errorf("expected %d tiles, found %d", across*down, len(offsets))
	}
	rowBytes := tw * s.stride * s.bytes
	row := make([]float32, tw)
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			i := ty*across + tx
			buf, err := s.chunk(d.data, offsets[i], counts[i], rowBytes*th)
			if err != nil {
				return fmt.Errorf("tile %d: %w", i, err)
			}
			s.unpredict(buf, tw, th)
			for r := 0; r < th; r++ {
				y := ty*th + r
				if y >= g.H {
					break
				}
				s.decodeRow(buf[r*rowBytes:(r+1)*rowBytes], row)
				x0 := tx * tw
				n := tw
				if x0+n > g.W {
					n = g.W - x0
				}
				copy(g.Pix[y*g.W+x0:y*g.W+x0+n], row[:n])
			}
		}
	}
	return nil
}

// chunk returns the decompressed bytes of one strip or tile.
func (s *sampleDecoder) chunk(data []byte, off, n uint64, want int) ([]byte, error) {
	if off+n > uint64(len(data)) {
		return nil, fmt.Errorf("data at %d+%d beyond file end", off, n)
	}
	raw := data[off : off+n]
	var out []byte
	switch s.compression {
	case compressionNone:
		out = raw
	case compressionDeflate, compressionAdobeZIP:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open deflate stream: %w", err)
		}
		defer zr.Close()
		out, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate: %w", err)
		}
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		var err error
		out, err = io.ReadAll(lr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode LZW: %w", err)
		}
	case compressionPackBits:
		var err error
		out, err = unpackBits(raw, want)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrMissingCodec, s.compression)
	}
	if len(out) < want {
		return nil, fmt.Errorf("short chunk: %d of %d bytes", len(out), want)
	}
	return out[:want], nil
}

// unpredict undoes horizontal differencing in place.
func (s *sampleDecoder) unpredict(buf []byte, w, rows int) {
	if s.predictor != 2 {
		return
	}
	rowBytes := w * s.stride * s.bytes
	for r := 0; r < rows; r++ {
		row := buf[r*rowBytes : (r+1)*rowBytes]
		switch s.bytes {
		case 1:
			for i := s.stride; i < len(row); i++ {
				row[i] += row[i-s.stride]
			}
		case 2:
			for i := s.stride; i < w*s.stride; i++ {
				v := s.order.Uint16(row[i*2:]) + s.order.Uint16(row[(i-s.stride)*2:])
				s.order.PutUint16(row[i*2:], v)
			}
		case 4:
			for i := s.stride; i < w*s.stride; i++ {
				v := s.order.Uint32(row[i*4:]) + s.order.Uint32(row[(i-s.stride)*4:])
				s.order.PutUint32(row[i*4:], v)
			}
		case 8:
			for i := s.stride; i < w*s.stride; i++ {
				v := s.order.Uint64(row[i*8:]) + s.order.Uint64(row[(i-s.stride)*8:])
				s.order.PutUint64(row[i*8:], v)
			}
		}
	}
}

// decodeRow extracts the first sample of each pixel into dst.
func (s *sampleDecoder) decodeRow(src []byte, dst []float32) {
	step := s.stride * s.bytes
	for x := range dst {
		p := src[x*step : x*step+s.bytes]
		dst[x] = s.sample(p)
	}
}

func (s *sampleDecoder) sample(p []byte) float32 {
	switch s.bytes {
	case 1:
		if s.format == sampleInt {
			return float32(int8(p[0]))
		}
		return float32(p[0])
	case 2:
		v := s.order.Uint16(p)
		if s.format == sampleInt {
			return float32(int16(v))
		}
		return float32(v)
	case 4:
		v := s.order.Uint32(p)
		switch s.format {
		case sampleFloat:
			return math.Float32frombits(v)
		case sampleInt:
			return float32(int32(v))
		}
		return float32(v)
	default:
		v := s.order.Uint64(p)
		switch s.format {
		case sampleFloat:
			return float32(math.Float64frombits(v))
		case sampleInt:
			return float32(int64(v))
		}
		return float32(v)
	}
}

func unpackBits(src []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for i := 0; i < len(src) && len(out) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, fmt.Errorf("truncated PackBits literal run")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, fmt.Errorf("truncated PackBits repeat run")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

func decodeGeoMetadata(d *ifd, w, h, samples int) (*GeoMetadata, error) {
	meta := &GeoMetadata{Width: w, Height: h, Tags: map[string]string{}}

	keys := parseGeoKeys(d)
	meta.CRS = crsFromKeys(keys, d)

	if m := d.floats(tagModelTransform); len(m) >= 16 {
		t := GeoTransform{m[0], m[1], m[3], m[4], m[5], m[7]}
		meta.Transform = &t
	} else if scale, tie := d.floats(tagModelPixelScale), d.floats(tagModelTiepoint); len(scale) >= 2 && len(tie) >= 6 {
		t := GeoTransform{
			scale[0], 0, tie[3] - tie[0]*scale[0],
			0, -scale[1], tie[4] + tie[1]*scale[1],
		}
		meta.Transform = &t
	}
	if meta.Transform != nil && keys[geoKeyRasterType].value == rasterPixelIsPoint {
		t := *meta.Transform
		t[2] -= 0.5*t[0] + 0.5*t[1]
		t[5] -= 0.5*t[3] + 0.5*t[4]
		meta.Transform = &t
	}

	if s := strings.TrimSpace(d.ascii(tagGDALNodata)); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			meta.Nodata = &v
		}
	}

	if x := d.ascii(tagGDALMetadata); x != "" {
		tags, descs, err := parseGDALMetadata(x, samples)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GDAL metadata: %w", err)
		}
		meta.Tags = tags
		meta.Descriptions = descs
	}
	return meta, nil
}

type geoKey struct {
	location uint16
	count    uint16
	value    uint16
}

func parseGeoKeys(d *ifd) map[uint16]geoKey {
	keys := map[uint16]geoKey{}
	dir := d.uints(tagGeoKeyDirectory)
	if len(dir) < 4 {
		return keys
	}
	n := int(dir[3])
	for i := 0; i < n && 4+i*4+3 < len(dir); i++ {
		e := dir[4+i*4:]
		keys[uint16(e[0])] = geoKey{location: uint16(e[1]), count: uint16(e[2]), value: uint16(e[3])}
	}
	return keys
}

func crsFromKeys(keys map[uint16]geoKey, d *ifd) string {
	for _, id := range []uint16{geoKeyProjectedCSType, geoKeyGeographicType} {
		k, ok := keys[id]
		if ok && k.location == 0 && k.value != 0 && k.value != geoKeyUserDefined {
			return fmt.Sprintf("EPSG:%d", k.value)
		}
	}
	if k, ok := keys[geoKeyCitation]; ok && k.location == tagGeoASCIIParams {
		params := d.ascii(tagGeoASCIIParams)
		end := int(k.value) + int(k.count)
		if end <= len(params) {
			return strings.TrimRight(params[k.value:end], "|\x00")
		}
	}
	return ""
}

type gdalMetadata struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample *int   `xml:"sample,attr"`
	Role   string `xml:"role,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// parseGDALMetadata splits dataset tags from per-band descriptions. Bands
// outside [0, samples) are ignored.
func parseGDALMetadata(s string, samples int) (map[string]string, []string, error) {
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(s), &md); err != nil {
		return nil, nil, err
	}
	tags := map[string]string{}
	var descs []string
	for _, it := range md.Items {
		if it.Sample == nil {
			tags[it.Name] = it.Value
			continue
		}
		if it.Role == "description" && *it.Sample >= 0 && *it.Sample < samples {
			for len(descs) <= *it.Sample {
				descs = append(descs, "")
			}
			descs[*it.Sample] = it.Value
		}
	}
	return tags, descs, nil
}
