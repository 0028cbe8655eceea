package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const rowsPerStrip = 16

// WriteProfile is the spatial profile and provenance attached to an output.
type WriteProfile struct {
	CRS          string
	Transform    *GeoTransform
	Nodata       *float64
	Tags         map[string]string
	Descriptions []string
	Software     string
}

type outEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// encodeMultiband serialises the grids as a pixel-interleaved float32 TIFF.
// When geo is false no GeoTIFF or GDAL tags are written.
func encodeMultiband(grids []*Grid, p WriteProfile, geo bool) ([]byte, error) {
	if len(grids) == 0 {
		return nil, fmt.Errorf("no bands to write")
	}
	w, h := grids[0].W, grids[0].H
	for i, g := range grids {
		if g.W != w || g.H != h {
			return nil, fmt.Errorf("band %d is %dx%d, expected %dx%d", i+1, g.W, g.H, w, h)
		}
	}
	n := len(grids)
	order := binary.LittleEndian

	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	var stripOffsets, stripCounts []uint32
	row := make([]byte, w*n*4)
	for y0 := 0; y0 < h; y0 += rowsPerStrip {
		var strip bytes.Buffer
		zw := zlib.NewWriter(&strip)
		for y := y0; y < y0+rowsPerStrip && y < h; y++ {
			for x := 0; x < w; x++ {
				for b, g := range grids {
					order.PutUint32(row[(x*n+b)*4:], math.Float32bits(g.Pix[y*w+x]))
				}
			}
			if _, err := zw.Write(row); err != nil {
				return nil, fmt.Errorf("failed to compress strip: %w", err)
			}
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress strip: %w", err)
		}
		stripOffsets = append(stripOffsets, uint32(buf.Len()))
		stripCounts = append(stripCounts, uint32(strip.Len()))
		buf.Write(strip.Bytes())
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	entries := []outEntry{
		longEntry(tagImageWidth, uint32(w)),
		longEntry(tagImageLength, uint32(h)),
		shortEntry(tagBitsPerSample, repeat(32, n)...),
		shortEntry(tagCompression, compressionDeflate),
		shortEntry(tagPhotometric, 1),
		longEntry(tagStripOffsets, stripOffsets...),
		shortEntry(tagSamplesPerPixel, uint16(n)),
		longEntry(tagRowsPerStrip, rowsPerStrip),
		longEntry(tagStripByteCounts, stripCounts...),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagSampleFormat, repeat(sampleFloat, n)...),
	}
	if n > 1 {
		entries = append(entries, shortEntry(tagExtraSamples, repeat(0, n-1)...))
	}
	if p.Software != "" {
		entries = append(entries, asciiEntry(tagSoftware, p.Software))
	}
	if geo {
		entries = append(entries, geoEntries(p)...)
		if x, err := gdalMetadataXML(p.Tags, p.Descriptions); err != nil {
			return nil, err
		} else if x != "" {
			entries = append(entries, asciiEntry(tagGDALMetadata, x))
		}
		if p.Nodata != nil {
			entries = append(entries, asciiEntry(tagGDALNodata, strconv.FormatFloat(*p.Nodata, 'g', -1, 64)))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOff := uint32(buf.Len())
	extraOff := ifdOff + 2 + uint32(len(entries))*12 + 4
	var ifdBuf, extra bytes.Buffer
	_ = binary.Write(&ifdBuf, order, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&ifdBuf, order, e.tag)
		_ = binary.Write(&ifdBuf, order, e.typ)
		_ = binary.Write(&ifdBuf, order, e.count)
		if len(e.data) <= 4 {
			var v [4]byte
			copy(v[:], e.data)
			ifdBuf.Write(v[:])
			continue
		}
		_ = binary.Write(&ifdBuf, order, extraOff+uint32(extra.Len()))
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	_ = binary.Write(&ifdBuf, order, uint32(0))
	buf.Write(ifdBuf.Bytes())
	buf.Write(extra.Bytes())

	out := buf.Bytes()
	order.PutUint32(out[4:8], ifdOff)
	return out, nil
}

func geoEntries(p WriteProfile) []outEntry {
	var entries []outEntry
	if t := p.Transform; t != nil {
		if t.Rotated() {
			m := []float64{
				t[0], t[1], 0, t[2],
				t[3], t[4], 0, t[5],
				0, 0, 0, 0,
				0, 0, 0, 1,
			}
			entries = append(entries, doubleEntry(tagModelTransform, m...))
		} else {
			entries = append(entries,
				doubleEntry(tagModelPixelScale, t[0], -t[4], 0),
				doubleEntry(tagModelTiepoint, 0, 0, 0, t[2], t[5], 0),
			)
		}
	}
	keys := [][4]uint16{{geoKeyRasterType, 0, 1, 1}}
	if code, ok := EPSGCode(p.CRS); ok {
		if code >= 4000 && code < 5000 {
			keys = append(keys, [4]uint16{geoKeyModelType, 0, 1, 2}, [4]uint16{geoKeyGeographicType, 0, 1, uint16(code)})
		} else {
			keys = append(keys, [4]uint16{geoKeyModelType, 0, 1, 1}, [4]uint16{geoKeyProjectedCSType, 0, 1, uint16(code)})
		}
	} else if p.CRS != "" {
		citation := p.CRS + "|"
		keys = append(keys,
			[4]uint16{geoKeyModelType, 0, 1, 1},
			[4]uint16{geoKeyCitation, tagGeoASCIIParams, uint16(len(citation)), 0},
		)
		entries = append(entries, asciiEntry(tagGeoASCIIParams, citation))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i][0] < keys[j][0] })
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	return append(entries, shortEntry(tagGeoKeyDirectory, dir...))
}

func gdalMetadataXML(tags map[string]string, descs []string) (string, error) {
	if len(tags) == 0 && len(descs) == 0 {
		return "", nil
	}
	var md gdalMetadata
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		md.Items = append(md.Items, gdalItem{Name: k, Value: tags[k]})
	}
	for i, d := range descs {
		md.Items = append(md.Items, gdalItem{Name: "DESCRIPTION", Sample: &i, Role: "description", Value: d})
	}
	out, err := xml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to encode GDAL metadata: %w", err)
	}
	return string(out), nil
}

func repeat(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func shortEntry(tag uint16, vals ...uint16) outEntry {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return outEntry{tag: tag, typ: dtShort, count: uint32(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) outEntry {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return outEntry{tag: tag, typ: dtLong, count: uint32(len(vals)), data: b}
}

func doubleEntry(tag uint16, vals ...float64) outEntry {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return outEntry{tag: tag, typ: dtDouble, count: uint32(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) outEntry {
	b := append([]byte(s), 0)
	return outEntry{tag: tag, typ: dtASCII, count: uint32(len(b)), data: b}
}

// writeFileAtomic writes to a temporary sibling and renames it into place;
// a partially written file never carries the final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.tif")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
