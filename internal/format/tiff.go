package format

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/postproc"
	"github.com/kiesman99/rastile/internal/source"
	"github.com/kiesman99/rastile/pkg/tile"
)

// TIFF tags used to build descriptors.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagMinSampleValue  = 280
	tagMaxSampleValue  = 281
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagColorMap        = 320
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagSMinSampleValue = 340
	tagSMaxSampleValue = 341
	tagJPEGTables      = 347
	tagGDALNoData      = 42113
)

const (
	photometricPalette = 3
	planarSeparate     = 2
	subfileReduced     = 1
	maxDirectories     = 4096
)

// tiffCompression maps TIFF compression codes onto decoder kinds.
var tiffCompression = map[uint64]tile.CompressionKind{
	1:     tile.Raw,
	5:     tile.LZW,
	7:     tile.EntropyCoded,
	8:     tile.Deflate,
	32946: tile.Deflate,
	32773: tile.PackBitsRLE,
	50000: tile.Zstd,
}

var typeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8,
	11: 4, 12: 8, 13: 4, 16: 8, 17: 8, 18: 8,
}

func isTIFF(m []byte) bool {
	if len(m) < 4 {
		return false
	}
	switch {
	case m[0] == 'I' && m[1] == 'I':
		return (m[2] == 42 || m[2] == 43) && m[3] == 0
	case m[0] == 'M' && m[1] == 'M':
		return m[2] == 0 && (m[3] == 42 || m[3] == 43)
	}
	return false
}

// field is one decoded IFD entry.
type field struct {
	typ   uint16
	count uint64
	raw   []byte
	order binary.ByteOrder
}

func (f *field) uints() []uint64 {
	if f == nil {
		return nil
	}
	size := typeSizes[f.typ]
	out := make([]uint64, 0, f.count)
	for i := 0; i < int(f.count) && (i+1)*size <= len(f.raw); i++ {
		b := f.raw[i*size:]
		switch f.typ {
		case 1, 2, 7:
			out = append(out, uint64(b[0]))
		case 6:
			out = append(out, uint64(int64(int8(b[0]))))
		case 3:
			out = append(out, uint64(f.order.Uint16(b)))
		case 8:
			out = append(out, uint64(int64(int16(f.order.Uint16(b)))))
		case 4, 13:
			out = append(out, uint64(f.order.Uint32(b)))
		case 9:
			out = append(out, uint64(int64(int32(f.order.Uint32(b)))))
		case 16, 17, 18:
			out = append(out, f.order.Uint64(b))
		default:
			return nil
		}
	}
	return out
}

func (f *field) floats() []float64 {
	if f == nil {
		return nil
	}
	switch f.typ {
	case 5, 10:
		out := make([]float64, 0, f.count)
		for i := 0; (i+1)*8 <= len(f.raw) && i < int(f.count); i++ {
			num, den := f.order.Uint32(f.raw[i*8:]), f.order.Uint32(f.raw[i*8+4:])
			if den == 0 {
				out = append(out, 0)
				continue
			}
			if f.typ == 10 {
				out = append(out, float64(int32(num))/float64(int32(den)))
			} else {
				out = append(out, float64(num)/float64(den))
			}
		}
		return out
	case 11:
		out := make([]float64, 0, f.count)
		for i := 0; (i+1)*4 <= len(f.raw) && i < int(f.count); i++ {
			out = append(out, float64(math.Float32frombits(f.order.Uint32(f.raw[i*4:]))))
		}
		return out
	case 12:
		out := make([]float64, 0, f.count)
		for i := 0; (i+1)*8 <= len(f.raw) && i < int(f.count); i++ {
			out = append(out, math.Float64frombits(f.order.Uint64(f.raw[i*8:])))
		}
		return out
	case 6, 8, 9, 17:
		var out []float64
		for _, v := range f.uints() {
			out = append(out, float64(int64(v)))
		}
		return out
	}
	var out []float64
	for _, v := range f.uints() {
		out = append(out, float64(v))
	}
	return out
}

func (f *field) bytes() []byte {
	if f == nil {
		return nil
	}
	return f.raw
}

func (f *field) str() string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(string(f.raw), "\x00"))
}

// directory is one parsed IFD.
type directory map[uint16]*field

func (d directory) uint(tag uint16, def uint64) uint64 {
	if v := d[tag].uints(); len(v) > 0 {
		return v[0]
	}
	return def
}

func (d directory) float(tag uint16) *float64 {
	if v := d[tag].floats(); len(v) > 0 {
		x := v[0]
		return &x
	}
	return nil
}

type tiffReader struct {
	r    *source.Reader
	size int64
	big  bool
}

func (t *tiffReader) readDirectory(off int64) (directory, int64, error) {
	r := t.r.At(off)
	var count uint64
	if t.big {
		count = r.Uint64()
	} else {
		count = uint64(r.Uint16())
	}
	entrySize, inline := int64(12), 4
	if t.big {
		entrySize, inline = 20, 8
	}
	if r.Err() != nil || int64(count)*entrySize > t.size {
		return nil, 0, errors.Wrapf(tile.ErrMalformedHeader, "directory at %d", off)
	}

	dir := make(directory, count)
	for i := uint64(0); i < count; i++ {
		tag := r.Uint16()
		typ := r.Uint16()
		var n uint64
		if t.big {
			n = r.Uint64()
		} else {
			n = uint64(r.Uint32())
		}
		value := r.Bytes(inline)
		if r.Err() != nil {
			return nil, 0, errors.Wrapf(tile.ErrMalformedHeader, "directory entry %d at %d: %v", i, off, r.Err())
		}
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := n * uint64(size)
		if total > uint64(t.size) {
			return nil, 0, errors.Wrapf(tile.ErrMalformedHeader, "tag %d claims %d bytes", tag, total)
		}
		f := &field{typ: typ, count: n, order: t.r.Order()}
		if total <= uint64(inline) {
			f.raw = value[:total]
		} else {
			var at int64
			if t.big {
				at = int64(t.r.Order().Uint64(value))
			} else {
				at = int64(t.r.Order().Uint32(value))
			}
			vr := t.r.At(at)
			f.raw = vr.Bytes(int(total))
			if vr.Err() != nil {
				return nil, 0, errors.Wrapf(tile.ErrMalformedHeader, "tag %d values: %v", tag, vr.Err())
			}
		}
		dir[tag] = f
	}

	var next int64
	if t.big {
		next = int64(r.Uint64())
	} else {
		next = int64(r.Uint32())
	}
	if r.Err() != nil {
		next = 0
	}
	return dir, next, nil
}

func parseTIFF(ra io.ReaderAt, size int64, opts *Options) (*Result, error) {
	head := make([]byte, 16)
	if n, _ := ra.ReadAt(head, 0); n < 8 {
		return nil, errors.Wrap(tile.ErrMalformedHeader, "short TIFF header")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if head[0] == 'M' {
		order = binary.BigEndian
	}
	t := &tiffReader{r: source.NewReader(ra, order), size: size}
	var first int64
	switch order.Uint16(head[2:]) {
	case 42:
		first = int64(order.Uint32(head[4:]))
	case 43:
		t.big = true
		if order.Uint16(head[4:]) != 8 {
			return nil, errors.Wrap(tile.ErrMalformedHeader, "BigTIFF offset size")
		}
		first = int64(order.Uint64(head[8:]))
	default:
		return nil, tile.ErrNotThisFormat
	}

	var dirs []directory
	seen := map[int64]bool{}
	for off := first; off != 0 && len(dirs) < maxDirectories; {
		if seen[off] || off >= size {
			break
		}
		seen[off] = true
		dir, next, err := t.readDirectory(off)
		if err != nil {
			if len(dirs) == 0 {
				return nil, err
			}
			break
		}
		dirs = append(dirs, dir)
		off = next
	}
	if len(dirs) == 0 {
		return nil, errors.Wrap(tile.ErrMalformedHeader, "no image directories")
	}

	res := &Result{Kind: KindTIFF}
	var current *Entry
	skipping := false
	nextID := 0
	for i, dir := range dirs {
		if _, ok := dir[tagImageWidth]; !ok {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "directory %d has no image width", i)
		}
		if _, ok := dir[tagImageLength]; !ok {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "directory %d has no image length", i)
		}

		reduced := dir.uint(tagNewSubfileType, 0)&subfileReduced != 0
		if !reduced || (current == nil && !skipping) {
			id := nextID
			nextID++
			d, err := buildTIFFLevel(dir, id, 0, order, opts)
			if err != nil {
				opts.skip(res, id, 0, err)
				current, skipping = nil, true
				continue
			}
			res.Entries = append(res.Entries, Entry{ID: id, Levels: []*tile.LayoutDescriptor{d}})
			current, skipping = &res.Entries[len(res.Entries)-1], false
			continue
		}
		if skipping || current == nil {
			continue
		}

		base := current.Levels[0]
		level := len(current.Levels)
		d, err := buildTIFFLevel(dir, current.ID, level, order, opts)
		if err == nil {
			err = checkReducedLevel(base, d, len(dirs))
		}
		if err != nil {
			opts.skip(res, current.ID, level, err)
			continue
		}
		current.Levels = append(current.Levels, d)
	}
	return res, nil
}

// checkReducedLevel rejects reduced-resolution directories that do not
// match their base image. A file with exactly two directories only accepts
// the second one when it is a power-of-two decimation.
func checkReducedLevel(base, d *tile.LayoutDescriptor, numDirs int) error {
	if d.Width > base.Width || d.Height > base.Height {
		return errors.Errorf("reduced level %dx%d larger than base %dx%d", d.Width, d.Height, base.Width, base.Height)
	}
	if d.OutputBands != base.OutputBands || d.Scalar != base.Scalar {
		return errors.Errorf("reduced level bands/type %d/%s differ from base %d/%s",
			d.OutputBands, d.Scalar, base.OutputBands, base.Scalar)
	}
	if numDirs == 2 {
		ratio := int(math.Round(float64(base.Width) / float64(d.Width)))
		if ratio < 2 || ratio&(ratio-1) != 0 || absInt(base.Width/ratio-d.Width) > 1 {
			return errors.Errorf("directory of %dx%d is not a power of two decimation of %dx%d",
				d.Width, d.Height, base.Width, base.Height)
		}
	}
	return nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func buildTIFFLevel(dir directory, entry, level int, order binary.ByteOrder, opts *Options) (*tile.LayoutDescriptor, error) {
	width := int(dir.uint(tagImageWidth, 0))
	height := int(dir.uint(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "image size %dx%d", width, height)
	}
	bands := int(dir.uint(tagSamplesPerPixel, 1))
	if bands <= 0 {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "%d samples per pixel", bands)
	}

	bitsList := dir[tagBitsPerSample].uints()
	bits := 1
	if len(bitsList) > 0 {
		bits = int(bitsList[0])
		for _, b := range bitsList[1:] {
			if int(b) != bits {
				return nil, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "mixed bits per sample %v", bitsList)
			}
		}
	}

	var sf tile.SampleFormat
	switch dir.uint(tagSampleFormat, 1) {
	case 1, 4:
		sf = tile.SampleUnsigned
	case 2:
		sf = tile.SampleSigned
	case 3:
		sf = tile.SampleFloat
	default:
		return nil, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "sample format %d", dir.uint(tagSampleFormat, 1))
	}

	code := dir.uint(tagCompression, 1)
	kind, ok := tiffCompression[code]
	if !ok {
		return nil, errors.Wrapf(tile.ErrUnsupportedCompression, "TIFF compression %d", code)
	}

	declared := postproc.Declared{
		Min: dir.float(tagSMinSampleValue),
		Max: dir.float(tagSMaxSampleValue),
	}
	if declared.Min == nil {
		declared.Min = dir.float(tagMinSampleValue)
	}
	if declared.Max == nil {
		declared.Max = dir.float(tagMaxSampleValue)
	}
	if nodata := dir[tagGDALNoData].str(); nodata != "" {
		if v, err := strconv.ParseFloat(nodata, 64); err == nil {
			declared.Null = &v
		}
	}
	maxSample := 0.0
	if declared.Max != nil {
		maxSample = *declared.Max
	}

	scalar, err := scalarFor(bits, 0, sf, maxSample)
	if err != nil {
		return nil, err
	}
	if kind == tile.EntropyCoded && bits != 8 {
		return nil, errors.Wrapf(tile.ErrUnsupportedCompression, "%d-bit JPEG", bits)
	}
	if kind == tile.Raw && bits != scalar.Size()*8 {
		kind = tile.PackedBits
	}

	d := &tile.LayoutDescriptor{
		Entry:            entry,
		Level:            level,
		Width:            width,
		Height:           height,
		Bands:            bands,
		OutputBands:      bands,
		BitsPerSample:    bits,
		SampleFormat:     sf,
		Scalar:           scalar,
		Compression:      kind,
		Interleave:       tile.BandInterleavedByPixel,
		ByteOrder:        order,
		RowAligned:       true,
		Predictor:        int(dir.uint(tagPredictor, 1)),
		JPEGTables:       dir[tagJPEGTables].bytes(),
		EdgeBlocksPadded: true,
	}
	if bands == 1 || dir.uint(tagPlanarConfig, 1) == planarSeparate {
		d.Interleave = tile.BandSequential
	}
	switch d.Predictor {
	case 1:
	case 2:
		if scalar.IsFloat() || d.Packed() {
			return nil, errors.Wrapf(tile.ErrUnsupportedCompression, "horizontal predictor on %s", scalar)
		}
	default:
		return nil, errors.Wrapf(tile.ErrUnsupportedCompression, "predictor %d", d.Predictor)
	}

	var offsets, counts []uint64
	_, tiled := dir[tagTileWidth]
	if tiled {
		d.BlockWidth = int(dir.uint(tagTileWidth, 0))
		d.BlockHeight = int(dir.uint(tagTileLength, 0))
		offsets, counts = dir[tagTileOffsets].uints(), dir[tagTileByteCounts].uints()
	} else {
		d.BlockWidth = width
		d.BlockHeight = int(dir.uint(tagRowsPerStrip, uint64(height)))
		if d.BlockHeight <= 0 || d.BlockHeight > height {
			d.BlockHeight = height
		}
		offsets, counts = dir[tagStripOffsets].uints(), dir[tagStripByteCounts].uints()
		d.EdgeBlocksPadded = false
	}
	if d.BlockWidth <= 0 || d.BlockHeight <= 0 {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "block size %dx%d", d.BlockWidth, d.BlockHeight)
	}
	// Tiles are multiples of 16 and never need to exceed the padded image.
	if tiled && (d.BlockWidth > grid(width, 16)*16 || d.BlockHeight > grid(height, 16)*16) {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "tile %dx%d larger than image %dx%d",
			d.BlockWidth, d.BlockHeight, width, height)
	}
	d.BlocksPerRow = grid(width, d.BlockWidth)
	d.BlocksPerCol = grid(height, d.BlockHeight)
	d.SingleBlock = d.NumBlocks() == 1

	if len(counts) < len(offsets) {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "%d byte counts for %d offsets", len(counts), len(offsets))
	}
	d.BlockOffsets = make([]int64, len(offsets))
	d.BlockByteCounts = make([]int64, len(offsets))
	for i := range offsets {
		d.BlockOffsets[i] = int64(offsets[i])
		d.BlockByteCounts[i] = int64(counts[i])
	}

	if dir.uint(tagPhotometric, 1) == photometricPalette && bands == 1 {
		if cm := colorMap(dir[tagColorMap].uints(), bits); cm != nil && opts.ApplyPalette {
			d.ColorMap = cm
			d.OutputBands = cm.Bands()
			if cm.Scalar.Size() < scalar.Size() {
				return nil, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "palette of %s on %s indices", cm.Scalar, scalar)
			}
		}
	}

	postproc.ApplyValueRange(d, declared)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// colorMap converts a TIFF ColorMap (all red, then green, then blue values,
// 16 bits each) into a three-band table. Eight-bit and narrower indices map
// to 8-bit colors.
func colorMap(values []uint64, bits int) *tile.LUT {
	n := 1 << uint(bits)
	if bits > 16 || len(values) < 3*n {
		return nil
	}
	lut := &tile.LUT{Values: make([][]uint16, 3), Scalar: tile.Uint16}
	if bits <= 8 {
		lut.Scalar = tile.Uint8
	}
	for b := 0; b < 3; b++ {
		lut.Values[b] = make([]uint16, n)
		for i := 0; i < n; i++ {
			v := uint16(values[b*n+i])
			if lut.Scalar == tile.Uint8 {
				v = uint16(uint32(v) * 255 / 65535)
			}
			lut.Values[b][i] = v
		}
	}
	return lut
}
