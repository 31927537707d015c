package rastertest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sort"

	"github.com/hhrutter/lzw"
	"github.com/klauspost/compress/zstd"
)

// TIFF compression codes understood by the builder.
const (
	TIFFNone     = 1
	TIFFLZW      = 5
	TIFFJPEG     = 7
	TIFFDeflate  = 8
	TIFFPackBits = 32773
	TIFFZstd     = 50000
)

// TIFF describes a synthetic TIFF or BigTIFF file. Zero values mean one
// 8-bit unsigned band, stored uncompressed in a single strip.
type TIFF struct {
	Width, Height int
	Bands         int
	Bits          int
	// SampleFormat is the TIFF code: 1 unsigned, 2 signed, 3 float.
	SampleFormat int
	// TileWidth and TileHeight select tiles; otherwise RowsPerStrip rows
	// per strip (0 for one strip).
	TileWidth, TileHeight int
	// HeaderTileWidth and HeaderTileHeight, when set, replace the tile
	// size written to the directory without changing the stored tiles.
	HeaderTileWidth, HeaderTileHeight int
	RowsPerStrip                      int
	Planar                            bool
	Compression                       int
	Predictor                         int
	BigEndian                         bool
	BigTIFF                           bool
	// Palette holds the red, green and blue color map values.
	Palette [3][]uint16
	NoData  string
	// SMin and SMax set MinSampleValue and MaxSampleValue.
	SMin, SMax float64
	// JPEGQuality is used with TIFFJPEG; tables go to the JPEGTables tag.
	JPEGQuality int
	// Sparse lists block indices stored with a zero byte count.
	Sparse map[int]bool
	// Reduced adds reduced-resolution directories after this one.
	Reduced []TIFF
	// Next adds further full-resolution images.
	Next  []TIFF
	Pixel PixelFunc
}

func (t TIFF) withDefaults() TIFF {
	if t.Bands == 0 {
		t.Bands = 1
	}
	if t.Bits == 0 {
		t.Bits = 8
	}
	if t.SampleFormat == 0 {
		t.SampleFormat = 1
	}
	if t.Compression == 0 {
		t.Compression = TIFFNone
	}
	if t.Pixel == nil {
		t.Pixel = Gradient
	}
	if t.JPEGQuality == 0 {
		t.JPEGQuality = 90
	}
	return t
}

type ifdEntry struct {
	tag    uint16
	typ    uint16
	count  uint64
	values []byte
}

type tiffWriter struct {
	out   []byte
	order binary.AppendByteOrder
	big   bool
	// nextLink is the position of the last written next-IFD pointer.
	nextLink int64
}

func (w *tiffWriter) byteOrder() binary.ByteOrder {
	return w.order.(binary.ByteOrder)
}

// Bytes encodes the file.
func (t TIFF) Bytes() []byte {
	w := &tiffWriter{order: binary.LittleEndian, big: t.BigTIFF}
	if t.BigEndian {
		w.order = binary.BigEndian
		w.out = append(w.out, 'M', 'M')
	} else {
		w.out = append(w.out, 'I', 'I')
	}
	if w.big {
		w.out = w.order.AppendUint16(w.out, 43)
		w.out = w.order.AppendUint16(w.out, 8)
		w.out = w.order.AppendUint16(w.out, 0)
		w.out = w.order.AppendUint64(w.out, 0)
	} else {
		w.out = w.order.AppendUint16(w.out, 42)
		w.out = w.order.AppendUint32(w.out, 0)
	}
	link := int64(4)
	if w.big {
		link = 8
	}

	var dirs []TIFF
	for _, img := range append([]TIFF{t}, t.Next...) {
		dirs = append(dirs, img)
		for _, r := range img.Reduced {
			r.Reduced = nil
			r.Next = nil
			r.Pixel = firstNonNil(r.Pixel, img.Pixel)
			dirs = append(dirs, r)
		}
	}
	for i, d := range dirs {
		at := w.writeDirectory(d.withDefaults(), i > 0 && isReduced(t, i))
		w.patchOffset(link, at)
		link = w.nextLink
	}
	return w.out
}

func firstNonNil(fs ...PixelFunc) PixelFunc {
	for _, f := range fs {
		if f != nil {
			return f
		}
	}
	return nil
}

// isReduced reports whether directory i of the flattened chain is a
// reduced-resolution image.
func isReduced(t TIFF, i int) bool {
	n := 0
	for _, img := range append([]TIFF{t}, t.Next...) {
		if n == i {
			return false
		}
		n++
		for range img.Reduced {
			if n == i {
				return true
			}
			n++
		}
	}
	return false
}

func (w *tiffWriter) patchOffset(at, value int64) {
	if w.big {
		w.byteOrder().PutUint64(w.out[at:], uint64(value))
		return
	}
	w.byteOrder().PutUint32(w.out[at:], uint32(value))
}

func (w *tiffWriter) writeDirectory(t TIFF, reduced bool) int64 {
	bw, bh := t.Width, t.Height
	tiled := t.TileWidth > 0
	if tiled {
		bw, bh = t.TileWidth, t.TileHeight
	} else if t.RowsPerStrip > 0 {
		bh = t.RowsPerStrip
	}
	across := (t.Width + bw - 1) / bw
	down := (t.Height + bh - 1) / bh
	planes := 1
	if t.Planar {
		planes = t.Bands
	}

	var tables []byte
	var offsets, counts []uint64
	for p := 0; p < planes; p++ {
		for row := 0; row < down; row++ {
			for col := 0; col < across; col++ {
				index := p*across*down + row*across + col
				if t.Sparse[index] {
					offsets = append(offsets, 0)
					counts = append(counts, 0)
					continue
				}
				rows := bh
				if !tiled && (row+1)*bh > t.Height {
					rows = t.Height - row*bh
				}
				var data []byte
				if t.Compression == TIFFJPEG {
					data, tables = t.jpegBlock(col*bw, row*bh, bw, rows)
				} else {
					data = t.encode(t.rawBlock(w.order, col*bw, row*bh, bw, rows, p, planes))
				}
				offsets = append(offsets, uint64(len(w.out)))
				counts = append(counts, uint64(len(data)))
				w.out = append(w.out, data...)
			}
		}
	}
	if len(w.out)%2 == 1 {
		w.out = append(w.out, 0)
	}

	var entries []ifdEntry
	add := func(tag, typ uint16, vals ...uint64) {
		e := ifdEntry{tag: tag, typ: typ, count: uint64(len(vals))}
		for _, v := range vals {
			switch typ {
			case 3:
				e.values = w.order.AppendUint16(e.values, uint16(v))
			case 4:
				e.values = w.order.AppendUint32(e.values, uint32(v))
			case 16:
				e.values = w.order.AppendUint64(e.values, v)
			}
		}
		entries = append(entries, e)
	}
	addBytes := func(tag, typ uint16, b []byte) {
		entries = append(entries, ifdEntry{tag: tag, typ: typ, count: uint64(len(b)), values: b})
	}
	offType := uint16(4)
	if w.big {
		offType = 16
	}

	if reduced {
		add(254, 4, 1)
	}
	add(256, 4, uint64(t.Width))
	add(257, 4, uint64(t.Height))
	bits := make([]uint64, t.Bands)
	formats := make([]uint64, t.Bands)
	for i := range bits {
		bits[i] = uint64(t.Bits)
		formats[i] = uint64(t.SampleFormat)
	}
	add(258, 3, bits...)
	add(259, 3, uint64(t.Compression))
	photometric := uint64(1)
	switch {
	case t.Palette[0] != nil:
		photometric = 3
	case t.Bands == 3 && t.Compression == TIFFJPEG:
		photometric = 6
	case t.Bands == 3:
		photometric = 2
	}
	add(262, 3, photometric)
	if !tiled {
		add(273, offType, offsets...)
	}
	add(277, 3, uint64(t.Bands))
	if !tiled {
		add(278, 4, uint64(bh))
		add(279, offType, counts...)
	}
	if t.SMin != 0 || t.SMax != 0 {
		add(280, 3, uint64(t.SMin))
		add(281, 3, uint64(t.SMax))
	}
	if t.Planar {
		add(284, 3, 2)
	} else {
		add(284, 3, 1)
	}
	if t.Predictor > 0 {
		add(317, 3, uint64(t.Predictor))
	}
	if t.Palette[0] != nil {
		var cm []uint64
		for _, ch := range t.Palette {
			for _, v := range ch {
				cm = append(cm, uint64(v))
			}
		}
		add(320, 3, cm...)
	}
	if tiled {
		tw, th := bw, bh
		if t.HeaderTileWidth > 0 {
			tw, th = t.HeaderTileWidth, t.HeaderTileHeight
		}
		add(322, 4, uint64(tw))
		add(323, 4, uint64(th))
		add(324, offType, offsets...)
		add(325, offType, counts...)
	}
	add(339, 3, formats...)
	if tables != nil {
		addBytes(347, 7, tables)
	}
	if t.NoData != "" {
		addBytes(42113, 2, append([]byte(t.NoData), 0))
	}
	return w.writeIFD(entries)
}

func (w *tiffWriter) writeIFD(entries []ifdEntry) int64 {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	entrySize, inline, countSize, linkSize := 12, 4, 2, 4
	if w.big {
		entrySize, inline, countSize, linkSize = 20, 8, 8, 8
	}
	at := int64(len(w.out))
	extra := int(at) + countSize + len(entries)*entrySize + linkSize

	var tail []byte
	if w.big {
		w.out = w.order.AppendUint64(w.out, uint64(len(entries)))
	} else {
		w.out = w.order.AppendUint16(w.out, uint16(len(entries)))
	}
	for _, e := range entries {
		w.out = w.order.AppendUint16(w.out, e.tag)
		w.out = w.order.AppendUint16(w.out, e.typ)
		if w.big {
			w.out = w.order.AppendUint64(w.out, e.count)
		} else {
			w.out = w.order.AppendUint32(w.out, uint32(e.count))
		}
		value := make([]byte, inline)
		if len(e.values) <= inline {
			copy(value, e.values)
		} else {
			off := uint64(extra + len(tail))
			if w.big {
				w.byteOrder().PutUint64(value, off)
			} else {
				w.byteOrder().PutUint32(value, uint32(off))
			}
			tail = append(tail, e.values...)
			if len(tail)%2 == 1 {
				tail = append(tail, 0)
			}
		}
		w.out = append(w.out, value...)
	}
	w.nextLink = int64(len(w.out))
	w.out = append(w.out, make([]byte, linkSize)...)
	w.out = append(w.out, tail...)
	return at
}

// rawBlock returns the uncompressed bytes of one block: every band pixel
// interleaved, or plane p only when planes > 1. Rows are byte aligned.
func (t TIFF) rawBlock(order binary.AppendByteOrder, x0, y0, bw, rows, p, planes int) []byte {
	bands := []int{p}
	if planes == 1 {
		bands = bands[:0]
		for b := 0; b < t.Bands; b++ {
			bands = append(bands, b)
		}
	}
	float := t.SampleFormat == 3
	var out []byte
	for y := y0; y < y0+rows; y++ {
		var row []float64
		for x := x0; x < x0+bw; x++ {
			for _, b := range bands {
				v := 0.0
				if x < t.Width && y < t.Height {
					v = t.Pixel(x, y, b)
				}
				row = append(row, v)
			}
		}
		if t.Predictor == 2 {
			for i := len(row) - 1; i >= len(bands); i-- {
				row[i] = float64(wrap(int64(row[i])-int64(row[i-len(bands)]), t.Bits))
			}
		}
		if t.Bits%8 != 0 {
			pw := &bitWriter{}
			for _, v := range row {
				pw.write(uint64(v), t.Bits)
			}
			out = append(out, pw.bytes()...)
			continue
		}
		for _, v := range row {
			out = putSample(out, order, v, t.Bits, float)
		}
	}
	return out
}

func wrap(v int64, bits int) uint64 {
	return uint64(v) & (1<<uint(bits) - 1)
}

func (t TIFF) encode(raw []byte) []byte {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch t.Compression {
	case TIFFNone:
		return raw
	case TIFFPackBits:
		return packBits(raw)
	case TIFFDeflate:
		w = zlib.NewWriter(&buf)
	case TIFFLZW:
		w = lzw.NewWriter(&buf, true)
	case TIFFZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil)
	default:
		panic("rastertest: unsupported TIFF compression")
	}
	if _, err := w.Write(raw); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// packBits encodes literal runs of at most 128 bytes and repeats of 3 or
// more bytes.
func packBits(raw []byte) []byte {
	var out []byte
	for i := 0; i < len(raw); {
		run := 1
		for i+run < len(raw) && run < 128 && raw[i+run] == raw[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(257-run), raw[i])
			i += run
			continue
		}
		start := i
		for i < len(raw) && i-start < 128 {
			if i+2 < len(raw) && raw[i] == raw[i+1] && raw[i] == raw[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, raw[start:i]...)
	}
	return out
}

// jpegBlock encodes one block and splits the stream into the abbreviated
// block and a table-only stream.
func (t TIFF) jpegBlock(x0, y0, bw, rows int) (block, tables []byte) {
	data := EncodeJPEG(t.Bands, bw, rows, t.JPEGQuality, func(x, y, b int) float64 {
		if x0+x >= t.Width || y0+y >= t.Height {
			return 0
		}
		return t.Pixel(x0+x, y0+y, b)
	})
	return SplitJPEGTables(data)
}

// EncodeJPEG encodes a w x h image of 1 or 3 bands as baseline JPEG.
func EncodeJPEG(bands, w, h, quality int, pixel PixelFunc) []byte {
	var img image.Image
	if bands == 1 {
		g := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g.SetGray(x, y, color.Gray{Y: uint8(pixel(x, y, 0))})
			}
		}
		img = g
	} else {
		c := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c.SetRGBA(x, y, color.RGBA{
					R: uint8(pixel(x, y, 0)),
					G: uint8(pixel(x, y, 1)),
					B: uint8(pixel(x, y, 2)),
					A: 255,
				})
			}
		}
		img = c
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// SplitJPEGTables moves every DQT and DHT segment of a JPEG stream into a
// separate SOI/EOI wrapped table stream.
func SplitJPEGTables(data []byte) (block, tables []byte) {
	block = append(block, data[:2]...)
	tables = append(tables, 0xFF, 0xD8)
	i := 2
	for i+4 <= len(data) {
		m := data[i+1]
		if m == 0xDA {
			break
		}
		n := int(data[i+2])<<8 | int(data[i+3])
		seg := data[i : i+2+n]
		if m == 0xDB || m == 0xC4 {
			tables = append(tables, seg...)
		} else {
			block = append(block, seg...)
		}
		i += 2 + n
	}
	block = append(block, data[i:]...)
	return block, append(tables, 0xFF, 0xD9)
}
