package decode

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"image"
	"image/jpeg"
	"testing"

	"github.com/hhrutter/lzw"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/internal/rastertest"
	"github.com/kiesman99/rastile/pkg/tile"
)

// single returns a one-block, one-band descriptor of w x h samples.
func single(w, h int, scalar tile.ScalarType, bits int) *tile.LayoutDescriptor {
	return &tile.LayoutDescriptor{
		Width: w, Height: h,
		Bands: 1, OutputBands: 1,
		BitsPerSample: bits, ActualBits: bits,
		Scalar:       scalar,
		Interleave:   tile.BandSequential,
		BlockWidth:   w,
		BlockHeight:  h,
		BlocksPerRow: 1,
		BlocksPerCol: 1,
		SingleBlock:  true,
		ByteOrder:    binary.BigEndian,
	}
}

func read(d *tile.LayoutDescriptor, band int, data []byte) Read {
	return Read{
		Loc:  address.Location{Band: band, ValidRows: d.BlockHeight, Present: true},
		Data: data,
	}
}

func TestBitReader(t *testing.T) {
	br := bitReader{data: []byte{0xAB, 0xC1, 0x23, 0x80}}
	assert.Equal(t, uint32(0xABC), br.read(12))
	assert.Equal(t, uint32(0x123), br.read(12))
	assert.Equal(t, uint32(1), br.read(1))
	br.align()
	assert.Equal(t, uint64(32), br.pos)
}

func TestDecodePacked(t *testing.T) {
	d := single(2, 2, tile.Uint12, 12)
	d.Compression = tile.PackedBits

	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{0xAB, 0xC1, 0x23, 0x00, 0x1F, 0xFF})})
	require.NoError(t, err)
	assert.Equal(t, 2748.0, buf.Sample(0, 0, 0))
	assert.Equal(t, 291.0, buf.Sample(0, 1, 0))
	assert.Equal(t, 1.0, buf.Sample(0, 0, 1))
	assert.Equal(t, 4095.0, buf.Sample(0, 1, 1))

	// Row aligned 4-bit samples: three per row, each row padded to two bytes.
	d = single(3, 2, tile.Uint8, 4)
	d.Compression, d.RowAligned = tile.PackedBits, true
	buf, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{0x12, 0x30, 0x45, 0x60})})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf.Data)

	_, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{0x12})})
	assert.True(t, errors.Is(err, tile.ErrTruncatedBlock))
}

func TestDecodePackedFullWidth(t *testing.T) {
	cases := []struct {
		scalar tile.ScalarType
		bits   int
		data   []byte
	}{
		{tile.Uint8, 8, []byte{0, 1, 127, 128, 254, 255}},
		{tile.Uint16, 16, []byte{0x00, 0x00, 0x00, 0x01, 0x12, 0x34, 0x80, 0x00, 0xFF, 0xFE, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		raw := single(3, 2, c.scalar, c.bits)
		want, err := New().DecodeBlock(raw, 0, image.Point{}, []Read{read(raw, 0, c.data)})
		require.NoError(t, err)

		packed := single(3, 2, c.scalar, c.bits)
		packed.Compression = tile.PackedBits
		got, err := New().DecodeBlock(packed, 0, image.Point{}, []Read{read(packed, 0, c.data)})
		require.NoError(t, err)

		size := c.bits / 8
		for i := 0; i < 6; i++ {
			x, y := i%3, i/3
			v := float64(c.data[i*size])
			if size == 2 {
				v = float64(binary.BigEndian.Uint16(c.data[2*i:]))
			}
			assert.Equal(t, v, want.Sample(0, x, y), "raw %s (%d,%d)", c.scalar, x, y)
			assert.Equal(t, v, got.Sample(0, x, y), "packed %s (%d,%d)", c.scalar, x, y)
		}
	}
}

func TestDecodeRawByteOrder(t *testing.T) {
	d := single(2, 1, tile.Int16, 16)
	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{0xFF, 0xFE, 0x01, 0x00})})
	require.NoError(t, err)
	assert.Equal(t, -2.0, buf.Sample(0, 0, 0))
	assert.Equal(t, 256.0, buf.Sample(0, 1, 0))

	d.ByteOrder = binary.LittleEndian
	buf, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{0xFF, 0xFE, 0x01, 0x00})})
	require.NoError(t, err)
	assert.Equal(t, float64(int16(-257)), buf.Sample(0, 0, 0))
	assert.Equal(t, 1.0, buf.Sample(0, 1, 0))
}

func TestDecodeBandSeparateAbsent(t *testing.T) {
	d := single(2, 2, tile.Uint8, 8)
	d.Bands, d.OutputBands, d.NullValue = 2, 2, 9
	reads := []Read{
		read(d, 0, []byte{1, 2, 3, 4}),
		{Loc: address.Location{Band: 1, ValidRows: 2}},
	}
	buf, err := New().DecodeBlock(d, 0, image.Point{}, reads)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 9, 9, 9, 9}, buf.Data)
}

func TestDecodeShortEdgeBlock(t *testing.T) {
	d := single(2, 3, tile.Uint8, 8)
	rd := read(d, 0, []byte{1, 2})
	rd.Loc.ValidRows = 1
	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{rd})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0}, buf.Data)
}

func TestDecodeCompressed(t *testing.T) {
	raw := make([]byte, 16*8)
	for i := range raw {
		raw[i] = byte(i / 5)
	}

	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	_, _ = zw.Write(raw)
	require.NoError(t, zw.Close())

	var lzwed bytes.Buffer
	lw := lzw.NewWriter(&lzwed, true)
	_, _ = lw.Write(raw)
	require.NoError(t, lw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstded := enc.EncodeAll(raw, nil)
	enc.Close()

	// Literal run of 128 followed by nothing; PackBits caps literals at 128.
	packed := append([]byte{127}, raw...)

	cases := map[tile.CompressionKind][]byte{
		tile.Deflate:     deflated.Bytes(),
		tile.LZW:         lzwed.Bytes(),
		tile.Zstd:        zstded,
		tile.PackBitsRLE: packed,
	}
	e := New()
	for kind, data := range cases {
		d := single(16, 8, tile.Uint8, 8)
		d.Compression = kind
		buf, err := e.DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, data)})
		require.NoError(t, err, kind.String())
		assert.Equal(t, raw, buf.Data, kind.String())
	}

	d := single(16, 8, tile.Uint8, 8)
	d.Compression = tile.Deflate
	_, err = e.DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, deflated.Bytes()[:10])})
	assert.Error(t, err)
}

func TestUnpackBits(t *testing.T) {
	out := make([]byte, 5)
	require.NoError(t, unpackBits(out, []byte{0xFE, 7, 0x01, 1, 2}))
	assert.Equal(t, []byte{7, 7, 7, 1, 2}, out)

	// 0x80 is a no-op.
	require.NoError(t, unpackBits(out, []byte{0x80, 0x04, 5, 4, 3, 2, 1}))
	assert.Equal(t, []byte{5, 4, 3, 2, 1}, out)

	assert.True(t, errors.Is(unpackBits(out, []byte{0x01, 1, 2}), tile.ErrTruncatedBlock))
}

func TestDecodePredictor(t *testing.T) {
	d := single(4, 1, tile.Uint16, 16)
	d.Compression = tile.Deflate
	d.Predictor = 2
	var raw []byte
	for _, v := range []uint16{100, 5, 5, 0xFFFF} {
		raw = binary.BigEndian.AppendUint16(raw, v)
	}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(raw)
	require.NoError(t, zw.Close())

	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, z.Bytes())})
	require.NoError(t, err)
	for x, want := range []float64{100, 105, 110, 109} {
		assert.Equal(t, want, buf.Sample(0, x, 0))
	}
}

func TestDecodeLUT(t *testing.T) {
	d := single(2, 1, tile.Uint8, 8)
	d.Compression = tile.LookupTable
	d.OutputBands = 3
	d.LUT = &tile.LUT{
		Values: [][]uint16{{0, 10, 20}, {0, 11, 21}, {0, 12, 22}},
		Scalar: tile.Uint8,
	}
	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{2, 1})})
	require.NoError(t, err)
	assert.Equal(t, 3, buf.Bands)
	assert.Equal(t, []byte{20, 10, 21, 11, 22, 12}, buf.Data)

	d.LUT = nil
	err = New().Decode(NewBlock(single(2, 1, tile.Uint8, 8), 0, image.Point{}), []byte{0, 0}, d, address.Location{ValidRows: 1})
	assert.True(t, errors.Is(err, tile.ErrMissingLUT))
}

// vqEntry returns a descriptor for 4x2 blocks of 2x2 kernels with a
// 4096-entry codebook where code 1 expands to indices 1..4 and code 4095
// to index 216 everywhere.
func vqEntry(transparent bool) *tile.LayoutDescriptor {
	d := single(4, 2, tile.Uint8, 8)
	d.Compression = tile.VectorQuantized
	tables := [][]byte{make([]byte, 4096*2), make([]byte, 4096*2)}
	tables[0][2], tables[0][3] = 1, 2
	tables[1][2], tables[1][3] = 3, 4
	for r := range tables {
		tables[r][4095*2], tables[r][4095*2+1] = 216, 216
	}
	d.VQ = &tile.VQTable{CodeBits: 12, Rows: 2, Cols: 2, Tables: tables}
	lut := make([]uint16, 256)
	for i := range lut {
		lut[i] = uint16(i * 2)
	}
	d.LUT = &tile.LUT{Values: [][]uint16{lut}, Scalar: tile.Uint16}
	d.TransparentKernels = transparent
	d.NullValue = 0
	return d
}

func TestDecodeVQ(t *testing.T) {
	codes := []byte{0x00, 0x1F, 0xFF} // 1, 4095

	buf, err := New().DecodeBlock(vqEntry(false), 0, image.Point{}, []Read{read(vqEntry(false), 0, codes)})
	require.NoError(t, err)
	assert.Equal(t, tile.Uint16, buf.Scalar)
	assert.Equal(t, 2.0, buf.Sample(0, 0, 0))
	assert.Equal(t, 4.0, buf.Sample(0, 1, 0))
	assert.Equal(t, 6.0, buf.Sample(0, 0, 1))
	assert.Equal(t, 8.0, buf.Sample(0, 1, 1))
	assert.Equal(t, 432.0, buf.Sample(0, 2, 0))

	buf, err = New().DecodeBlock(vqEntry(true), 0, image.Point{}, []Read{read(vqEntry(true), 0, codes)})
	require.NoError(t, err)
	assert.Equal(t, 2.0, buf.Sample(0, 0, 0))
	assert.Equal(t, 0.0, buf.Sample(0, 2, 0))
	assert.Equal(t, 0.0, buf.Sample(0, 3, 1))

	_, err = New().DecodeBlock(vqEntry(false), 0, image.Point{}, []Read{read(vqEntry(false), 0, codes[:1])})
	assert.True(t, errors.Is(err, tile.ErrTruncatedBlock))
}

func jpegEntry(w, h int) *tile.LayoutDescriptor {
	d := single(w, h, tile.Uint8, 8)
	d.Compression = tile.EntropyCoded
	return d
}

func TestDecodeJPEG(t *testing.T) {
	full := rastertest.EncodeJPEG(1, 16, 16, 90, rastertest.Gradient)
	img, err := jpeg.Decode(bytes.NewReader(full))
	require.NoError(t, err)
	gray := img.(*image.Gray)
	check := func(buf *tile.BlockBuffer) {
		t.Helper()
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				require.Equal(t, float64(gray.GrayAt(x, y).Y), buf.Sample(0, x, y), "(%d,%d)", x, y)
			}
		}
	}

	d := jpegEntry(16, 16)
	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, full)})
	require.NoError(t, err)
	check(buf)

	block, tables := rastertest.SplitJPEGTables(full)

	// Shared tables, as carried by a TIFF JPEGTables tag.
	d = jpegEntry(16, 16)
	d.JPEGTables = tables
	buf, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, block)})
	require.NoError(t, err)
	check(buf)

	// Default tables selected by the compression rate code.
	d = jpegEntry(16, 16)
	d.CompressionRate = "00.1"
	buf, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, block)})
	require.NoError(t, err)
	check(buf)

	d = jpegEntry(16, 16)
	d.CompressionRate = "10.0"
	_, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, block)})
	assert.True(t, errors.Is(err, tile.ErrMissingCompressionTable))

	_, err = New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, []byte{1, 2, 3, 4})})
	assert.True(t, errors.Is(err, tile.ErrDecoder))
}

func TestDecodeJPEGColor(t *testing.T) {
	full := rastertest.EncodeJPEG(3, 8, 8, 95, func(x, y, b int) float64 { return float64(60 + 40*b) })
	d := jpegEntry(8, 8)
	d.Bands, d.OutputBands = 3, 3
	d.Interleave = tile.BandInterleavedByPixel
	buf, err := New().DecodeBlock(d, 0, image.Point{}, []Read{read(d, 0, full)})
	require.NoError(t, err)
	assert.Equal(t, tile.BandSequential, buf.Interleave)
	for b, want := range []float64{60, 100, 140} {
		assert.InDelta(t, want, buf.Sample(b, 3, 3), 4)
	}
}

func TestScanTables(t *testing.T) {
	full := rastertest.EncodeJPEG(1, 8, 8, 75, rastertest.Gradient)
	dqt, dht := scanTables(full)
	assert.True(t, dqt)
	assert.True(t, dht)

	block, _ := rastertest.SplitJPEGTables(full)
	dqt, dht = scanTables(block)
	assert.False(t, dqt)
	assert.False(t, dht)
}

func TestDefaultQuantMatchesEncoder(t *testing.T) {
	// The encoder and the default tables both scale Annex K with the IJG rule.
	seg := dqtSegment(90)
	full := rastertest.EncodeJPEG(1, 8, 8, 90, rastertest.Gradient)
	i := bytes.Index(full, []byte{0xFF, 0xDB})
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, seg, full[i:i+len(seg)])
}
