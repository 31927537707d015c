package tile

import (
	"encoding/binary"
	"image"
	"math"
)

// ReadSample returns sample i of buf interpreted as s in host byte order.
func ReadSample(buf []byte, i int, s ScalarType) float64 {
	switch s {
	case Uint8:
		return float64(buf[i])
	case Int8:
		return float64(int8(buf[i]))
	case Uint11, Uint12, Uint16:
		return float64(binary.NativeEndian.Uint16(buf[i*2:]))
	case Int16:
		return float64(int16(binary.NativeEndian.Uint16(buf[i*2:])))
	case Uint32:
		return float64(binary.NativeEndian.Uint32(buf[i*4:]))
	case Int32:
		return float64(int32(binary.NativeEndian.Uint32(buf[i*4:])))
	case Float32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(buf[i*4:])))
	case Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(buf[i*8:]))
	}
	return 0
}

// WriteSample stores v as sample i of buf in host byte order.
func WriteSample(buf []byte, i int, s ScalarType, v float64) {
	switch s {
	case Uint8:
		buf[i] = uint8(v)
	case Int8:
		buf[i] = uint8(int8(v))
	case Uint11, Uint12, Uint16:
		binary.NativeEndian.PutUint16(buf[i*2:], uint16(v))
	case Int16:
		binary.NativeEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	case Uint32:
		binary.NativeEndian.PutUint32(buf[i*4:], uint32(v))
	case Int32:
		binary.NativeEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	case Float32:
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.NativeEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
}

// fill sets n samples of buf starting at sample 0 to v.
func fill(buf []byte, s ScalarType, v float64) {
	size := s.Size()
	if len(buf) < size {
		return
	}
	WriteSample(buf, 0, s, v)
	// Doubling copy of the first sample.
	for n := size; n < len(buf); n *= 2 {
		copy(buf[n:], buf[:n])
	}
}

// BlockBuffer holds the decoded samples of one block in host byte order.
// Buffers handed out by the cache are shared and must be treated as read-only.
type BlockBuffer struct {
	Level      int
	Origin     image.Point
	Width      int
	Height     int
	Bands      int
	Scalar     ScalarType
	Interleave Interleave
	Data       []byte
}

// NewBlockBuffer allocates a zeroed buffer for a block of the given geometry.
func NewBlockBuffer(level int, origin image.Point, width, height, bands int, scalar ScalarType, il Interleave) *BlockBuffer {
	return &BlockBuffer{
		Level:      level,
		Origin:     origin,
		Width:      width,
		Height:     height,
		Bands:      bands,
		Scalar:     scalar,
		Interleave: il,
		Data:       make([]byte, width*height*bands*scalar.Size()),
	}
}

// Rect returns the block rectangle in level coordinates.
func (b *BlockBuffer) Rect() image.Rectangle {
	return image.Rectangle{Min: b.Origin, Max: b.Origin.Add(image.Pt(b.Width, b.Height))}
}

// Index returns the sample index of (x, y) on band, in block-local coordinates.
func (b *BlockBuffer) Index(band, x, y int) int {
	switch b.Interleave {
	case BandInterleavedByPixel:
		return (y*b.Width+x)*b.Bands + band
	case BandInterleavedByLine:
		return (y*b.Bands+band)*b.Width + x
	}
	return (band*b.Height+y)*b.Width + x
}

// Sample returns the sample at block-local (x, y) on band.
func (b *BlockBuffer) Sample(band, x, y int) float64 {
	return ReadSample(b.Data, b.Index(band, x, y), b.Scalar)
}

// SetSample stores v at block-local (x, y) on band.
func (b *BlockBuffer) SetSample(band, x, y int, v float64) {
	WriteSample(b.Data, b.Index(band, x, y), b.Scalar, v)
}

// Plane returns the bytes of one band. Only valid for band-sequential buffers.
func (b *BlockBuffer) Plane(band int) []byte {
	n := b.Width * b.Height * b.Scalar.Size()
	return b.Data[band*n : (band+1)*n]
}

// FillBand sets every sample of band to v.
func (b *BlockBuffer) FillBand(band int, v float64) {
	if b.Interleave != BandInterleavedByPixel && b.Interleave != BandInterleavedByLine {
		fill(b.Plane(band), b.Scalar, v)
		return
	}
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			b.SetSample(band, x, y, v)
		}
	}
}

// OutputTile is a caller-owned, band-separate tile in level coordinates.
type OutputTile struct {
	Rect   image.Rectangle
	Bands  int
	Scalar ScalarType
	Planes [][]byte
	Nulls  []float64
	Status Status
}

// NewOutputTile allocates a tile covering rect. It panics if rect has a
// negative size or nulls does not have one value per band.
func NewOutputTile(rect image.Rectangle, bands int, scalar ScalarType, nulls []float64) *OutputTile {
	if rect.Dx() < 0 || rect.Dy() < 0 || rect.Max.X < rect.Min.X || rect.Max.Y < rect.Min.Y {
		panic("tile: negative output rectangle size")
	}
	if len(nulls) != bands {
		panic("tile: null value count does not match band count")
	}
	n := rect.Dx() * rect.Dy() * scalar.Size()
	t := &OutputTile{
		Rect:   rect,
		Bands:  bands,
		Scalar: scalar,
		Planes: make([][]byte, bands),
		Nulls:  append([]float64(nil), nulls...),
	}
	for i := range t.Planes {
		t.Planes[i] = make([]byte, n)
	}
	return t
}

// MakeBlank fills every band with its null value.
func (t *OutputTile) MakeBlank() {
	for b, p := range t.Planes {
		fill(p, t.Scalar, t.Nulls[b])
	}
	t.Status = StatusEmpty
}

// Sample returns the sample at level coordinates (x, y) on band.
func (t *OutputTile) Sample(band, x, y int) float64 {
	i := (y-t.Rect.Min.Y)*t.Rect.Dx() + (x - t.Rect.Min.X)
	return ReadSample(t.Planes[band], i, t.Scalar)
}

// SetSample stores v at level coordinates (x, y) on band.
func (t *OutputTile) SetSample(band, x, y int, v float64) {
	i := (y-t.Rect.Min.Y)*t.Rect.Dx() + (x - t.Rect.Min.X)
	WriteSample(t.Planes[band], i, t.Scalar, v)
}

// Validate classifies the tile by counting pixels whose every band is null,
// records the result in Status, and returns it.
func (t *OutputTile) Validate() Status {
	n := t.Rect.Dx() * t.Rect.Dy()
	if n == 0 || t.Bands == 0 {
		t.Status = StatusEmpty
		return t.Status
	}
	nullPixels := 0
	for i := 0; i < n; i++ {
		isNull := true
		for b := 0; b < t.Bands; b++ {
			if ReadSample(t.Planes[b], i, t.Scalar) != t.Nulls[b] {
				isNull = false
				break
			}
		}
		if isNull {
			nullPixels++
		}
	}
	switch nullPixels {
	case 0:
		t.Status = StatusFull
	case n:
		t.Status = StatusEmpty
	default:
		t.Status = StatusPartial
	}
	return t.Status
}
