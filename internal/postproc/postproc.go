// Package postproc normalizes decoded blocks before they are cached:
// byte order, predictor undo, transparent pad pixels, palette expansion and
// the min/max/null rules per scalar type.
package postproc

import (
	"encoding/binary"

	"github.com/kiesman99/rastile/pkg/tile"
)

// Declared carries the values a container states explicitly, if any.
type Declared struct {
	Min  *float64
	Max  *float64
	Null *float64
}

// ApplyValueRange fills d.MinValue, d.MaxValue and d.NullValue from the
// declared values and the scalar defaults, then clamps them to what the
// stored bit width can represent.
func ApplyValueRange(d *tile.LayoutDescriptor, decl Declared) {
	s := d.OutputScalar()
	lo, hi, null := s.DefaultMin(), s.DefaultMax(), s.DefaultNull()
	if d.PaletteApplied() {
		d.MinValue, d.MaxValue, d.NullValue = lo, hi, null
		return
	}
	if decl.Min != nil {
		lo = *decl.Min
	}
	if decl.Max != nil {
		hi = *decl.Max
	}
	if decl.Null != nil {
		null = *decl.Null
	}

	switch s {
	case tile.Uint11:
		hi = minf(hi, 2047)
	case tile.Uint12:
		hi = minf(hi, 4095)
	}

	bits := d.BitsPerSample
	if d.ActualBits > 0 && d.ActualBits < bits {
		bits = d.ActualBits
	}
	if !s.IsFloat() && bits < s.Size()*8 {
		hi = minf(hi, float64(uint64(1)<<uint(bits)-1))
		if d.Packed() && lo < 1 {
			lo = 1
		}
		if null < 0 || null > hi {
			null = 0
		}
	}
	if lo > hi {
		lo = s.DefaultMin()
	}

	d.MinValue, d.MaxValue, d.NullValue = lo, hi, null
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// NeedsSwap reports whether data stored in order must be swapped for the host.
func NeedsSwap(order binary.ByteOrder) bool {
	probe := []byte{1, 0}
	return order.Uint16(probe) != binary.NativeEndian.Uint16(probe)
}

// SwapBytes reverses the byte order of every size-byte sample in data.
func SwapBytes(data []byte, size int) {
	switch size {
	case 2:
		for i := 0; i+1 < len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
	case 4:
		for i := 0; i+3 < len(data); i += 4 {
			data[i], data[i+1], data[i+2], data[i+3] = data[i+3], data[i+2], data[i+1], data[i]
		}
	case 8:
		for i := 0; i+7 < len(data); i += 8 {
			for j := 0; j < 4; j++ {
				data[i+j], data[i+7-j] = data[i+7-j], data[i+j]
			}
		}
	}
}

// UndoPredictor reverses horizontal differencing row by row on every band.
// It expects host byte order.
func UndoPredictor(buf *tile.BlockBuffer) {
	for band := 0; band < buf.Bands; band++ {
		for y := 0; y < buf.Height; y++ {
			switch buf.Scalar.Size() {
			case 1:
				prev := buf.Data[buf.Index(band, 0, y)]
				for x := 1; x < buf.Width; x++ {
					i := buf.Index(band, x, y)
					buf.Data[i] += prev
					prev = buf.Data[i]
				}
			case 2:
				prev := binary.NativeEndian.Uint16(buf.Data[buf.Index(band, 0, y)*2:])
				for x := 1; x < buf.Width; x++ {
					i := buf.Index(band, x, y) * 2
					v := binary.NativeEndian.Uint16(buf.Data[i:]) + prev
					binary.NativeEndian.PutUint16(buf.Data[i:], v)
					prev = v
				}
			case 4:
				prev := binary.NativeEndian.Uint32(buf.Data[buf.Index(band, 0, y)*4:])
				for x := 1; x < buf.Width; x++ {
					i := buf.Index(band, x, y) * 4
					v := binary.NativeEndian.Uint32(buf.Data[i:]) + prev
					binary.NativeEndian.PutUint32(buf.Data[i:], v)
					prev = v
				}
			}
		}
	}
}

// PadMaskActive reports whether the block at index has pad pixels on band.
func PadMaskActive(d *tile.LayoutDescriptor, index, band int) bool {
	if d.PadPixelMask == nil {
		return false
	}
	i := index
	if len(d.PadPixelMask) == d.NumBlocks()*d.Bands && d.Interleave == tile.BandSequential {
		i = band*d.NumBlocks() + index
	}
	if i < 0 || i >= len(d.PadPixelMask) {
		return false
	}
	return d.PadPixelMask[i] != tile.AbsentBlock
}

// MaskTransparent rewrites samples equal to the transparent code to null on
// every band whose pad-pixel mask is active for block index.
func MaskTransparent(buf *tile.BlockBuffer, d *tile.LayoutDescriptor, index int) {
	if !d.HasTransparent {
		return
	}
	code := float64(d.TransparentCode)
	for band := 0; band < buf.Bands; band++ {
		stored := band
		if stored >= d.Bands {
			stored = 0
		}
		if !PadMaskActive(d, index, stored) {
			continue
		}
		for y := 0; y < buf.Height; y++ {
			for x := 0; x < buf.Width; x++ {
				if buf.Sample(band, x, y) == code {
					buf.SetSample(band, x, y, d.NullValue)
				}
			}
		}
	}
}

// ExpandPalette maps a single-band index buffer through lut into a new
// band-sequential buffer with one band per table.
func ExpandPalette(buf *tile.BlockBuffer, lut *tile.LUT) *tile.BlockBuffer {
	out := tile.NewBlockBuffer(buf.Level, buf.Origin, buf.Width, buf.Height, lut.Bands(), lut.Scalar, tile.BandSequential)
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			idx := int(buf.Sample(0, x, y))
			for b := 0; b < lut.Bands(); b++ {
				out.SetSample(b, x, y, float64(lut.Lookup(b, idx)))
			}
		}
	}
	return out
}

// Normalize applies the per-block rules shared by every decode path:
// transparent pad pixels become null, then a palette is expanded when the
// descriptor calls for it.
func Normalize(buf *tile.BlockBuffer, d *tile.LayoutDescriptor, index int) *tile.BlockBuffer {
	MaskTransparent(buf, d, index)
	if d.PaletteApplied() && buf.Bands == 1 {
		buf = ExpandPalette(buf, d.ColorMap)
	}
	return buf
}
