// Package rastertest builds small synthetic TIFF and NITF files for tests.
package rastertest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// PixelFunc returns the stored value of band at (x, y).
type PixelFunc func(x, y, band int) float64

// Gradient is a PixelFunc that is distinct for every pixel and band of
// small images.
func Gradient(x, y, band int) float64 {
	return float64((x + 3*y + 50*band) % 251)
}

// Write stores data under name in a test temp dir and returns the path.
func Write(tb testing.TB, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

// bitWriter packs values MSB first.
type bitWriter struct {
	buf  []byte
	acc  uint64
	bits uint
}

func (w *bitWriter) write(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.acc = w.acc<<1 | (v>>uint(i))&1
		w.bits++
		if w.bits == 8 {
			w.buf = append(w.buf, byte(w.acc))
			w.acc, w.bits = 0, 0
		}
	}
}

// align pads to the next byte boundary.
func (w *bitWriter) align() {
	if w.bits > 0 {
		w.buf = append(w.buf, byte(w.acc<<(8-w.bits)))
		w.acc, w.bits = 0, 0
	}
}

func (w *bitWriter) bytes() []byte {
	w.align()
	return w.buf
}

// putSample appends v encoded as a bits-wide sample of the given format.
// Widths that are not whole bytes must go through a bitWriter instead.
func putSample(out []byte, order binary.AppendByteOrder, v float64, bits int, float bool) []byte {
	switch {
	case bits == 8:
		return append(out, byte(int64(v)))
	case bits == 16:
		return order.AppendUint16(out, uint16(int64(v)))
	case bits == 32 && float:
		return order.AppendUint32(out, math.Float32bits(float32(v)))
	case bits == 32:
		return order.AppendUint32(out, uint32(int64(v)))
	case bits == 64:
		return order.AppendUint64(out, math.Float64bits(v))
	}
	panic("rastertest: unsupported sample width")
}
