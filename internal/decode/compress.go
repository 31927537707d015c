package decode

import (
	"bytes"
	"compress/zlib"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff/lzw"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/pkg/tile"
)

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdDec() (*zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdErr
}

// decodeCompressed inflates a byte-level compressed read into scratch space
// and then treats it as stored samples.
func (e *Engine) decodeCompressed(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor, loc address.Location) error {
	need := int(d.ReadBytes(loc.ValidRows))
	p := e.getScratch(need)
	defer e.putScratch(p)

	var err error
	switch d.Compression {
	case tile.Deflate:
		err = inflate(*p, raw)
	case tile.LZW:
		err = readFull(lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8), *p)
	case tile.PackBitsRLE:
		err = unpackBits(*p, raw)
	case tile.Zstd:
		err = e.unzstd(p, raw, need)
	}
	if err != nil {
		return err
	}
	return e.decodeSamples(dst, (*p)[:need], d, loc)
}

func inflate(out, raw []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrapf(tile.ErrDecoder, "deflate: %v", err)
	}
	return readFull(zr, out)
}

func readFull(rc io.ReadCloser, out []byte) error {
	defer rc.Close()
	if _, err := io.ReadFull(rc, out); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return errors.Wrapf(tile.ErrTruncatedBlock, "inflated fewer than %d bytes", len(out))
		}
		return errors.Wrapf(tile.ErrDecoder, "%v", err)
	}
	return nil
}

func (e *Engine) unzstd(p *[]byte, raw []byte, need int) error {
	dec, err := zstdDec()
	if err != nil {
		return errors.Wrapf(tile.ErrDecoder, "zstd: %v", err)
	}
	out, err := dec.DecodeAll(raw, (*p)[:0])
	if err != nil {
		return errors.Wrapf(tile.ErrDecoder, "zstd: %v", err)
	}
	if len(out) < need {
		return errors.Wrapf(tile.ErrTruncatedBlock, "zstd produced %d bytes, need %d", len(out), need)
	}
	*p = out
	return nil
}

// unpackBits decodes PackBits run-length data until out is full.
func unpackBits(out, src []byte) error {
	n := 0
	for len(src) > 0 && n < len(out) {
		c := int8(src[0])
		src = src[1:]
		switch {
		case c >= 0:
			count := int(c) + 1
			if count > len(src) {
				count = len(src)
			}
			n += copy(out[n:], src[:count])
			src = src[count:]
		case c != -128:
			if len(src) == 0 {
				break
			}
			count := 1 - int(c)
			for i := 0; i < count && n < len(out); i++ {
				out[n] = src[0]
				n++
			}
			src = src[1:]
		}
	}
	if n < len(out) {
		return errors.Wrapf(tile.ErrTruncatedBlock, "packbits produced %d bytes, need %d", n, len(out))
	}
	return nil
}
