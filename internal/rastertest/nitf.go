package rastertest

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NITF describes a synthetic NITF 2.1 file.
type NITF struct {
	Images []NITFImage
}

// VQ describes a vector-quantized image. Kernels are KernelRows x
// KernelCols; Codebook[r][code*KernelCols+c] is the table index of kernel
// row r, column c. Code returns the code word of a kernel position.
type VQ struct {
	KernelRows, KernelCols int
	CodeBits               int
	Codebook               [][]byte
	Code                   func(block, cx, cy int) int
}

// NITFImage describes one image segment. Zero values mean one 8-bit INT
// band, IMODE B, uncompressed, in a single block.
type NITFImage struct {
	Width, Height int
	Bands         int
	Bits          int
	ABPP          int
	PVType        string
	IRep, ICat    string
	IC            string
	COMRAT        string
	IMode         string
	// BlockWidth and BlockHeight default to the image size.
	BlockWidth, BlockHeight int
	ILOC                    string
	// LUTs are the lookup tables of band 0.
	LUTs [][]byte
	// Absent lists blocks marked absent in the block mask (IC NM or M4).
	Absent map[int]bool
	// PadCode, when set, is written as the transparent pixel code together
	// with a pad pixel mask covering every block.
	PadCode *uint16
	// JPEGQuality is used with IC C3. StripTables drops the DQT and DHT
	// segments from every block.
	JPEGQuality int
	StripTables bool
	VQ          *VQ
	Pixel       PixelFunc
}

func (m NITFImage) withDefaults() NITFImage {
	if m.Bands == 0 {
		m.Bands = 1
	}
	if m.Bits == 0 {
		m.Bits = 8
	}
	if m.ABPP == 0 {
		m.ABPP = m.Bits
	}
	if m.PVType == "" {
		m.PVType = "INT"
	}
	if m.IRep == "" {
		m.IRep = "MONO"
		if m.Bands == 3 {
			m.IRep = "RGB"
		}
	}
	if m.ICat == "" {
		m.ICat = "VIS"
	}
	if m.IC == "" {
		m.IC = "NC"
	}
	if m.IMode == "" {
		m.IMode = "B"
	}
	if m.BlockWidth == 0 {
		m.BlockWidth = m.Width
	}
	if m.BlockHeight == 0 {
		m.BlockHeight = m.Height
	}
	if m.ILOC == "" {
		m.ILOC = "0000000000"
	}
	if m.JPEGQuality == 0 {
		m.JPEGQuality = 90
	}
	if m.Pixel == nil {
		m.Pixel = Gradient
	}
	return m
}

type fields struct {
	b strings.Builder
}

func (f *fields) str(s string, n int) {
	if len(s) > n {
		s = s[:n]
	}
	f.b.WriteString(s)
	f.b.WriteString(strings.Repeat(" ", n-len(s)))
}

func (f *fields) num(v, n int) {
	f.b.WriteString(fmt.Sprintf("%0*d", n, v))
}

func (f *fields) raw(b []byte) {
	f.b.Write(b)
}

func (f *fields) security() {
	f.str("U", 1)
	f.str("", 166)
}

// Bytes encodes the file.
func (n NITF) Bytes() []byte {
	var headers, data [][]byte
	for _, img := range n.Images {
		img = img.withDefaults()
		headers = append(headers, img.subheader())
		data = append(data, img.data())
	}

	var f fields
	f.str("NITF", 4)
	f.str("02.10", 5)
	f.str("03", 2)
	f.str("BF01", 4)
	f.str("RASTILE", 10)
	f.str("20260101000000", 14)
	f.str("synthetic", 80)
	f.security()
	f.num(0, 5)
	f.num(0, 5)
	f.str("0", 1)
	f.raw([]byte{0, 0, 0})
	f.str("", 24)
	f.str("", 18)
	flAt := f.b.Len()
	f.num(0, 12)
	hl := f.b.Len() + 6 + 3 + len(headers)*16 + 3*5 + 5 + 5
	f.num(hl, 6)
	f.num(len(headers), 3)
	for i := range headers {
		f.num(len(headers[i]), 6)
		f.num(len(data[i]), 10)
	}
	// NUMS, NUMX, NUMT, NUMDES, NUMRES, UDHDL, XHDL
	f.num(0, 3)
	f.num(0, 3)
	f.num(0, 3)
	f.num(0, 3)
	f.num(0, 3)
	f.num(0, 5)
	f.num(0, 5)

	out := []byte(f.b.String())
	for i := range headers {
		out = append(out, headers[i]...)
		out = append(out, data[i]...)
	}
	copy(out[flAt:], fmt.Sprintf("%012d", len(out)))
	return out
}

func (m NITFImage) subheader() []byte {
	var f fields
	f.str("IM", 2)
	f.str("IMAGE", 10)
	f.str("20260101000000", 14)
	f.str("", 17)
	f.str("synthetic image", 80)
	f.security()
	f.str("0", 1)
	f.str("", 42)
	f.num(m.Height, 8)
	f.num(m.Width, 8)
	f.str(m.PVType, 3)
	f.str(m.IRep, 8)
	f.str(m.ICat, 8)
	f.num(m.ABPP, 2)
	f.str("R", 1)
	f.str(" ", 1)
	f.num(0, 1)
	f.str(m.IC, 2)
	if m.IC != "NC" && m.IC != "NM" {
		f.str(m.COMRAT, 4)
	}
	if m.Bands > 9 {
		f.num(0, 1)
		f.num(m.Bands, 5)
	} else {
		f.num(m.Bands, 1)
	}
	for b := 0; b < m.Bands; b++ {
		rep := ""
		switch {
		case len(m.LUTs) > 0 && b == 0:
			rep = "LU"
		case m.Bands == 3:
			rep = []string{"R", "G", "B"}[b]
		case m.Bands == 1:
			rep = "M"
		}
		f.str(rep, 2)
		f.str("", 6)
		f.str("N", 1)
		f.str("", 3)
		if b == 0 && len(m.LUTs) > 0 {
			f.num(len(m.LUTs), 1)
			f.num(len(m.LUTs[0]), 5)
			for _, lut := range m.LUTs {
				f.raw(lut)
			}
		} else {
			f.num(0, 1)
		}
	}
	f.num(0, 1)
	f.str(m.IMode, 1)
	f.num(m.blocksPerRow(), 4)
	f.num(m.blocksPerCol(), 4)
	f.num(m.BlockWidth, 4)
	f.num(m.BlockHeight, 4)
	f.num(m.Bits, 2)
	f.num(1, 3)
	f.num(0, 3)
	f.str(m.ILOC, 10)
	f.str("1.0", 4)
	f.num(0, 5)
	f.num(0, 5)
	return []byte(f.b.String())
}

func (m NITFImage) blocksPerRow() int {
	return (m.Width + m.BlockWidth - 1) / m.BlockWidth
}

func (m NITFImage) blocksPerCol() int {
	return (m.Height + m.BlockHeight - 1) / m.BlockHeight
}

// sample returns the value of band at (x, y), zero outside the image.
func (m NITFImage) sample(x, y, band int) float64 {
	if x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Pixel(x, y, band)
}

// read returns the stored bytes of one physical read of a block: one band
// for IMODE B and S, every band otherwise.
func (m NITFImage) read(block, band int) []byte {
	x0 := block % m.blocksPerRow() * m.BlockWidth
	y0 := block / m.blocksPerRow() * m.BlockHeight
	var vals []float64
	switch m.IMode {
	case "B", "S":
		for y := 0; y < m.BlockHeight; y++ {
			for x := 0; x < m.BlockWidth; x++ {
				vals = append(vals, m.sample(x0+x, y0+y, band))
			}
		}
	case "P":
		for y := 0; y < m.BlockHeight; y++ {
			for x := 0; x < m.BlockWidth; x++ {
				for b := 0; b < m.Bands; b++ {
					vals = append(vals, m.sample(x0+x, y0+y, b))
				}
			}
		}
	case "R":
		for y := 0; y < m.BlockHeight; y++ {
			for b := 0; b < m.Bands; b++ {
				for x := 0; x < m.BlockWidth; x++ {
					vals = append(vals, m.sample(x0+x, y0+y, b))
				}
			}
		}
	}
	if m.Bits%8 != 0 {
		w := &bitWriter{}
		for _, v := range vals {
			w.write(uint64(int64(v)), m.Bits)
		}
		return w.bytes()
	}
	var out []byte
	for _, v := range vals {
		out = putSample(out, binary.BigEndian, v, m.Bits, m.PVType == "R")
	}
	return out
}

// data encodes the image data of the segment, including any mask table
// and compression header.
func (m NITFImage) data() []byte {
	switch m.IC {
	case "C3":
		return m.jpegData()
	case "C4", "M4":
		return m.vqData()
	}

	blocks := m.blocksPerRow() * m.blocksPerCol()
	var body []byte
	var records []uint32
	appendRead := func(block, band int) {
		if m.Absent[block] {
			records = append(records, 0xFFFFFFFF)
			return
		}
		records = append(records, uint32(len(body)))
		body = append(body, m.read(block, band)...)
	}
	switch m.IMode {
	case "S":
		for b := 0; b < m.Bands; b++ {
			for i := 0; i < blocks; i++ {
				appendRead(i, b)
			}
		}
	case "B":
		for i := 0; i < blocks; i++ {
			if m.Absent[i] {
				records = append(records, 0xFFFFFFFF)
				continue
			}
			records = append(records, uint32(len(body)))
			for b := 0; b < m.Bands; b++ {
				body = append(body, m.read(i, b)...)
			}
		}
	default:
		for i := 0; i < blocks; i++ {
			appendRead(i, 0)
		}
	}
	if m.IC != "NM" {
		return body
	}
	return append(m.mask(records, nil), body...)
}

// mask encodes the image data mask table followed by extra header bytes.
func (m NITFImage) mask(records []uint32, extra []byte) []byte {
	var out []byte
	var pad []uint32
	bmr := uint16(0)
	if m.Absent != nil {
		bmr = 4
	}
	tmr := uint16(0)
	tpx := uint16(0)
	if m.PadCode != nil {
		tmr = 4
		tpx = uint16(m.Bits)
		if m.Bits < 9 {
			tpx = 8
		}
		for range records {
			pad = append(pad, 0)
		}
	}
	size := 4 + 2 + 2 + 2
	if tpx > 0 {
		if tpx < 9 {
			size++
		} else {
			size += 2
		}
	}
	if bmr > 0 {
		size += 4 * len(records)
	}
	size += 4*len(pad) + len(extra)

	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = binary.BigEndian.AppendUint16(out, bmr)
	out = binary.BigEndian.AppendUint16(out, tmr)
	out = binary.BigEndian.AppendUint16(out, tpx)
	if tpx > 0 {
		if tpx < 9 {
			out = append(out, byte(*m.PadCode))
		} else {
			out = binary.BigEndian.AppendUint16(out, *m.PadCode)
		}
	}
	if bmr > 0 {
		for _, r := range records {
			out = binary.BigEndian.AppendUint32(out, r)
		}
	}
	for _, r := range pad {
		out = binary.BigEndian.AppendUint32(out, r)
	}
	return append(out, extra...)
}

func (m NITFImage) jpegData() []byte {
	var out []byte
	for i := 0; i < m.blocksPerRow()*m.blocksPerCol(); i++ {
		x0 := i % m.blocksPerRow() * m.BlockWidth
		y0 := i / m.blocksPerRow() * m.BlockHeight
		data := EncodeJPEG(m.Bands, m.BlockWidth, m.BlockHeight, m.JPEGQuality, func(x, y, b int) float64 {
			return m.sample(x0+x, y0+y, b)
		})
		if m.StripTables {
			data, _ = SplitJPEGTables(data)
		}
		out = append(out, data...)
	}
	return out
}

// vqData encodes the mask table, the VQ compression header with its lookup
// tables, and the code words of every block.
func (m NITFImage) vqData() []byte {
	vq := m.VQ
	codesPerRow := m.BlockWidth / vq.KernelCols
	codeRows := m.BlockHeight / vq.KernelRows
	entries := len(vq.Codebook[0]) / vq.KernelCols

	var hdr []byte
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(codeRows))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(codesPerRow))
	hdr = append(hdr, byte(vq.CodeBits))
	hdr = binary.BigEndian.AppendUint16(hdr, 1)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(vq.KernelRows))
	hdr = binary.BigEndian.AppendUint16(hdr, 0)
	// Lookup subsection: offset table offset, record length, records, data.
	const recLen = 14
	lookup := binary.BigEndian.AppendUint32(nil, 6)
	lookup = binary.BigEndian.AppendUint16(lookup, recLen)
	dataAt := 6 + recLen*vq.KernelRows
	for r := 0; r < vq.KernelRows; r++ {
		lookup = binary.BigEndian.AppendUint16(lookup, uint16(r+1))
		lookup = binary.BigEndian.AppendUint32(lookup, uint32(entries))
		lookup = binary.BigEndian.AppendUint16(lookup, uint16(vq.KernelCols))
		lookup = binary.BigEndian.AppendUint16(lookup, 8)
		lookup = binary.BigEndian.AppendUint32(lookup, uint32(dataAt+r*len(vq.Codebook[0])))
	}
	for _, t := range vq.Codebook {
		lookup = append(lookup, t...)
	}
	hdr = append(hdr, lookup...)

	var body []byte
	var records []uint32
	for i := 0; i < m.blocksPerRow()*m.blocksPerCol(); i++ {
		if m.Absent[i] {
			records = append(records, 0xFFFFFFFF)
			continue
		}
		records = append(records, uint32(len(body)))
		w := &bitWriter{}
		for cy := 0; cy < codeRows; cy++ {
			for cx := 0; cx < codesPerRow; cx++ {
				w.write(uint64(vq.Code(i, cx, cy)), vq.CodeBits)
			}
		}
		body = append(body, w.bytes()...)
	}
	return append(m.mask(records, hdr), body...)
}
