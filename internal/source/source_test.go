package source

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBlock(t *testing.T) {
	data := []byte("0123456789")
	s := New(bytes.NewReader(data), int64(len(data)), "mem")
	assert.Equal(t, "mem", s.Name())
	assert.Equal(t, int64(10), s.Size())

	b, err := s.ReadBlock(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), b)

	// Reads running off the end are shortened.
	b, err = s.ReadBlock(8, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), b)

	_, err = s.ReadBlock(10, 1)
	assert.Error(t, err)
	_, err = s.ReadBlock(-1, 1)
	assert.Error(t, err)

	assert.Equal(t, int64(2), s.Reads())
	assert.NoError(t, s.Close())
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o644))

	for _, mmap := range []bool{false, true} {
		s, err := Open(path, mmap)
		require.NoError(t, err)
		assert.Equal(t, int64(6), s.Size())
		b, err := s.ReadBlock(4, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("ef"), b)
		require.NoError(t, s.Close())
	}

	_, err := Open(filepath.Join(t.TempDir(), "missing"), false)
	assert.Error(t, err)
}

func TestReader(t *testing.T) {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, 0x0102)
	buf = binary.BigEndian.AppendUint32(buf, 0x03040506)
	buf = append(buf, " 0042 NITF  x"...)
	r := NewReader(bytes.NewReader(buf), binary.BigEndian)

	assert.Equal(t, uint16(0x0102), r.Uint16())
	assert.Equal(t, uint32(0x03040506), r.Uint32())
	assert.Equal(t, 42, r.Int(5))
	assert.Equal(t, "NITF", r.String(6))
	assert.Equal(t, int64(17), r.Pos())
	require.NoError(t, r.Err())

	at := r.At(2)
	assert.Equal(t, uint8(3), at.Uint8())
	assert.Equal(t, int64(17), r.Pos())

	// Errors are sticky.
	assert.Equal(t, "", r.String(4))
	assert.True(t, errors.Is(r.Err(), io.ErrUnexpectedEOF))
	assert.Zero(t, r.Uint32())
	assert.True(t, errors.Is(r.Err(), io.ErrUnexpectedEOF))
}

func TestReaderBadNumber(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("12a4")), binary.LittleEndian)
	assert.Zero(t, r.Int(4))
	assert.ErrorContains(t, r.Err(), `"12a4"`)
}
