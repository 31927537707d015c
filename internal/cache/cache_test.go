package cache

import (
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/rastile/pkg/tile"
)

func block(origin image.Point) *tile.BlockBuffer {
	return tile.NewBlockBuffer(0, origin, 4, 4, 1, tile.Uint8, tile.BandSequential)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 1, Capacity(10, 100, 50))
	assert.Equal(t, 10, Capacity(1000, 100, 50))
	assert.Equal(t, 50, Capacity(1<<30, 100, 50))
	assert.Equal(t, 1, Capacity(1<<30, 100, 0))
	assert.Equal(t, 7, Capacity(0, 0, 7))
}

func TestGetOrDecodeHit(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	key := Key{Level: 0, Origin: image.Pt(8, 0)}
	calls := 0
	decode := func() (*tile.BlockBuffer, error) {
		calls++
		return block(key.Origin), nil
	}

	first, err := c.GetOrDecode(key, decode)
	require.NoError(t, err)
	second, err := c.GetOrDecode(key, decode)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Len())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Decodes)
}

func TestConcurrentMissDecodesOnce(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	key := Key{Level: 1, Origin: image.Pt(0, 16)}
	var calls atomic.Int32
	release := make(chan struct{})
	decode := func() (*tile.BlockBuffer, error) {
		calls.Add(1)
		<-release
		return block(key.Origin), nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*tile.BlockBuffer, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf, err := c.GetOrDecode(key, decode)
			assert.NoError(t, err)
			results[i] = buf
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, buf := range results {
		assert.Same(t, results[0], buf)
	}
}

func TestFailedDecodeIsNotStored(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	key := Key{Origin: image.Pt(0, 0)}
	_, err = c.GetOrDecode(key, func() (*tile.BlockBuffer, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	buf, err := c.GetOrDecode(key, func() (*tile.BlockBuffer, error) {
		return block(key.Origin), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, buf)
	assert.Equal(t, 1, c.Len())
}

func TestDisabledAlwaysDecodes(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	key := Key{Origin: image.Pt(4, 4)}
	_, err = c.GetOrDecode(key, func() (*tile.BlockBuffer, error) { return block(key.Origin), nil })
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.SetEnabled(false)
	assert.False(t, c.Enabled())
	assert.Equal(t, 0, c.Len())

	calls := 0
	for i := 0; i < 3; i++ {
		_, err := c.GetOrDecode(key, func() (*tile.BlockBuffer, error) {
			calls++
			return block(key.Origin), nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, c.Len())
}

func TestEviction(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	for x := 0; x < 3; x++ {
		key := Key{Origin: image.Pt(x*4, 0)}
		_, err := c.GetOrDecode(key, func() (*tile.BlockBuffer, error) { return block(key.Origin), nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	c.Invalidate()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Stats{}, c.Stats())
}
