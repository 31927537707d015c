package raster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/kiesman99/rastile/pkg/tile"
)

// Property names understood by Property and SetProperty.
const (
	PropEntry             = "entry"
	PropEnableCache       = "enable_cache"
	PropApplyColorPalette = "apply_color_palette"
	PropBandList          = "band_list"
	PropCompressionRate   = "compression_rate"
	PropFileType          = "file_type"
	PropInterleave        = "interleave"
	PropCompression       = "compression"
	PropScalarType        = "scalar_type"
	PropBlockSize         = "block_size"
)

var readOnly = map[string]bool{
	PropCompressionRate: true,
	PropFileType:        true,
	PropInterleave:      true,
	PropCompression:     true,
	PropScalarType:      true,
	PropBlockSize:       true,
}

// PropertyNames returns every property name in sorted order.
func (c *Container) PropertyNames() []string {
	names := []string{PropEntry, PropEnableCache, PropApplyColorPalette, PropBandList}
	for n := range readOnly {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Property returns the current value of name as a string.
func (c *Container) Property(name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", tile.ErrClosed
	}
	d := c.descriptor()
	switch name {
	case PropEntry:
		return strconv.Itoa(c.entries[c.current].id), nil
	case PropEnableCache:
		return strconv.FormatBool(c.entries[c.current].cache.Enabled()), nil
	case PropApplyColorPalette:
		return strconv.FormatBool(c.opts.applyPalette), nil
	case PropBandList:
		parts := make([]string, len(c.bands))
		for i, b := range c.bands {
			parts[i] = strconv.Itoa(b)
		}
		return strings.Join(parts, ","), nil
	case PropCompressionRate:
		return d.CompressionRate, nil
	case PropFileType:
		return string(c.kind), nil
	case PropInterleave:
		return d.Interleave.String(), nil
	case PropCompression:
		return d.Compression.String(), nil
	case PropScalarType:
		return d.OutputScalar().String(), nil
	case PropBlockSize:
		return fmt.Sprintf("%dx%d", d.BlockWidth, d.BlockHeight), nil
	}
	return "", errors.Wrap(tile.ErrUnknownProperty, name)
}

// SetProperty sets name from value. Values are coerced: entry takes an
// integer, the flags take booleans, band_list takes a comma separated
// string or an integer slice.
func (c *Container) SetProperty(name string, value any) error {
	if readOnly[name] {
		return errors.Wrap(tile.ErrReadOnlyProperty, name)
	}
	switch name {
	case PropEntry:
		id, err := cast.ToIntE(value)
		if err != nil {
			return errors.Wrapf(tile.ErrInvalidEntry, "entry %v", value)
		}
		return c.SetCurrentEntry(id)
	case PropEnableCache:
		on, err := cast.ToBoolE(value)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		c.SetCacheEnabled(on)
		return nil
	case PropApplyColorPalette:
		on, err := cast.ToBoolE(value)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		return c.setApplyPalette(on)
	case PropBandList:
		bands, err := bandList(value)
		if err != nil {
			return err
		}
		return c.SetOutputBandList(bands)
	}
	return errors.Wrap(tile.ErrUnknownProperty, name)
}

func bandList(value any) ([]int, error) {
	if s, ok := value.(string); ok {
		var out []int
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			b, err := strconv.Atoi(p)
			if err != nil {
				return nil, errors.Wrapf(tile.ErrInvalidBandList, "band %q", p)
			}
			out = append(out, b)
		}
		return out, nil
	}
	out, err := cast.ToIntSliceE(value)
	if err != nil {
		return nil, errors.Wrapf(tile.ErrInvalidBandList, "%v", value)
	}
	return out, nil
}

// setApplyPalette re-inspects the file when palette expansion changes, as
// it alters band counts and sample types.
func (c *Container) setApplyPalette(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tile.ErrClosed
	}
	if c.opts.applyPalette == on {
		return nil
	}
	prev := c.opts.applyPalette
	c.opts.applyPalette = on
	if err := c.load(); err != nil {
		c.opts.applyPalette = prev
		return err
	}
	return nil
}
