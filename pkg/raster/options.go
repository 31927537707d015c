package raster

import (
	"github.com/apex/log"
)

// DefaultCacheBudget is the decoded-block memory each entry may hold.
const DefaultCacheBudget = 64 << 20

type options struct {
	logger             log.Interface
	cacheBudget        int64
	cacheEnabled       *bool
	mmap               bool
	applyPalette       bool
	edgeClipWithOffset bool
}

func defaultOptions() options {
	return options{
		logger:       log.Log,
		cacheBudget:  DefaultCacheBudget,
		applyPalette: true,
	}
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used for open diagnostics and block failures.
func WithLogger(l log.Interface) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCacheBudget sets the decoded-block byte budget of each entry cache.
func WithCacheBudget(bytes int64) Option {
	return func(o *options) {
		o.cacheBudget = bytes
	}
}

// WithCacheEnabled forces block caching on or off for every entry. Without
// it, caching is on except for entries stored as a single block.
func WithCacheEnabled(on bool) Option {
	return func(o *options) {
		o.cacheEnabled = &on
	}
}

// WithMmap memory-maps the file instead of reading it through a handle.
func WithMmap(on bool) Option {
	return func(o *options) {
		o.mmap = on
	}
}

// WithApplyPalette controls TIFF color map expansion. It is on by default.
func WithApplyPalette(on bool) Option {
	return func(o *options) {
		o.applyPalette = on
	}
}

// WithEdgeClipWithOffset clips trailing blocks to the image even when the
// entry declares a sub-image offset.
func WithEdgeClipWithOffset(on bool) Option {
	return func(o *options) {
		o.edgeClipWithOffset = on
	}
}
