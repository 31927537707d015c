// Package format inspects container headers and produces one immutable
// tile.LayoutDescriptor per (entry, level).
//
// Two families are understood: TIFF (classic and BigTIFF, strips or tiles,
// reduced-resolution directories as decimation levels) and NITF 2.1 / NSIF
// 1.0 image segments (blocked, masked, lookup-table, vector-quantized and
// JPEG coded). Entries that cannot be served are dropped with a diagnostic
// instead of failing the whole container.
package format
