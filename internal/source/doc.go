// Package source provides the physical byte source behind a container and
// a positioned field reader used by the format parsers.
//
// All physical reads of a Source go through one mutex: the underlying
// handle is treated as a single cursor even when it could serve concurrent
// reads, so block reads from parallel tile requests never interleave.
package source
