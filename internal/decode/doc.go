// Package decode turns the stored bytes of a block into decoded samples.
//
// The set of codings is closed (tile.CompressionKind) and dispatched with
// one exhaustive switch. Every path writes into a block buffer pre-filled
// with the null value, converts to host byte order, and finishes with the
// shared post-processing rules from package postproc.
package decode
