// Package archive reads the tar archives producers drop for distribution.
//
// The compression is sniffed from the leading magic bytes rather than the
// file name, so a gzip or zstd stream saved under the well-known
// autotest.tar.bz2 name is still accepted. List walks every entry and
// drains the stream (used for integrity checks); Extract unpacks into a
// directory while refusing entries that would escape it.
package archive
