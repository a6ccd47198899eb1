package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the compression wrapped around the tar stream.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatTar
	FormatGzip
	FormatBzip2
	FormatZstd
)

const (
	// ustarMagicOffset is where "ustar" lives inside the first tar header block.
	ustarMagicOffset = 257
	// sniffLen is how many leading bytes are needed to tell every format apart.
	sniffLen = ustarMagicOffset + 5
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar = []byte("ustar")

	// ErrUnknownFormat is returned when the leading bytes match no supported format.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// String returns a short format name for logs.
func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "tar.gz"
	case FormatBzip2:
		return "tar.bz2"
	case FormatZstd:
		return "tar.zst"
	default:
		return "unknown"
	}
}

// Sniff detects the format from the first bytes of a stream.
func Sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(head, magicBzip2):
		return FormatBzip2
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd
	case len(head) >= sniffLen && bytes.Equal(head[ustarMagicOffset:sniffLen], magicUstar):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// decompressor returns the uncompressed tar stream of r and a function
// releasing decoder resources.
func decompressor(r io.Reader) (io.Reader, Format, func(), error) {
	br := bufio.NewReader(r)

	// A short file yields fewer bytes and io.EOF; Sniff copes with that.
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, FormatUnknown, nil, fmt.Errorf("read archive header: %w", err)
	}

	format := Sniff(head)
	noop := func() {}

	switch format {
	case FormatTar:
		return br, format, noop, nil
	case FormatBzip2:
		return bzip2.NewReader(br), format, noop, nil
	case FormatGzip:
		gr, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			return nil, format, nil, fmt.Errorf("open gzip: %w", gzErr)
		}

		return gr, format, func() { _ = gr.Close() }, nil
	case FormatZstd:
		zr, zErr := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if zErr != nil {
			return nil, format, nil, fmt.Errorf("open zstd: %w", zErr)
		}

		return zr, format, zr.Close, nil
	default:
		return nil, format, nil, ErrUnknownFormat
	}
}
