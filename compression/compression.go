// Package compression detects the transport wrapping a TAR stream and
// constructs the matching decompressor. Detection is by magic bytes; a
// stream matching no known magic is treated as plain TAR.
package compression

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Format identifies a supported archive transport.
type Format string

const (
	FormatTar   Format = "tar"
	FormatGzip  Format = "gzip"
	FormatBzip2 Format = "bzip2"
	FormatXz    Format = "xz"
	FormatZstd  Format = "zstd"
	FormatLzma  Format = "lzma"
	FormatLzip  Format = "lzip"
)

const maxMagicBytes = 6 // 6 is the biggest used here (xz)

var (
	gzipMagic = []byte{0x1F, 0x8B}
	bz2Magic  = []byte{0x42, 0x5A, 0x68}
	xzMagic   = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lzipMagic = []byte{0x4C, 0x5A, 0x49, 0x50} // "LZIP"
	lzmaMagic = []byte{0x5D, 0x00, 0x00}
)

// archiveExts maps recognised compound archive filename extensions to the
// transport they imply, ordered longest-first. A bare ".gz", ".bz2" or
// ".xz" is not recognised.
var archiveExts = []struct {
	ext    string
	format Format
}{
	{".tar.bz2", FormatBzip2},
	{".tar.zst", FormatZstd},
	{".tar.gz", FormatGzip},
	{".tar.xz", FormatXz},
	{".tbz2", FormatBzip2},
	{".tzst", FormatZstd},
	{".tgz", FormatGzip},
	{".txz", FormatXz},
	{".tar", FormatTar},
}

// FormatFromName reports whether name carries a recognised archive
// extension, and which transport it implies.
func FormatFromName(name string) (Format, bool) {
	lower := strings.ToLower(name)
	for _, ae := range archiveExts {
		if strings.HasSuffix(lower, ae.ext) {
			return ae.format, true
		}
	}
	return "", false
}

// TrimArchiveExt returns name with its recognised archive extension
// removed. Names without one are returned unchanged.
func TrimArchiveExt(name string) string {
	lower := strings.ToLower(name)
	for _, ae := range archiveExts {
		if strings.HasSuffix(lower, ae.ext) {
			return name[:len(name)-len(ae.ext)]
		}
	}
	return name
}

const defaultBufSize = 32 * 1024

type readerConfiguration struct {
	BufSize int
}

type Option func(*readerConfiguration)

func WithBufSize(size int) Option {
	return func(c *readerConfiguration) {
		c.BufSize = size
	}
}

// NewReader sniffs the transport of r by magic bytes and returns a reader
// producing the decoded TAR stream. When no magic matches, r is passed
// through unchanged as FormatTar. The returned closer never closes r;
// the caller keeps ownership of the source.
func NewReader(r io.Reader, options ...Option) (io.ReadCloser, Format, error) {
	config := &readerConfiguration{BufSize: defaultBufSize}
	for _, option := range options {
		option(config)
	}
	br := bufio.NewReaderSize(r, config.BufSize)
	magic, err := br.Peek(maxMagicBytes)
	if err != nil && len(magic) == 0 && err != io.EOF {
		return nil, "", err
	}
	format := detect(magic)
	decoded, err := initReader(br, format)
	if err != nil {
		return nil, format, err
	}
	return decoded, format, nil
}

func detect(magic []byte) Format {
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(magic, bz2Magic):
		return FormatBzip2
	case bytes.HasPrefix(magic, xzMagic):
		return FormatXz
	case bytes.HasPrefix(magic, zstdMagic):
		return FormatZstd
	case bytes.HasPrefix(magic, lzipMagic):
		return FormatLzip
	case bytes.HasPrefix(magic, lzmaMagic):
		return FormatLzma
	default:
		return FormatTar
	}
}

func initReader(br *bufio.Reader, format Format) (io.ReadCloser, error) {
	var getReader func(io.Reader) (io.ReadCloser, error)
	switch format {
	case FormatGzip:
		getReader = gzipReader
	case FormatBzip2:
		getReader = bz2Reader
	case FormatXz:
		getReader = xzReader
	case FormatZstd:
		getReader = zstdReader
	case FormatLzma:
		getReader = lzmaReader
	case FormatLzip:
		getReader = lzipReader
	default:
		getReader = passthroughReader
	}
	decoded, err := getReader(br)
	if err != nil {
		return nil, &ErrGetReader{err}
	}
	return decoded, nil
}

type ErrGetReader struct {
	err error
}

func (e *ErrGetReader) Error() string {
	return e.err.Error()
}

func (e *ErrGetReader) Unwrap() error {
	return e.err
}

func IsGetReaderError(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(*ErrGetReader); ok {
			return true
		}
	}
	return false
}

func bz2Reader(reader io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(reader)), nil
}

func gzipReader(reader io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(reader)
}

func xzReader(reader io.Reader) (io.ReadCloser, error) {
	r, err := xz.NewReader(reader)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func lzmaReader(reader io.Reader) (io.ReadCloser, error) {
	r, err := lzma.NewReader(reader)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func lzipReader(reader io.Reader) (io.ReadCloser, error) {
	r, err := archives.Lzip{}.OpenReader(reader)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func zstdReader(reader io.Reader) (io.ReadCloser, error) {
	r, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func passthroughReader(reader io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(reader), nil
}
