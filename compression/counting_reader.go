package compression

import "io"

// CountingReader wraps a reader and tracks the cumulative number of bytes
// read through it. Wrapped around the compressed source it yields the
// compressed byte count; around a decoder it yields the decoded count.
type CountingReader struct {
	reader io.Reader
	count  int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{reader: r}
}

func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	cr.count += int64(n)
	return n, err
}

// BytesRead returns the total number of bytes read so far.
func (cr *CountingReader) BytesRead() int64 {
	return cr.count
}
