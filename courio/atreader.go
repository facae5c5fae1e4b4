// Package courio has common i/o functions for protocol handling and message
// data.
package courio

import (
	"io"
)

// AtReader turns an io.ReaderAt into an io.Reader by keeping track of the
// offset.
type AtReader struct {
	R      io.ReaderAt
	Offset int64
}

func (r *AtReader) Read(buf []byte) (int, error) {
	n, err := r.R.ReadAt(buf, r.Offset)
	if n > 0 {
		r.Offset += int64(n)
	}
	return n, err
}
