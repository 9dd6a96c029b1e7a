package service

import "io"

// burnOnConsumeReader wraps a one-time download stream. The burn callback
// fires exactly once, when the inner stream reports io.EOF. Closing early
// without reaching EOF does not burn; the caller may retry the download.
type burnOnConsumeReader struct {
	inner  io.ReadCloser
	burn   func()
	burned bool
}

func newBurnOnConsumeReader(inner io.ReadCloser, burn func()) io.ReadCloser {
	return &burnOnConsumeReader{inner: inner, burn: burn}
}

func (r *burnOnConsumeReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if err == io.EOF && !r.burned {
		r.burned = true
		r.burn()
	}
	return n, err
}

func (r *burnOnConsumeReader) Close() error {
	return r.inner.Close()
}
