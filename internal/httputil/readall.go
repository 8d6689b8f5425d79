package httputil

import (
	"fmt"
	"io"
)

// ReadAllWithLimit reads at most limit bytes and reports whether the body
// was truncated at the limit.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) < limit {
		return data, false, nil
	}

	// Probe one byte past the limit to distinguish exact fit from overflow.
	var probe [1]byte
	n, err := r.Read(probe[:])
	if n > 0 {
		return data, true, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return data, false, nil
}

// ReadAllStrict reads the whole body, failing when it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d byte limit", limit)
	}
	return data, nil
}
