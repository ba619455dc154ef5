package utils

import (
	"fmt"
	"io"
	"os"
)

var ErrIOLimitReached = fmt.Errorf("read size limit reached")

func ReadAllLimit(r io.Reader, n int) ([]byte, error) {
	limit := int(n + 1)
	buf, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil {
		return buf, err
	}
	if len(buf) >= limit {
		return buf[:limit-1], ErrIOLimitReached
	}
	return buf, nil
}

// ReadFileLimit reads the whole file at path, failing with ErrIOLimitReached
// if it's bigger than n bytes.
func ReadFileLimit(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return ReadAllLimit(f, n)
}

// WriteFileOnce writes data to a new file at path. It fails if the file
// already exists, outputs are never overwritten.
func WriteFileOnce(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing file: %w", err)
	}

	return f.Close()
}
