package internal

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

// Wipe zeroes every buffer.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}

// RandomBytes returns n bytes read from the system's secure random source.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := ReadRandom(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadRandom fills buf from the system's secure random source.
func ReadRandom(buf []byte) error {
	return readRandom(rand.Reader, buf)
}

func readRandom(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "unable to read random bytes")
	}

	return nil
}
