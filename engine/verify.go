package engine

import (
	"bytes"
	"errors"
	"io"
)

// compareStreams reads a and b in lock-step using equally sized buffers. It
// reports false on the first differing chunk length or content, including one
// side ending while the other still has data.
func compareStreams(a, b io.Reader, bufA, bufB []byte) (bool, error) {
	if len(bufA) == 0 || len(bufB) == 0 {
		return false, errors.New("compare buffers must not be empty")
	}
	if len(bufA) != len(bufB) {
		bufB = bufB[:min(len(bufA), len(bufB))]
		bufA = bufA[:len(bufB)]
	}

	for {
		na, errA := io.ReadFull(a, bufA)
		if errA != nil && !isEndOfStream(errA) {
			return false, errA
		}
		nb, errB := io.ReadFull(b, bufB)
		if errB != nil && !isEndOfStream(errB) {
			return false, errB
		}

		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if na < len(bufA) {
			return true, nil
		}
	}
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
