// Package codec converts chat text to and from the raw payload bytes carried
// over the proximity link. Payloads are bare UTF-8; the transport already
// preserves payload boundaries, so there is no framing.
package codec

import (
	"fmt"
	"unicode/utf8"
)

// DecodeError reports a payload that is not valid UTF-8.
type DecodeError struct {
	Offset int // index of the first invalid byte
	Len    int // total payload length
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("payload decode: invalid UTF-8 at byte %d of %d", e.Offset, e.Len)
}

// Encode returns the UTF-8 bytes of text.
func Encode(text string) []byte {
	return []byte(text)
}

// Decode returns the text carried by b. Invalid sequences are never
// replaced; they fail with *DecodeError.
func Decode(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	return "", &DecodeError{Offset: firstInvalid(b), Len: len(b)}
}

func firstInvalid(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}
