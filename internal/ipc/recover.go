package ipc

import (
	"fmt"
	"unicode/utf8"
)

// RecoverMixed reconstructs the text form of a payload mixing one structured
// frame with raw text. Three layouts are tried in order:
//
//	frame + text   -> fmt.Sprint(value) + text
//	text           -> text
//	text + frame   -> text + fmt.Sprint(value)
//
// Only a single splice is recovered. The number of trailing bytes that could
// not be recovered is returned as dropped.
func (c *Codec) RecoverMixed(data []byte) (text string, dropped int) {
	if v, rest, err := c.DecodeFrame(data); err == nil {
		tail, n := validPrefix(rest)
		return fmt.Sprint(v) + tail, n
	}
	if utf8.Valid(data) {
		return string(data), 0
	}

	i := invalidOffset(data)
	lead := string(data[:i])
	v, rest, err := c.DecodeFrame(data[i:])
	if err != nil {
		return lead, len(data) - i
	}
	return lead + fmt.Sprint(v), len(rest)
}

// invalidOffset returns the offset of the first byte that does not start a
// valid UTF-8 sequence, or len(b).
func invalidOffset(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}

// validPrefix returns the longest valid UTF-8 prefix of b and how many bytes
// follow it.
func validPrefix(b []byte) (string, int) {
	i := invalidOffset(b)
	return string(b[:i]), len(b) - i
}
