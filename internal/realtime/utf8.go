package realtime

import "unicode/utf8"

// splitPartialRune splits b before a trailing UTF-8 sequence that is cut
// short. Invalid bytes are not held back.
func splitPartialRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

// trimPartialRunes drops continuation bytes at the start of b and a cut
// sequence at its end, as left by a wrapped scrollback buffer.
func trimPartialRunes(b []byte) []byte {
	for n := 0; n < utf8.UTFMax-1 && len(b) > 0 && !utf8.RuneStart(b[0]); n++ {
		b = b[1:]
	}
	complete, _ := splitPartialRune(b)
	return complete
}
