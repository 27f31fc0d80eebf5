package fileproc

// streaming.go holds the byte-level readers that sit between the blob store
// and the CSV decoder. Neither changes the length of the stream, so offsets
// reported by the decoder map directly onto offsets in the stored object.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM discards a leading UTF-8 BOM from br and returns its length.
func skipBOM(br *bufio.Reader) int {
	head, _ := br.Peek(len(utf8BOM))
	if bytes.Equal(head, utf8BOM) {
		n, _ := br.Discard(len(utf8BOM))
		return n
	}
	return 0
}

// utf8Sanitizer replaces every byte that is not part of a valid UTF-8
// sequence with '?'. A multi-byte sequence split across reads is held back
// until the next read completes it.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n := copy(p, s.pending)
		s.pending = append(s.pending[:0], s.pending[n:]...)

		var err error
		if len(s.pending) == 0 && n < len(p) {
			var m int
			m, err = s.r.Read(p[n:])
			n += m
		}
		if n == 0 {
			return 0, err
		}

		keep := 0
		if err == nil {
			keep = incompleteTail(p[:n])
			if keep == n && n >= len(p) {
				// p cannot hold a whole rune; emit the bytes as invalid.
				keep = 0
			}
		}
		s.pending = append(s.pending, p[n-keep:n]...)
		n -= keep
		sanitize(p[:n])

		if n > 0 || err != nil {
			return n, err
		}
	}
}

// sanitize rewrites invalid bytes of b in place.
func sanitize(b []byte) {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			b[i] = '?'
		}
		i += size
	}
}

// incompleteTail returns how many trailing bytes of b begin a multi-byte
// sequence that is not yet complete.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c&0xC0 == 0x80 {
			continue
		}
		if c >= 0xC0 && !utf8.FullRune(b[len(b)-i:]) {
			return i
		}
		return 0
	}
	return 0
}
