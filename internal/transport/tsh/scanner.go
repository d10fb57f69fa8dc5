package tsh

// Scanner incrementally extracts complete JSON objects from a noisy byte
// stream. Bytes outside an object (prompts, blank lines, echo remnants the
// boundary strategy let through) are discarded. Objects split across
// arbitrary chunk boundaries are reassembled; each completed object is
// surfaced exactly once, in stream order. An object exceeding
// maxObjectBytes is treated as stream corruption and discarded so garbage
// with an unbalanced brace cannot grow the buffer for the session's life.
// maxObjectBytes bounds a single buffered object. Real responses are a few
// kilobytes; a megabyte of unterminated JSON means the stream is corrupt.
const maxObjectBytes = 1 << 20

type Scanner struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
}

// NewScanner returns an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan consumes one chunk and returns every JSON object completed by it.
func (s *Scanner) Scan(chunk []byte) [][]byte {
	var objects [][]byte
	for _, c := range chunk {
		if s.depth == 0 {
			if c == '{' {
				s.depth = 1
				s.buf = append(s.buf[:0], c)
			}
			continue
		}

		s.buf = append(s.buf, c)
		if len(s.buf) > maxObjectBytes {
			s.reset()
			continue
		}

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				obj := make([]byte, len(s.buf))
				copy(obj, s.buf)
				objects = append(objects, obj)
				s.buf = s.buf[:0]
			}
		}
	}
	return objects
}

func (s *Scanner) reset() {
	s.buf = s.buf[:0]
	s.depth = 0
	s.inString = false
	s.escaped = false
}

// Pending reports whether a partially read object is buffered.
func (s *Scanner) Pending() bool {
	return s.depth > 0
}
