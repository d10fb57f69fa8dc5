package tsh

import "sync"

// BoundaryStrategy recognizes and removes the shell's echo of written
// commands from the inbound stream. The exact echo behavior is
// firmware-specific, so the strategy is pluggable; Transport uses
// LineEcho unless configured otherwise.
type BoundaryStrategy interface {
	// Expect records that line was just written and its echo is pending.
	Expect(line []byte)
	// Filter strips pending echo bytes from chunk and returns the
	// remaining payload bytes. It reports resolved only when this call
	// consumed the last pending echo; traffic arriving with nothing
	// pending must not signal a boundary, or the writer could treat idle
	// noise as the echo of the command it just issued.
	Filter(chunk []byte) (payload []byte, resolved bool)
}

// LineEcho matches the echoed bytes of each written command in write order,
// tolerating carriage returns the terminal layer inserts. On a mismatch it
// abandons the current expectation and passes the stream through, trading a
// stray echo line in the scanner (which discards non-JSON bytes anyway) for
// never deadlocking the write queue.
type LineEcho struct {
	mu      sync.Mutex
	pending [][]byte
	offset  int
}

// NewLineEcho returns the default boundary strategy.
func NewLineEcho() *LineEcho {
	return &LineEcho{}
}

// Expect implements BoundaryStrategy.
func (e *LineEcho) Expect(line []byte) {
	if len(line) == 0 {
		return
	}
	expected := make([]byte, len(line))
	copy(expected, line)
	e.mu.Lock()
	e.pending = append(e.pending, expected)
	e.mu.Unlock()
}

// Filter implements BoundaryStrategy.
func (e *LineEcho) Filter(chunk []byte) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payload []byte
	consumed := false
	for i := 0; i < len(chunk); i++ {
		if len(e.pending) == 0 {
			payload = append(payload, chunk[i:]...)
			break
		}

		c := chunk[i]
		expected := e.pending[0]

		// Terminal layers echo \n as \r\n; skip bare carriage returns
		// while matching.
		if c == '\r' && expected[e.offset] != '\r' {
			continue
		}

		if c == expected[e.offset] {
			e.offset++
			if e.offset == len(expected) {
				e.pending = e.pending[1:]
				e.offset = 0
				consumed = true
			}
			continue
		}

		// Echo diverged from what was written: give up on this
		// expectation and let the payload flow.
		e.pending = e.pending[1:]
		e.offset = 0
		consumed = true
		payload = append(payload, chunk[i:]...)
		break
	}
	return payload, consumed && len(e.pending) == 0
}
