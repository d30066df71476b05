package linedispatch

import (
	"strings"
	"unicode/utf8"
)

// lineSplitter is a bufio.SplitFunc source that accepts "\n", "\r\n" and a
// lone "\r" as line terminators. A trailing fragment without a terminator is
// returned as the final line at EOF.
//
// A line longer than max is returned in pieces of max bytes. The scanner
// buffer must hold max+1 bytes so a piece always fits next to a pending "\r".
type lineSplitter struct {
	max int
	// cut is set after a piece was returned without a terminator, so a
	// terminator that directly follows it does not produce an empty line.
	cut bool
}

func (s *lineSplitter) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if s.cut {
		if n := terminatorLen(data, atEOF); n > 0 {
			s.cut = false
			return n, nil, nil
		} else if n < 0 {
			return 0, nil, nil
		}
		s.cut = false
	}
	for i, b := range data {
		switch b {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			if i >= s.max {
				return s.piece(data)
			}
			// Wait for the next byte to tell "\r" from "\r\n".
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	if len(data) >= s.max {
		return s.piece(data)
	}
	return 0, nil, nil
}

// piece returns the first max bytes of data, backing off to a rune boundary
// when the cut would split a multi-byte sequence.
func (s *lineSplitter) piece(data []byte) (int, []byte, error) {
	s.cut = true
	n := s.max
	for j := n - 1; j > 0 && j >= n-utf8.UTFMax; j-- {
		if utf8.RuneStart(data[j]) {
			if !utf8.FullRune(data[j:n]) {
				n = j
			}
			break
		}
	}
	return n, data[:n], nil
}

// terminatorLen returns the length of the terminator data starts with, 0 when
// it starts with none, or -1 when more input is needed to decide.
func terminatorLen(data []byte, atEOF bool) int {
	switch {
	case len(data) == 0:
		return -1
	case data[0] == '\n':
		return 1
	case data[0] != '\r':
		return 0
	case len(data) > 1 && data[1] == '\n':
		return 2
	case len(data) > 1 || atEOF:
		return 1
	default:
		return -1
	}
}

// decodeLine converts raw line bytes to text, replacing invalid UTF-8
// sequences with U+FFFD.
func decodeLine(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
