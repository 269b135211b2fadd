package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// lineReader reads REPL input. On a terminal it edits in raw mode with
// history; otherwise it reads plain lines.
type lineReader struct {
	in      *bufio.Reader
	out     io.Writer
	tty     bool
	fd      int
	history []string
}

func newLineReader(in io.Reader, out io.Writer, fd int, tty bool) *lineReader {
	return &lineReader{in: bufio.NewReader(in), out: out, fd: fd, tty: tty}
}

// ReadLine prints prompt and returns the next line without its terminator.
// It returns io.EOF on Ctrl+D, Ctrl+C, or end of input.
func (r *lineReader) ReadLine(prompt string) (string, error) {
	if !r.tty {
		_, _ = fmt.Fprint(r.out, prompt)
		s, err := r.in.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		return trimTrailingNewline(s), err
	}

	restore, err := makeRaw(r.fd)
	if err != nil {
		return "", err
	}
	defer restore()
	return r.edit(prompt)
}

// lineState is the buffer being edited.
type lineState struct {
	prompt string
	out    io.Writer
	line   []byte
	cursor int
}

func (s *lineState) redraw() {
	_, _ = fmt.Fprintf(s.out, "\r%s%s\x1b[K", s.prompt, s.line)
	if s.cursor < len(s.line) {
		_, _ = fmt.Fprintf(s.out, "\r%s%s", s.prompt, s.line[:s.cursor])
	}
}

func (s *lineState) set(text string) {
	s.line = append(s.line[:0], text...)
	s.cursor = len(s.line)
	s.redraw()
}

func (s *lineState) insert(b byte) {
	s.line = append(s.line, 0)
	copy(s.line[s.cursor+1:], s.line[s.cursor:])
	s.line[s.cursor] = b
	s.cursor++
	s.redraw()
}

func (s *lineState) backspace() {
	if s.cursor == 0 {
		return
	}
	s.line = append(s.line[:s.cursor-1], s.line[s.cursor:]...)
	s.cursor--
	s.redraw()
}

func (s *lineState) deleteAt() {
	if s.cursor >= len(s.line) {
		return
	}
	s.line = append(s.line[:s.cursor], s.line[s.cursor+1:]...)
	s.redraw()
}

func (s *lineState) move(to int) {
	s.cursor = max(0, min(to, len(s.line)))
	s.redraw()
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func (s *lineState) wordStart() int {
	i := s.cursor
	for i > 0 && isSpace(s.line[i-1]) {
		i--
	}
	for i > 0 && !isSpace(s.line[i-1]) {
		i--
	}
	return i
}

func (s *lineState) wordEnd() int {
	i := s.cursor
	for i < len(s.line) && isSpace(s.line[i]) {
		i++
	}
	for i < len(s.line) && !isSpace(s.line[i]) {
		i++
	}
	return i
}

func (s *lineState) deleteRange(from, to int) {
	if from >= to {
		return
	}
	s.line = append(s.line[:from], s.line[to:]...)
	s.cursor = from
	s.redraw()
}

// historyNav walks the history; the draft is restored past the newest entry.
type historyNav struct {
	entries  []string
	pos      int
	browsing bool
	draft    string
}

func (h *historyNav) up(s *lineState) {
	if len(h.entries) == 0 {
		return
	}
	if !h.browsing {
		h.draft = string(s.line)
		h.browsing = true
		h.pos = len(h.entries)
	}
	if h.pos > 0 {
		h.pos--
		s.set(h.entries[h.pos])
	}
}

func (h *historyNav) down(s *lineState) {
	if !h.browsing {
		return
	}
	if h.pos < len(h.entries)-1 {
		h.pos++
		s.set(h.entries[h.pos])
		return
	}
	h.pos = len(h.entries)
	h.browsing = false
	s.set(h.draft)
}

// edit runs the key loop over r.in. The terminal must already be raw.
func (r *lineReader) edit(prompt string) (string, error) {
	s := &lineState{prompt: prompt, out: r.out, line: make([]byte, 0, 256)}
	h := &historyNav{entries: r.history, pos: len(r.history)}
	_, _ = fmt.Fprint(r.out, prompt)

	csi := func(seq string) {
		switch seq {
		case "A":
			h.up(s)
		case "B":
			h.down(s)
		case "D":
			s.move(s.cursor - 1)
		case "C":
			s.move(s.cursor + 1)
		case "H":
			s.move(0)
		case "F":
			s.move(len(s.line))
		case "3~":
			s.deleteAt()
		case "1;5D", "5D":
			s.move(s.wordStart())
		case "1;5C", "5C":
			s.move(s.wordEnd())
		case "3;5~":
			end := s.wordEnd()
			cur := s.cursor
			s.deleteRange(cur, end)
		}
	}

	for {
		b, err := r.in.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case 27: // ESC
			next, err := r.in.ReadByte()
			if err != nil {
				return "", err
			}
			switch next {
			case '[':
				var seq strings.Builder
				for {
					c, err := r.in.ReadByte()
					if err != nil {
						return "", err
					}
					seq.WriteByte(c)
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '~' {
						break
					}
				}
				csi(seq.String())
			case 'b', 'B':
				s.move(s.wordStart())
			case 'f', 'F':
				s.move(s.wordEnd())
			case 127:
				s.deleteRange(s.wordStart(), s.cursor)
			}
		case '\r', '\n':
			_, _ = fmt.Fprint(r.out, "\r\n")
			out := string(s.line)
			if strings.TrimSpace(out) != "" {
				r.history = append(r.history, out)
			}
			return out, nil
		case 3: // Ctrl+C
			_, _ = fmt.Fprint(r.out, "^C\r\n")
			return "", io.EOF
		case 4: // Ctrl+D
			if len(s.line) == 0 {
				_, _ = fmt.Fprint(r.out, "\r\n")
				return "", io.EOF
			}
		case 127, 8:
			s.backspace()
		case 1: // Ctrl+A
			s.move(0)
		case 5: // Ctrl+E
			s.move(len(s.line))
		case 23: // Ctrl+W
			s.deleteRange(s.wordStart(), s.cursor)
		default:
			if b >= 32 {
				s.insert(b)
			}
		}
	}
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
