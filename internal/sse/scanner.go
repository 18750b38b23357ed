// ABOUTME: Server-sent event stream reader following the W3C framing rules
// ABOUTME: Used to consume remote agent run streams and the relay's own output

package sse

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Run events carry whole message
// objects, so the default bufio limit is too small.
const maxLineSize = 1024 * 1024

// Event is a single parsed server-sent event.
type Event struct {
	// Name is the value of the "event:" field, empty for the default type.
	Name string
	// Data is every "data:" line of the event joined with "\n".
	Data string
	// ID is the value of the last "id:" field, if any.
	ID string
}

// Scanner reads events from an io.Reader.
type Scanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

// NewScanner creates a scanner that reads SSE events from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or on
// error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Event{}

	var (
		dataLines []string
		name, id  string
		hasData   bool
	)

	for {
		line, err := s.readLine()
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = Event{Name: name, Data: strings.Join(dataLines, "\n"), ID: id}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = Event{Name: name, Data: strings.Join(dataLines, "\n"), ID: id}
				return true
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			name = value
		case "id":
			id = value
		}

		if err == io.EOF {
			if hasData {
				s.current = Event{Name: name, Data: strings.Join(dataLines, "\n"), ID: id}
				s.err = io.EOF
				return true
			}
			s.err = io.EOF
			return false
		}
	}
}

// readLine reads one line, failing with bufio.ErrTooLong past maxLineSize.
func (s *Scanner) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		sb.Write(chunk)
		if sb.Len() > maxLineSize {
			return "", bufio.ErrTooLong
		}
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix {
			return sb.String() + "\n", nil
		}
	}
}

// Event returns the most recently parsed event.
func (s *Scanner) Event() Event {
	return s.current
}

// Err returns the first non-EOF error encountered.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
