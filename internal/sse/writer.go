// ABOUTME: Server-sent event writer that frames and flushes one event per call
// ABOUTME: Splits multi-line payloads into several data lines so framing survives newlines

package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Writer writes events to an HTTP response. Headers are sent lazily on the
// first event so that callers can still fall back to a plain error status
// until the stream has actually started.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps w. It fails if w does not implement http.Flusher.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Started reports whether any bytes have been written to the client.
func (sw *Writer) Started() bool {
	return sw.started
}

// WriteEvent writes a single event and flushes it.
func (sw *Writer) WriteEvent(name, data string) error {
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}

	if _, err := io.WriteString(sw.w, Format(name, data)); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Format renders one event in wire form: an event line, one data line per
// line of payload, and a terminating blank line.
func Format(name, data string) string {
	var sb strings.Builder
	if name != "" {
		sb.WriteString("event: ")
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return sb.String()
}
