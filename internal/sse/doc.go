// Package sse reads and writes server-sent event streams.
//
// Every hop of the relay speaks SSE: the remote agent endpoint streams run
// events to the agent executor, the relay streams text fragments to its
// caller, and the Matrix adapter reads the relay's stream back.
//
// # Reading
//
// Scanner follows the W3C framing rules. Events are separated by blank
// lines, multiple data lines are joined with "\n", comment lines and unknown
// fields are skipped, and a trailing event without a terminating blank line
// is still delivered at EOF.
//
//	sc := sse.NewScanner(resp.Body)
//	for sc.Next() {
//	    ev := sc.Event()
//	    // ev.Name, ev.Data
//	}
//	if err := sc.Err(); err != nil {
//	    // transport error
//	}
//
// # Writing
//
// Writer frames one event per call and flushes immediately so that each
// fragment reaches the client as soon as it is produced.
package sse
