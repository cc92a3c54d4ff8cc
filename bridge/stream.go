// This file contains the wire-level reader for the push stream. Events arrive
// as named text events: optional "event:" and one or more "data:" lines,
// terminated by a blank line. Comment lines (leading ':') are keepalives.
package bridge

import (
	"bufio"
	"io"
	"strings"
)

type eventReader struct {
	br *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{br: bufio.NewReader(r)}
}

// Next blocks until a complete event has been read from the stream. Events
// with no "event:" line default to the "message" name. A partial event at
// end of stream is discarded and the read error returned.
func (r *eventReader) Next() (StreamEvent, error) {
	var (
		name string
		data []string
	)

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			return StreamEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if name == "" && len(data) == 0 {
				// Stray blank line between events.
				continue
			}
			if name == "" {
				name = eventMessage
			}
			return StreamEvent{Name: name, Data: strings.Join(data, "\n")}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
}
