package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes caps a single encoded message. Oversized lines indicate a
// misbehaving worker and break the scanner rather than the host.
const maxLineBytes = 1 << 20

var validTypes = map[MessageType]bool{
	TypeRequest:  true,
	TypeResponse: true,
	TypeReady:    true,
	TypeStats:    true,
	TypeEvent:    true,
	TypeError:    true,
	TypeShutdown: true,
}

// Encode serializes a message as a single JSON line and writes it to w.
func Encode(w io.Writer, msg *Message) error {
	if !validTypes[msg.Type] {
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
	if msg.Type == TypeRequest && msg.RequestID == "" {
		return fmt.Errorf("request message missing request_id")
	}
	if msg.Type == TypeResponse && msg.RequestID == "" {
		return fmt.Errorf("response message missing request_id")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited messages from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a line-oriented message decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next message on the stream. It returns io.EOF once the
// stream ends cleanly.
func (d *Decoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("message is not valid JSON: %w", err)
		}
		if err := validate(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return nil, io.EOF
}

func validate(msg *Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message missing required field: type")
	}
	if !validTypes[msg.Type] {
		return fmt.Errorf("invalid message type: %q", msg.Type)
	}
	switch msg.Type {
	case TypeRequest:
		if msg.RequestID == "" {
			return fmt.Errorf("request message missing request_id")
		}
		if msg.Route == "" {
			return fmt.Errorf("request message missing route")
		}
	case TypeResponse:
		if msg.RequestID == "" {
			return fmt.Errorf("response message missing request_id")
		}
	}
	return nil
}
