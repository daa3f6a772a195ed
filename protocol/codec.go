package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single encoded message on a stream. Source text and
// output chunks both travel inside one line.
const MaxLineSize = 16 << 20

// ErrTooLarge is returned for a message whose encoding exceeds MaxLineSize.
var ErrTooLarge = errors.New("protocol: message too large")

// ProtocolError reports a malformed or unexpected message. Receivers log it
// and drop the message.
type ProtocolError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("protocol: %s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decode parses and validates one message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ProtocolError{Reason: "invalid json", Err: err}
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Encoder writes newline-delimited messages. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m Message) error {
	data, err := encodeLine(m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// CheckSize reports ErrTooLarge if m would not fit on one line of a stream.
func CheckSize(m Message) error {
	_, err := encodeLine(m)
	return err
}

func encodeLine(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(data) >= MaxLineSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes, limit %d)", m.Type, ErrTooLarge, len(data), MaxLineSize)
	}
	return append(data, '\n'), nil
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: s}
}

// Next returns the next message. A *ProtocolError means the line was bad but
// the stream is still usable; io.EOF means the stream ended.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// IsProtocolError reports whether err is a recoverable protocol error.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
