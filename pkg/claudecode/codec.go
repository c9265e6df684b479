package claudecode

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SplitFrames splits a WebSocket text frame into individual NDJSON lines.
// A single frame may carry several newline-separated JSON objects; empty
// lines (including a trailing newline) are skipped.
func SplitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		frames = append(frames, line)
	}
	return frames
}

// Decode parses one NDJSON line into a Message. Unknown message types and
// subtypes are not an error: the caller gets a Message with Type set and the
// original payload retained in Raw. Only malformed JSON fails.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode claude message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode claude message: missing type discriminator")
	}
	msg.Raw = append(json.RawMessage(nil), line...)
	return &msg, nil
}

// Encode marshals an outgoing frame and terminates it with a newline,
// ready to be written as a WebSocket text message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode claude message: %w", err)
	}
	return append(data, '\n'), nil
}
