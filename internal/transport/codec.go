package transport

import (
	"encoding/json"
	"fmt"
)

// Wire message types exchanged with the capture page.
const (
	TypeCommand   = "command"
	TypeStatus    = "status"
	TypeError     = "error"
	TypeAudioBlob = "audioBlob"
)

// Commands sent host -> client.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// Message is the JSON envelope carried on the channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// audioPayload is the numeric-array framing for binary audio. Browsers
// cannot put raw bytes in a JSON text frame, so the capture page ships the
// clip as an array of byte values. Kept as the wire contract even though
// native binary frames would be cheaper.
type audioPayload struct {
	Data []int `json:"data"`
}

// NewCommand builds a command message with the given payload string.
func NewCommand(cmd string) Message {
	raw, _ := json.Marshal(cmd)
	return Message{Type: TypeCommand, Payload: raw}
}

// EncodeAudio wraps raw audio bytes in an audioBlob message.
func EncodeAudio(data []byte) (Message, error) {
	values := make([]int, len(data))
	for i, b := range data {
		values[i] = int(b)
	}
	raw, err := json.Marshal(audioPayload{Data: values})
	if err != nil {
		return Message{}, fmt.Errorf("marshal audio payload: %w", err)
	}
	return Message{Type: TypeAudioBlob, Payload: raw}, nil
}

// DecodeAudio converts an audioBlob payload back into the original bytes.
// Values outside 0-255 mean a corrupted or hostile payload and are rejected.
func DecodeAudio(payload json.RawMessage) ([]byte, error) {
	var ap audioPayload
	if err := json.Unmarshal(payload, &ap); err != nil {
		return nil, fmt.Errorf("unmarshal audio payload: %w", err)
	}

	data := make([]byte, len(ap.Data))
	for i, v := range ap.Data {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("audio payload value %d at index %d out of byte range", v, i)
		}
		data[i] = byte(v)
	}
	return data, nil
}

// DecodeText returns the string payload of a status or error message.
func DecodeText(payload json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return "", fmt.Errorf("unmarshal text payload: %w", err)
	}
	return s, nil
}
