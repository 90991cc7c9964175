package protocol

import (
	"encoding/json"
	"fmt"

	"agentcoord/internal/domain"
)

// Encode renders msg as its wire record.
func Encode(msg domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// Decode parses a wire record. The result is not validated.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// DecodePayload maps a message payload onto a typed payload struct.
func DecodePayload(msg domain.Message, out any) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msg.Kind, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Invalid("message", msg.ID, fmt.Sprintf("malformed %s payload: %v", msg.Kind, err))
	}
	return nil
}
