package protocol

import (
	"fmt"
	"strings"
	"time"

	"agentcoord/internal/domain"
)

// Validate checks msg against the wire contract without mutating it. The
// reason is empty when ok is true.
func Validate(msg domain.Message, now time.Time) (bool, string) {
	for _, field := range []struct {
		name    string
		missing bool
	}{
		{"id", strings.TrimSpace(msg.ID) == ""},
		{"from", strings.TrimSpace(msg.From) == ""},
		{"to", msg.To == nil},
		{"kind", msg.Kind == ""},
		{"subject", strings.TrimSpace(msg.Subject) == ""},
		{"data", msg.Payload == nil},
	} {
		if field.missing {
			return false, "missing required field: " + field.name
		}
	}

	if !msg.Kind.Valid() {
		return false, fmt.Sprintf("invalid message kind: %s", msg.Kind)
	}
	if !msg.Priority.Valid() {
		return false, fmt.Sprintf("invalid priority: %s", msg.Priority)
	}
	if !msg.Status.Valid() {
		return false, fmt.Sprintf("invalid status: %s", msg.Status)
	}

	if len(msg.To) == 0 {
		return false, "recipient list cannot be empty"
	}
	for _, name := range msg.To {
		if strings.TrimSpace(name) == "" {
			return false, "recipient list contains a blank agent name"
		}
	}

	if msg.IsExpired(now) {
		return false, "message has expired"
	}
	return true, ""
}

// ValidateErr is Validate reported as an error matching domain.ErrValidation.
func ValidateErr(msg domain.Message, now time.Time) error {
	if ok, reason := Validate(msg, now); !ok {
		return domain.Invalid("message", msg.ID, reason)
	}
	return nil
}
