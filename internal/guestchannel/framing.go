// Package guestchannel implements the guest channel engine: one task
// per instance, talking JSON-line messages over the hypervisor's
// per-instance UNIX domain socket.
package guestchannel

import (
	"encoding/json"
	"fmt"
)

// Message is the decoded shape of one line on the channel. Fields are
// interpreted by msg_type; unused fields are left at their zero value.
type Message struct {
	Version      int    `json:"version"`
	Revision     int    `json:"revision"`
	MsgType      string `json:"msg_type"`
	Sequence     uint32 `json:"sequence"`

	InvocationID uint32 `json:"invocation_id,omitempty"`
	Challenge    uint32 `json:"challenge,omitempty"`

	HeartbeatResponse uint32 `json:"heartbeat_response,omitempty"`
	Health            string `json:"health,omitempty"`
	CorrectiveAction  string `json:"corrective_action,omitempty"`

	EventType        string `json:"event_type,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	TimeoutMS        int    `json:"timeout_ms,omitempty"`

	VoteResult   string `json:"vote_result,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`

	MissingField string `json:"missing_field,omitempty"`
	Expected     uint32 `json:"expected,omitempty"`
	Received     uint32 `json:"received,omitempty"`
}

// requiredFields are present on every message regardless of msg_type.
func missingRequiredField(raw map[string]json.RawMessage) string {
	for _, f := range [...]string{"version", "revision", "msg_type", "sequence"} {
		if _, ok := raw[f]; !ok {
			return f
		}
	}
	return ""
}

// ParseError identifies a malformed line, including which required
// field was missing so the caller can nack it.
type ParseError struct {
	MissingField string
	Cause        error
}

func (e *ParseError) Error() string {
	if e.MissingField != "" {
		return fmt.Sprintf("guestchannel: missing field %q", e.MissingField)
	}
	return fmt.Sprintf("guestchannel: malformed message: %v", e.Cause)
}

// ParseLine decodes one line into a Message, or a *ParseError if the
// line is not valid JSON or is missing a required field.
func ParseLine(line []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, &ParseError{Cause: err}
	}
	if missing := missingRequiredField(raw); missing != "" {
		return Message{}, &ParseError{MissingField: missing}
	}

	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, &ParseError{Cause: err}
	}
	return m, nil
}

// EncodeLine serializes m as a single JSON line, newline-terminated.
func EncodeLine(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// nackFor builds the nack message identifying what was wrong with the
// line that failed to parse.
func nackFor(seq uint32, perr *ParseError) Message {
	m := Message{MsgType: "nack", Sequence: seq}
	if perr.MissingField != "" {
		m.MissingField = perr.MissingField
	}
	return m
}
