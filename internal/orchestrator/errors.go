// Package orchestrator implements the orchestrator adapter: northbound
// REST from the orchestrator, southbound REST to it, and the glue that
// turns pulse and guest-channel events into outbound reports and
// instance-record updates.
package orchestrator

import (
	"encoding/json"
	"net/http"
)

// reason is the closed set of error reasons the northbound API may
// return.
type reason string

const (
	reasonParseError      reason = "command parse error"
	reasonNoBuffer        reason = "no buffer"
	reasonNotFound        reason = "entity not found"
	reasonInvalidData     reason = "invalid data"
	reasonBadState        reason = "bad state"
	reasonUnsupportedVerb reason = "unsupported http command"
)

type errorBody struct {
	Status string `json:"status"`
	Reason reason `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, r reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: "fail", Reason: r})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
