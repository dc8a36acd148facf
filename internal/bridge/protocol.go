// Package bridge exposes app operations to the desktop shell over a
// local unix socket. Each connection carries newline-delimited JSON:
// one Command per request line, one Response per reply line, matched
// by ID.
package bridge

import (
	"encoding/json"
	"time"
)

type Command struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Actions the shell can invoke.
const (
	ActionStartSession = "startSession"
	ActionStopSession  = "stopSession"
	ActionLogin        = "login"
	ActionListEvents   = "listEvents"
	ActionListMeetings = "listMeetings"
	ActionSaveNote     = "saveNote"
	ActionStatus       = "status"
)
