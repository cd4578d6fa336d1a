// Package artifact provides the lifecycle events recorded for a launch.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the kind of an artifact event.
type Kind string

const (
	KindLaunch     Kind = "launch"      // Launch arguments, once per run
	KindQueryStart Kind = "query-start" // Runnable about to be processed
	KindQueryText  Kind = "query-text"  // Resolved query text
	KindQueryID    Kind = "query-id"    // Id assigned by the service
	KindQueryInfo  Kind = "query-info"  // Terminal query info
	KindQueryError Kind = "query-error" // Failure while processing the runnable
)

// IsValid checks if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindLaunch, KindQueryStart, KindQueryText, KindQueryID, KindQueryInfo, KindQueryError:
		return true
	default:
		return false
	}
}

// IsFinal checks if the kind closes the event sequence of one query.
func (k Kind) IsFinal() bool {
	return k == KindQueryInfo || k == KindQueryError
}

// String implements Stringer interface.
func (k Kind) String() string {
	return string(k)
}

// Event is one recorded step of a launch.
type Event struct {
	Kind       Kind      `json:"kind"`
	Seq        int64     `json:"seq"`                   // Assigned by the sink
	LaunchID   string    `json:"launch_id,omitempty"`   // Assigned by the sink
	QueryIndex int       `json:"query_index,omitempty"` // 1-based position in the batch, 0 for launch
	RunnableID int       `json:"runnable_id,omitempty"`
	Time       time.Time `json:"time"`
	Payload    any       `json:"payload,omitempty"`
}

// MarshalPayload returns the payload encoded as JSON.
func (e *Event) MarshalPayload() ([]byte, error) {
	if e.Payload == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return data, nil
}

// StartPayload is recorded with query-start.
type StartPayload struct {
	RunnableID int    `json:"runnable_id"`
	Title      string `json:"title"`
	Optimized  bool   `json:"optimized"`
	Path       string `json:"path,omitempty"`
}

// TextPayload is recorded with query-text.
type TextPayload struct {
	Text     string         `json:"text"`
	Settings map[string]any `json:"settings,omitempty"`
}

// IDPayload is recorded with query-id.
type IDPayload struct {
	QueryID string `json:"query_id"`
	Link    string `json:"link,omitempty"`
}

// ErrorPayload is recorded with query-error.
type ErrorPayload struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
}
