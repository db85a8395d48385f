// Package event implements the value objects that flow over the
// Messenger's Events channel: terminal and creation signals the Worker
// and Indexer emit and the Publisher consumes to decide run
// completion.
package event

import "encoding/json"

// Type distinguishes a creation signal from the two terminal signals.
type Type string

const (
	// Create signals that a child document was produced and is about
	// to be sent to the destination queue. Non-terminal.
	Create Type = "CREATE"
	// Finish signals that a document was successfully indexed. Terminal.
	Finish Type = "FINISH"
	// Fail signals that a document failed processing or indexing.
	// Terminal.
	Fail Type = "FAIL"
)

// Status carries the outcome alongside Type; for CREATE it is always
// Success (a CREATE event represents the fact of creation, not an
// outcome).
type Status string

const (
	Success Status = "SUCCESS"
	Failure Status = "FAILURE"
)

// Event is the wire record exchanged over the Events channel. Events
// are value objects — they never carry a reference to the originating
// Document.
type Event struct {
	DocumentID string  `json:"document_id"`
	RunID      string  `json:"run_id"`
	Type       Type    `json:"type"`
	Status     Status  `json:"status"`
	Message    *string `json:"message,omitempty"`
}

// NewCreate builds a CREATE/SUCCESS event for a child document.
func NewCreate(documentID, runID string) Event {
	return Event{DocumentID: documentID, RunID: runID, Type: Create, Status: Success}
}

// NewFinish builds a FINISH/SUCCESS event.
func NewFinish(documentID, runID string) Event {
	return Event{DocumentID: documentID, RunID: runID, Type: Finish, Status: Success}
}

// NewFail builds a FAIL/FAILURE event carrying the first-line reason.
// Deeper stack traces belong in logs, not the event.
func NewFail(documentID, runID, reason string) Event {
	return Event{DocumentID: documentID, RunID: runID, Type: Fail, Status: Failure, Message: &reason}
}

// IsTerminal reports whether e concludes a document's lifecycle
// (FINISH or FAIL); CREATE is non-terminal.
func (e Event) IsTerminal() bool {
	return e.Type == Finish || e.Type == Fail
}

// Marshal encodes e as UTF-8 JSON, the Events channel's wire format.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an Event from JSON.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
