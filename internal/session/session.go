// Package session owns the conversation→execution-session map. Each
// live conversation holds exactly one execution session; entries are
// reserved synchronously before any network work so concurrent
// messages from the same conversation cannot double-start, and torn
// down when idle.
package session

import (
	"context"
	"time"

	"github.com/harbinger-ai/harbinger/internal/storage"
)

// HistoryMessage is one turn of assembled platform history used to
// seed a cold-started session.
type HistoryMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Attachment is an inbound file before it has been uploaded to the
// storage collaborator.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// StartRequest asks the execution collaborator to create a session.
type StartRequest struct {
	SessionID   string
	AgentID     string
	Model       string
	SeedHistory []HistoryMessage
}

// SendRequest forwards one message into a running session.
type SendRequest struct {
	SessionID   string
	Text        string
	Model       string
	ReplyToID   string
	Attachments []storage.Object
}

// Hooks receive server-pushed session events. All callbacks are
// optional and are invoked from the runner's receive goroutine.
type Hooks struct {
	OnOutput    func(sessionID, text string)
	OnToolStart func(sessionID, tool string)
	OnToolEnd   func(sessionID, tool string)
	OnStepEnd   func(sessionID string)
}

// Runner is the agent execution collaborator. RegisterHooks returns a
// disposer that unregisters the hook set.
type Runner interface {
	StartSession(ctx context.Context, req StartRequest) error
	SendMessage(ctx context.Context, req SendRequest) error
	StopSession(ctx context.Context, sessionID string) error
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
	RegisterHooks(h Hooks) (func(), error)
}
