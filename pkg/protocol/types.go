package protocol

import (
	"time"

	"github.com/harun/tandem/pkg/step"
)

// InboundType identifies a client frame.
type InboundType string

const (
	InboundUserMessage InboundType = "user-message"
	InboundInterrupt   InboundType = "interrupt"
	InboundReconnect   InboundType = "reconnect"
)

// OutboundType identifies a server frame.
type OutboundType string

const (
	OutboundSessionReady  OutboundType = "session-ready"
	OutboundStepCreated   OutboundType = "step-created"
	OutboundStepFragment  OutboundType = "step-fragment"
	OutboundStepCompleted OutboundType = "step-completed"
	OutboundSessionResync OutboundType = "session-resync"
	OutboundError         OutboundType = "error"
)

// Attachment is a file or resource reference sent with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Inbound is a frame received from the client.
type Inbound struct {
	Type         InboundType  `json:"type"`
	ID           string       `json:"id,omitempty"`
	Text         string       `json:"text,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	SessionToken string       `json:"session_token,omitempty"`
}

// UserMessage builds a user-message frame.
func UserMessage(text string, attachments ...Attachment) Inbound {
	return Inbound{Type: InboundUserMessage, Text: text, Attachments: attachments}
}

// Interrupt builds an interrupt frame.
func Interrupt() Inbound {
	return Inbound{Type: InboundInterrupt}
}

// Reconnect builds a reconnect frame for the given session token.
func Reconnect(token string) Inbound {
	return Inbound{Type: InboundReconnect, SessionToken: token}
}

// Outbound is a frame delivered to the client. Only the fields relevant to
// Type are populated.
type Outbound struct {
	Type      OutboundType   `json:"type"`
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id,omitempty"`
	StepID    string         `json:"id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Kind      step.Kind      `json:"kind,omitempty"`
	Name      string         `json:"name,omitempty"`
	Status    step.Status    `json:"status,omitempty"`
	Cause     string         `json:"cause,omitempty"`
	Fragment  *step.Fragment `json:"fragment,omitempty"`
	Snapshot  *step.Snapshot `json:"snapshot,omitempty"`
	Code      Code           `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Token     string         `json:"session_token,omitempty"`
	Resumed   bool           `json:"resumed,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// StepCreated describes a newly created step.
func StepCreated(s step.Step) Outbound {
	return Outbound{
		Type:      OutboundStepCreated,
		StepID:    s.ID,
		ParentID:  s.ParentID,
		RunID:     s.RunID,
		Kind:      s.Kind,
		Name:      s.Name,
		Status:    s.Status,
		Timestamp: s.CreatedAt.UnixMilli(),
	}
}

// StepFragment describes one appended content fragment.
func StepFragment(id string, f step.Fragment) Outbound {
	frag := f
	return Outbound{
		Type:      OutboundStepFragment,
		StepID:    id,
		Fragment:  &frag,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StepCompleted describes a step reaching a terminal status.
func StepCompleted(s step.Step) Outbound {
	ts := time.Now().UnixMilli()
	if s.CompletedAt != nil {
		ts = s.CompletedAt.UnixMilli()
	}
	return Outbound{
		Type:      OutboundStepCompleted,
		StepID:    s.ID,
		Status:    s.Status,
		Cause:     s.Cause,
		Timestamp: ts,
	}
}

// SessionResync carries a full tree snapshot that supersedes earlier frames.
func SessionResync(snap step.Snapshot) Outbound {
	return Outbound{
		Type:      OutboundSessionResync,
		Snapshot:  &snap,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SessionReady tells the client which session its connection is bound to.
func SessionReady(sessionID, token string, resumed bool) Outbound {
	return Outbound{
		Type:      OutboundSessionReady,
		SessionID: sessionID,
		Token:     token,
		Resumed:   resumed,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrorFrame reports an error to the client.
func ErrorFrame(code Code, message string) Outbound {
	return Outbound{
		Type:      OutboundError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}
