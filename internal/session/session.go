// Package session persists the per-LINE-user conversation state that
// drives the chat intake flow. One row per LINE user id; callers do a
// full read-modify-write and the last writer wins.
package session

import "time"

// Window is how long a session may stay silent before it lapses. Both
// the read path (expiry-on-read) and the expiry scheduler use it.
const Window = 15 * time.Minute

// Step identifies where the user is in the intake conversation.
type Step string

const (
	StepIdle        Step = "idle"
	StepAskName     Step = "ask_name"
	StepAskPhone    Step = "ask_phone"
	StepAskDetail   Step = "ask_detail"
	StepAskPriority Step = "ask_priority"
	StepWaitImage   Step = "wait_image"
)

// PendingFile describes a downloaded media item that has not yet been
// promoted to permanent storage. It lives only inside the session.
type PendingFile struct {
	TempPath     string `json:"temp_path"`
	OriginalName string `json:"original_name"`
	MIMEType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Kind         string `json:"kind"`
}

// Data holds the fields accumulated across intake steps.
type Data struct {
	Name         string        `json:"name,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Priority     int           `json:"priority,omitempty"`
	UserID       int64         `json:"user_id,omitempty"`
	TicketID     int64         `json:"ticket_id,omitempty"`
	PendingFiles []PendingFile `json:"pending_files,omitempty"`
	// LastAckByKind records, per media kind, when the "upload
	// received" acknowledgement was last sent (unix millis). It is
	// persisted together with the rest of the session so concurrent
	// media events cannot each believe they are first.
	LastAckByKind   map[string]int64 `json:"last_ack_by_kind,omitempty"`
	Warned          bool             `json:"warned,omitempty"`
	ExpiredNotified bool             `json:"expired_notified,omitempty"`
}

// Session is the full per-user record.
type Session struct {
	Step       Step      `json:"step"`
	Data       Data      `json:"data"`
	RetryCount int       `json:"retry_count"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session's absolute deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Touch extends the session's deadline by a fresh window.
func (s *Session) Touch(now time.Time) { s.ExpiresAt = now.Add(Window) }
