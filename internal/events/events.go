package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/bandexam/internal/model"
)

// Type identifies an exam session event.
type Type string

const (
	SessionStarted     Type = "session.started"
	SessionResumed     Type = "session.resumed"
	SessionIdentity    Type = "session.identity"
	SessionTimeWarning Type = "session.time_warning"
	ModuleSubmitted    Type = "module.submitted"
)

// Event is the envelope published for every session event.
type Event struct {
	ID        string           `json:"id"`
	Type      Type             `json:"type"`
	ExamID    string           `json:"exam_id"`
	SessionID string           `json:"session_id"`
	Module    model.ModuleKind `json:"module"`
	Timestamp time.Time        `json:"timestamp"`
	Data      any              `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current time.
func New(t Type, examID, sessionID string, module model.ModuleKind, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ExamID:    examID,
		SessionID: sessionID,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SubmittedData is the payload of a module.submitted event.
type SubmittedData struct {
	Band          float64             `json:"band"`
	Raw           int                 `json:"raw"`
	MaxRaw        int                 `json:"max_raw"`
	Trigger       model.SubmitTrigger `json:"trigger"`
	PendingReview bool                `json:"pending_review"`
	Recordings    int                 `json:"recordings"`
	Uploaded      int                 `json:"uploaded"`
	Notices       []model.NoticeCode  `json:"notices,omitempty"`
}

// TimeWarningData is the payload of a session.time_warning event.
type TimeWarningData struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// IdentityData carries the exam identity for the security monitor.
type IdentityData struct {
	CandidateID string `json:"candidate_id,omitempty"`
	TestDate    string `json:"test_date,omitempty"`
}
