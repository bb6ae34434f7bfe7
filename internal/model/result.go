package model

import (
	"fmt"
	"time"
)

// ResultKey returns the local cache key for a module of an exam session.
func ResultKey(examID string, module ModuleKind) string {
	return fmt.Sprintf("%s_%s", examID, module)
}

// SubmitTrigger records what caused a module to be submitted.
type SubmitTrigger string

const (
	TriggerConfirmed SubmitTrigger = "confirmed"
	TriggerExpired   SubmitTrigger = "expired"
	TriggerFinished  SubmitTrigger = "finished"
)

// RecordingStatus is the per-question state of a spoken answer.
type RecordingStatus string

const (
	RecordingNone         RecordingStatus = "not_recorded"
	RecordingActive       RecordingStatus = "recording"
	RecordingDone         RecordingStatus = "recorded"
	RecordingUploaded     RecordingStatus = "uploaded"
	RecordingUploadFailed RecordingStatus = "upload_failed"
)

// Recording describes one captured clip for a spoken question.
type Recording struct {
	QuestionID int             `json:"question_id"`
	Status     RecordingStatus `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Size       int             `json:"size"`
	Locator    string          `json:"locator,omitempty"`
}

// TaskBand is the provisional band for one Writing task.
type TaskBand struct {
	QuestionID int     `json:"question_id"`
	Words      int     `json:"words"`
	MinWords   int     `json:"min_words"`
	Band       float64 `json:"band"`
}

// ScoreResult is the outcome of a submitted module. It is created once and
// never recomputed.
type ScoreResult struct {
	ExamID        string         `json:"exam_id"`
	Module        ModuleKind     `json:"module"`
	Set           int            `json:"set"`
	Raw           int            `json:"raw"`
	MaxRaw        int            `json:"max_raw"`
	Band          float64        `json:"band"`
	TaskBands     []TaskBand     `json:"task_bands,omitempty"`
	Provisional   bool           `json:"provisional"`
	PendingReview bool           `json:"pending_review"`
	ExaminerBand  *float64       `json:"examiner_band,omitempty"`
	Answers       map[int]string `json:"answers"`
	Recordings    []Recording    `json:"recordings,omitempty"`
	TimeSpent     int            `json:"time_spent_seconds"`
	Trigger       SubmitTrigger  `json:"trigger"`
	ContentHash   string         `json:"content_hash,omitempty"`
	Synced        bool           `json:"synced"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// Key returns the local cache key of the result.
func (r ScoreResult) Key() string {
	return ResultKey(r.ExamID, r.Module)
}

// EffectiveBand returns the examiner band when present, otherwise the
// computed band. The second value is false while the module still awaits
// human evaluation.
func (r ScoreResult) EffectiveBand() (float64, bool) {
	if r.ExaminerBand != nil {
		return *r.ExaminerBand, true
	}
	if r.PendingReview {
		return 0, false
	}
	return r.Band, true
}

// UploadedLocators returns the remote locators of successfully uploaded clips.
func (r ScoreResult) UploadedLocators() []string {
	var out []string
	for _, rec := range r.Recordings {
		if rec.Status == RecordingUploaded && rec.Locator != "" {
			out = append(out, rec.Locator)
		}
	}
	return out
}

// Draft is the autosaved state of a module still in progress.
type Draft struct {
	ExamID    string         `json:"exam_id"`
	Module    ModuleKind     `json:"module"`
	Set       int            `json:"set"`
	Answers   map[int]string `json:"answers"`
	Flags     []int          `json:"flags"`
	Section   int            `json:"section"`
	Question  int            `json:"question"`
	Remaining int            `json:"remaining_seconds"`
	// Deadline is the wall-clock instant the module expires. The clock keeps
	// running while a module is abandoned, so a resume measures against it.
	Deadline  time.Time `json:"deadline,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the local cache key of the draft.
func (d Draft) Key() string {
	return ResultKey(d.ExamID, d.Module)
}

// ExamInfo holds exam-level identity shared with the security monitor.
type ExamInfo struct {
	ExamID      string `json:"exam_id"`
	CandidateID string `json:"candidate_id"`
	SessionID   string `json:"session_id"`
	TestDate    string `json:"test_date"`
}

// NoticeCode identifies a non-blocking condition shown to the candidate.
type NoticeCode string

const (
	NoticeUploadsIncomplete NoticeCode = "uploads_incomplete"
	NoticeSyncFailed        NoticeCode = "sync_failed"
	NoticeDeviceUnavailable NoticeCode = "device_unavailable"
	NoticePersistFailed     NoticeCode = "persist_failed"
)

// Notice is a non-blocking condition raised while running a module.
type Notice struct {
	Code   NoticeCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
	Count  int        `json:"count,omitempty"`
}
