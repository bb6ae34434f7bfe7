package model

import "time"

// ResultExport is the top-level JSON structure for result export.
type ResultExport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Exams       []ExamResults `json:"exams"`
}

// ExamResults holds every submitted module of one exam session.
type ExamResults struct {
	ExamID      string         `json:"exam_id"`
	CandidateID string         `json:"candidate_id"`
	TestDate    string         `json:"test_date,omitempty"`
	Modules     []ModuleResult `json:"modules"`
	Overall     *float64       `json:"overall,omitempty"`
}

// ModuleResult holds per-module data for export.
type ModuleResult struct {
	Module        ModuleKind    `json:"module"`
	Set           int           `json:"set"`
	Raw           int           `json:"raw"`
	MaxRaw        int           `json:"max_raw"`
	Band          float64       `json:"band"`
	ExaminerBand  *float64      `json:"examiner_band,omitempty"`
	Provisional   bool          `json:"provisional"`
	PendingReview bool          `json:"pending_review"`
	Trigger       SubmitTrigger `json:"trigger"`
	TimeSpent     int           `json:"time_spent_seconds"`
	Answered      int           `json:"answered"`
	Recordings    int           `json:"recordings"`
	Uploaded      int           `json:"uploaded"`
	Synced        bool          `json:"synced"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}
