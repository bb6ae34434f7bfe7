package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pavelanni/bandexam/internal/model"
)

// ResultClient relays submitted modules to the remote result store.
type ResultClient struct {
	base string
	http *http.Client
}

// NewResultClient creates a client for the result store at cfg.BaseURL.
func NewResultClient(cfg Config) *ResultClient {
	return &ResultClient{base: cfg.BaseURL, http: NewHTTPClient(cfg)}
}

type recordingRef struct {
	QuestionID int    `json:"question_id"`
	Locator    string `json:"locator"`
	DurationMS int64  `json:"duration_ms"`
}

type resultPayload struct {
	ExamID        string              `json:"exam_id"`
	Module        model.ModuleKind    `json:"module"`
	Set           int                 `json:"set"`
	Band          float64             `json:"band"`
	Raw           int                 `json:"raw"`
	MaxRaw        int                 `json:"max_raw"`
	Provisional   bool                `json:"provisional"`
	PendingReview bool                `json:"pending_review"`
	TaskBands     []model.TaskBand    `json:"task_bands,omitempty"`
	Answers       map[string]string   `json:"answers"`
	Recordings    []recordingRef      `json:"recordings"`
	TimeSpent     int                 `json:"time_spent_seconds"`
	Trigger       model.SubmitTrigger `json:"trigger"`
	SubmittedAt   time.Time           `json:"submitted_at"`
}

// Sync sends one module result. Only uploaded recordings are referenced.
func (c *ResultClient) Sync(ctx context.Context, r model.ScoreResult) error {
	const op = "sync result"
	p := resultPayload{
		ExamID:        r.ExamID,
		Module:        r.Module,
		Set:           r.Set,
		Band:          r.Band,
		Raw:           r.Raw,
		MaxRaw:        r.MaxRaw,
		Provisional:   r.Provisional,
		PendingReview: r.PendingReview,
		TaskBands:     r.TaskBands,
		Answers:       make(map[string]string, len(r.Answers)),
		Recordings:    []recordingRef{},
		TimeSpent:     r.TimeSpent,
		Trigger:       r.Trigger,
		SubmittedAt:   r.SubmittedAt,
	}
	for id, v := range r.Answers {
		p.Answers[strconv.Itoa(id)] = v
	}
	for _, rec := range r.Recordings {
		if rec.Status != model.RecordingUploaded {
			continue
		}
		p.Recordings = append(p.Recordings, recordingRef{
			QuestionID: rec.QuestionID,
			Locator:    rec.Locator,
			DurationMS: rec.DurationMS,
		})
	}

	body, err := json.Marshal(p)
	if err != nil {
		return encodingError(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		joinURL(c.base, "results", url.PathEscape(r.Key())), bytes.NewReader(body))
	if err != nil {
		return encodingError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return statusError(op, res)
}
