// Package recording captures one clip per spoken question from a shared
// device stream and uploads the clips at submission.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pavelanni/bandexam/internal/model"
)

var (
	// ErrAlreadyRecording is returned when a recording is already in progress.
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	// ErrNotRecording is returned when there is no recording to stop.
	ErrNotRecording = errors.New("no recording in progress")
	// ErrNoStream is returned when the device stream has not been acquired.
	ErrNoStream = errors.New("device stream not acquired")
	// ErrInvalidTransition is returned for a state change the pipeline does not allow.
	ErrInvalidTransition = errors.New("invalid recording state transition")
)

var transitions = map[model.RecordingStatus][]model.RecordingStatus{
	model.RecordingNone:   {model.RecordingActive},
	model.RecordingActive: {model.RecordingDone, model.RecordingNone},
	model.RecordingDone:   {model.RecordingActive, model.RecordingUploaded, model.RecordingUploadFailed},
}

// Clip is one captured answer.
type Clip struct {
	QuestionID  int
	Data        []byte
	ContentType string
	Duration    time.Duration
}

// Uploaded is what the media endpoint reports for a stored clip.
type Uploaded struct {
	Locator  string
	Duration time.Duration
}

// Uploader stores one clip remotely.
type Uploader interface {
	Upload(ctx context.Context, key string, clip Clip) (Uploaded, error)
}

// Progress is reported after each clip upload attempt.
type Progress struct {
	Done       int `json:"done"`
	Total      int `json:"total"`
	QuestionID int `json:"question_id"`
}

// UploadReport summarises an UploadAll run.
type UploadReport struct {
	Total    int
	Uploaded int
	Failed   []int
	Errors   map[int]error
}

// Incomplete reports whether any clip failed to upload.
func (r UploadReport) Incomplete() bool {
	return len(r.Failed) > 0
}

// Recorder owns the device stream of a Speaking module and the per-question
// recording state. At most one question is recording at a time.
type Recorder struct {
	mu          sync.Mutex
	device      Device
	stream      Stream
	contentType string
	active      int
	enc         Encoder
	recs        map[int]*model.Recording
	clips       map[int]Clip
}

// NewRecorder creates a Recorder for the given device.
func NewRecorder(device Device, contentType string) *Recorder {
	return &Recorder{
		device:      device,
		contentType: contentType,
		recs:        make(map[int]*model.Recording),
		clips:       make(map[int]Clip),
	}
}

// Open acquires the shared device stream. Calling Open with a stream
// already held is a no-op.
func (r *Recorder) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return nil
	}
	s, err := r.device.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire device: %w", errors.Join(ErrDeviceUnavailable, err))
	}
	r.stream = s
	return nil
}

// HasStream reports whether the device stream is held.
func (r *Recorder) HasStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Stream returns the held stream, or nil.
func (r *Recorder) Stream() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// IsCapturing reports whether a recording is in progress.
func (r *Recorder) IsCapturing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != 0
}

// Active returns the question being recorded, or 0.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start begins recording an answer to questionID. Starting on a recorded
// question replaces its clip.
func (r *Recorder) Start(questionID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != 0 {
		return ErrAlreadyRecording
	}
	if r.stream == nil {
		return ErrNoStream
	}
	prev := model.RecordingNone
	if rec, ok := r.recs[questionID]; ok {
		prev = rec.Status
	}
	if err := r.transition(questionID, model.RecordingActive); err != nil {
		return err
	}
	enc, err := r.stream.NewEncoder()
	if err != nil {
		r.setStatus(questionID, prev)
		return fmt.Errorf("open encoder: %w", errors.Join(ErrDeviceUnavailable, err))
	}
	delete(r.clips, questionID)
	r.recs[questionID].DurationMS = 0
	r.recs[questionID].Size = 0
	r.active = questionID
	r.enc = enc
	return nil
}

// Stop ends the current recording and keeps its clip.
func (r *Recorder) Stop() (model.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

// Discard ends the current recording and drops it.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == 0 {
		return ErrNotRecording
	}
	r.enc.Cancel()
	r.setStatus(r.active, model.RecordingNone)
	r.active = 0
	r.enc = nil
	return nil
}

// ForceStop stops any recording in progress, keeping the clip. It returns the
// question that was being recorded, or 0.
func (r *Recorder) ForceStop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == 0 {
		return 0
	}
	qid := r.active
	if _, err := r.stopLocked(); err != nil {
		slog.Warn("force stop recording failed", "question_id", qid, "error", err)
		return 0
	}
	return qid
}

// Close releases the device stream. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != 0 {
		r.enc.Cancel()
		r.setStatus(r.active, model.RecordingNone)
		r.active = 0
		r.enc = nil
	}
	if r.stream == nil {
		return nil
	}
	err := r.stream.Release()
	r.stream = nil
	if err != nil {
		return fmt.Errorf("release device: %w", err)
	}
	return nil
}

// Status returns the recording state of a question.
func (r *Recorder) Status(questionID int) model.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recs[questionID]; ok {
		return rec.Status
	}
	return model.RecordingNone
}

// Recordings returns every question that has a clip, ordered by question ID.
func (r *Recorder) Recordings() []model.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Recording
	for _, rec := range r.recs {
		if rec.Status == model.RecordingNone || rec.Status == model.RecordingActive {
			continue
		}
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b model.Recording) int { return a.QuestionID - b.QuestionID })
	return out
}

// UploadAll uploads every recorded clip one at a time. Each clip gets its own
// timeout; a failed clip is logged and skipped.
func (r *Recorder) UploadAll(ctx context.Context, up Uploader, keyPrefix string, timeout time.Duration, progress func(Progress)) UploadReport {
	r.mu.Lock()
	var pending []Clip
	for qid, rec := range r.recs {
		if rec.Status == model.RecordingDone {
			pending = append(pending, r.clips[qid])
		}
	}
	r.mu.Unlock()
	slices.SortFunc(pending, func(a, b Clip) int { return a.QuestionID - b.QuestionID })

	report := UploadReport{Total: len(pending), Errors: make(map[int]error)}
	for i, clip := range pending {
		key := fmt.Sprintf("%s/q%d", keyPrefix, clip.QuestionID)
		res, err := uploadOne(ctx, up, key, clip, timeout)

		r.mu.Lock()
		rec := r.recs[clip.QuestionID]
		if err != nil {
			r.setStatus(clip.QuestionID, model.RecordingUploadFailed)
			report.Failed = append(report.Failed, clip.QuestionID)
			report.Errors[clip.QuestionID] = err
		} else {
			r.setStatus(clip.QuestionID, model.RecordingUploaded)
			rec.Locator = res.Locator
			if res.Duration > 0 {
				rec.DurationMS = res.Duration.Milliseconds()
			}
			delete(r.clips, clip.QuestionID)
			report.Uploaded++
		}
		r.mu.Unlock()

		if err != nil {
			slog.Warn("clip upload failed", "key", key, "question_id", clip.QuestionID, "error", err)
		} else {
			slog.Info("clip uploaded", "key", key, "question_id", clip.QuestionID, "locator", res.Locator)
		}
		if progress != nil {
			progress(Progress{Done: i + 1, Total: len(pending), QuestionID: clip.QuestionID})
		}
	}
	return report
}

func uploadOne(ctx context.Context, up Uploader, key string, clip Clip, timeout time.Duration) (Uploaded, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return up.Upload(ctx, key, clip)
}

func (r *Recorder) stopLocked() (model.Recording, error) {
	if r.active == 0 {
		return model.Recording{}, ErrNotRecording
	}
	qid := r.active
	data, dur, err := r.enc.Stop()
	r.active = 0
	r.enc = nil
	if err != nil {
		r.setStatus(qid, model.RecordingNone)
		return model.Recording{}, fmt.Errorf("stop encoder: %w", err)
	}
	r.clips[qid] = Clip{QuestionID: qid, Data: data, ContentType: r.contentType, Duration: dur}
	rec := r.recs[qid]
	rec.DurationMS = dur.Milliseconds()
	rec.Size = len(data)
	r.setStatus(qid, model.RecordingDone)
	return *rec, nil
}

func (r *Recorder) transition(questionID int, to model.RecordingStatus) error {
	from := model.RecordingNone
	if rec, ok := r.recs[questionID]; ok {
		from = rec.Status
	}
	if !slices.Contains(transitions[from], to) {
		return fmt.Errorf("question %d %s -> %s: %w", questionID, from, to, ErrInvalidTransition)
	}
	r.setStatus(questionID, to)
	return nil
}

func (r *Recorder) setStatus(questionID int, s model.RecordingStatus) {
	rec, ok := r.recs[questionID]
	if !ok {
		rec = &model.Recording{QuestionID: questionID}
		r.recs[questionID] = rec
	}
	rec.Status = s
}
