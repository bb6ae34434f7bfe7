// Package session runs one exam module for one candidate: it owns the timer,
// navigator, answers, flags and (for Speaking) the recorder, and is the only
// place that moves a module to a terminal state.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/bandexam/internal/answers"
	"github.com/pavelanni/bandexam/internal/events"
	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/navigator"
	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/scoring"
	"github.com/pavelanni/bandexam/internal/timer"
)

// autosaveEvery is how often the timer tick writes a draft.
const autosaveEvery = 30 * time.Second

// clipPrefix marks a Speaking answer backed by a recording.
const clipPrefix = "clip:"

// ResultStore is the local durable cache.
type ResultStore interface {
	SaveResult(r model.ScoreResult) (bool, error)
	GetResult(key string) (*model.ScoreResult, error)
	UpdateRecordings(key string, recs []model.Recording) error
	MarkSynced(key string) error
	SaveDraft(d model.Draft) error
	GetDraft(key string) (*model.Draft, error)
	DeleteDraft(key string) error
	SetExamInfo(info model.ExamInfo) error
}

// Syncer relays a submitted result to the remote result store.
type Syncer interface {
	Sync(ctx context.Context, r model.ScoreResult) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Scorer        *scoring.Scorer
	Store         ResultStore
	Syncer        Syncer
	Uploader      recording.Uploader
	Events        events.Publisher
	Logger        *slog.Logger
	NewDevice     func() recording.Device
	ContentType   string
	UploadTimeout time.Duration
	SyncTimeout   time.Duration
	TimeWarning   time.Duration
	Clock         func() time.Time
	TickInterval  time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Scorer == nil {
		d.Scorer = scoring.Default()
	}
	if d.Events == nil {
		d.Events = events.NopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewDevice == nil {
		d.NewDevice = func() recording.Device { return recording.NewChunkDevice(d.ContentType) }
	}
	if d.ContentType == "" {
		d.ContentType = "audio/webm"
	}
	if d.UploadTimeout == 0 {
		d.UploadTimeout = 30 * time.Second
	}
	if d.SyncTimeout == 0 {
		d.SyncTimeout = 15 * time.Second
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.TickInterval == 0 {
		d.TickInterval = timer.DefaultInterval
	}
	return d
}

// Session is the state of one module attempt.
type Session struct {
	id     string
	examID string
	module model.ExamModule
	deps   Deps
	logger *slog.Logger

	answers *answers.Store
	flags   *answers.FlagSet
	nav     *navigator.Navigator
	timer   *timer.Controller
	rec     *recording.Recorder
	device  recording.Device

	mu        sync.Mutex
	state     State
	remaining time.Duration
	notices   []model.Notice
	upload    recording.Progress
	lastSave  time.Time
	ended     time.Time
	done      chan struct{}
	outcome   Outcome
}

func newSession(id, examID string, m model.ExamModule, deps Deps) *Session {
	s := &Session{
		id:        id,
		examID:    examID,
		module:    m,
		deps:      deps,
		answers:   answers.New(),
		flags:     answers.NewFlagSet(),
		state:     StateAwaitingInstructions,
		remaining: time.Duration(m.Duration) * time.Second,
	}
	s.logger = deps.Logger.With("session_id", id, "exam_id", examID, "module", m.Kind)

	var lock navigator.Locker
	if m.Kind == model.ModuleSpeaking {
		s.device = deps.NewDevice()
		s.rec = recording.NewRecorder(s.device, deps.ContentType)
		lock = s.rec
	}
	s.nav = navigator.New(m, lock)

	opts := []timer.Option{
		timer.WithClock(deps.Clock),
		timer.WithInterval(deps.TickInterval),
		timer.WithTickHook(s.onTick),
	}
	if deps.TimeWarning > 0 {
		opts = append(opts, timer.WithWarning(deps.TimeWarning, s.onWarning))
	}
	s.timer = timer.New(s.onExpire, opts...)
	return s
}

// restore applies a draft to a fresh session. The module clock ran on while
// the module was away, so the time left is measured against the draft's
// deadline; drafts without one fall back to the saved remaining seconds.
func (s *Session) restore(d model.Draft) {
	saved := make(map[int]string, len(d.Answers))
	for id, v := range d.Answers {
		// Clips live only in memory and do not survive a restart.
		if strings.HasPrefix(v, clipPrefix) {
			continue
		}
		saved[id] = v
	}
	s.answers = answers.Restore(saved)
	s.flags = answers.NewFlagSet(d.Flags...)
	if err := s.nav.Restore(d.Section, d.Question); err != nil {
		s.logger.Warn("draft position out of range, starting at first question", "error", err)
	}
	full := time.Duration(s.module.Duration) * time.Second
	remaining := full
	switch {
	case !d.Deadline.IsZero():
		remaining = d.Deadline.Sub(s.deps.Clock()).Round(time.Second)
	case d.Remaining >= 0:
		remaining = time.Duration(d.Remaining) * time.Second
	}
	s.remaining = min(max(remaining, 0), full)
}

// resume continues a module restored from a draft. Its instructions were
// dismissed before it was left, so the clock restarts at once. A deadline
// that passed in the meantime submits the module as expired.
func (s *Session) resume(ctx context.Context) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.mu.Unlock()
		remaining, err := s.begin(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("module resumed", "remaining", remaining)
		s.publish(ctx, events.SessionResumed, nil)
		s.autosave()
		return nil
	}
	if err := checkTransition(s.state, StateInProgress); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateInProgress
	s.mu.Unlock()

	s.logger.Info("module deadline passed while away")
	_, err := s.Finalize(ctx, model.TriggerExpired)
	return err
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Key returns the local cache key of the module.
func (s *Session) Key() string { return model.ResultKey(s.examID, s.module.Kind) }

// Module returns the loaded module content.
func (s *Session) Module() model.ExamModule { return s.module }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identifiers shared with the security monitor.
func (s *Session) Identity() model.ExamInfo {
	return model.ExamInfo{ExamID: s.examID, SessionID: s.id}
}

// DismissInstructions starts the module. For Speaking the capture device is
// opened; failing to open it raises a notice but does not stop the module.
func (s *Session) DismissInstructions(ctx context.Context) error {
	remaining, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("module started", "remaining", remaining)
	s.publish(ctx, events.SessionStarted, nil)
	s.autosave()
	return nil
}

// begin starts the clock and, for Speaking, opens the capture device.
func (s *Session) begin(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	if err := checkTransition(s.state, StateInProgress); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	remaining := s.remaining
	// The ticker outlives the request that started the module.
	if err := s.timer.Run(context.WithoutCancel(ctx), remaining); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("start timer: %w", err)
	}
	s.state = StateInProgress
	s.mu.Unlock()

	if s.rec != nil {
		s.openDevice(ctx)
	}
	return remaining, nil
}

// RetryDevice re-attempts acquiring the capture device.
func (s *Session) RetryDevice(ctx context.Context) error {
	if s.rec == nil {
		return ErrNotSpeaking
	}
	if err := s.requireInProgress(); err != nil {
		return err
	}
	if !s.openDevice(ctx) {
		return recording.ErrDeviceUnavailable
	}
	return nil
}

// ReportDevice applies the client's report that the capture device became
// available or was lost. Losing it cancels any capture in progress, releases
// the stream and raises the device notice; regaining it reopens the stream.
func (s *Session) ReportDevice(ctx context.Context, available bool, reason string) error {
	if s.rec == nil {
		return ErrNotSpeaking
	}
	if err := s.requireInProgress(); err != nil {
		return err
	}
	if sw, ok := s.device.(recording.Switchable); ok {
		sw.SetAvailable(available)
	}
	if available {
		return s.RetryDevice(ctx)
	}

	if reason == "" {
		reason = recording.ErrDeviceUnavailable.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	qid := s.rec.Active()
	if err := s.rec.Close(); err != nil {
		s.logger.Warn("release capture device", "error", err)
	}
	if qid != 0 {
		s.answers.Clear(qid)
	}
	s.dropNoticeLocked(model.NoticeDeviceUnavailable)
	s.notices = append(s.notices, model.Notice{Code: model.NoticeDeviceUnavailable, Detail: reason})
	s.logger.Warn("capture device lost", "reason", reason, "cancelled_question_id", qid)
	return nil
}

func (s *Session) openDevice(ctx context.Context) bool {
	err := s.rec.Open(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNoticeLocked(model.NoticeDeviceUnavailable)
	if err != nil {
		s.logger.Warn("capture device unavailable", "error", err)
		s.notices = append(s.notices, model.Notice{Code: model.NoticeDeviceUnavailable, Detail: err.Error()})
		return false
	}
	return true
}

// SetAnswer stores a value for a question. Any value is accepted.
func (s *Session) SetAnswer(questionID int, value string) error {
	if _, ok := s.module.Question(questionID); !ok {
		return fmt.Errorf("question %d: %w", questionID, navigator.ErrOutOfRange)
	}
	s.mu.Lock()
	if s.state != StateInProgress {
		s.mu.Unlock()
		return fmt.Errorf("set answer in %s: %w", s.state, ErrInvalidTransition)
	}
	s.answers.SetAnswer(questionID, value)
	s.mu.Unlock()
	s.autosave()
	return nil
}

// ToggleFlag flips the review flag of a question and returns the new value.
func (s *Session) ToggleFlag(questionID int) (bool, error) {
	if _, ok := s.module.Question(questionID); !ok {
		return false, fmt.Errorf("question %d: %w", questionID, navigator.ErrOutOfRange)
	}
	s.mu.Lock()
	if s.state != StateInProgress {
		s.mu.Unlock()
		return false, fmt.Errorf("toggle flag in %s: %w", s.state, ErrInvalidTransition)
	}
	flagged := s.flags.Toggle(questionID)
	s.mu.Unlock()
	s.autosave()
	return flagged, nil
}

// Next moves to the following question.
func (s *Session) Next() (navigator.Position, error) {
	return s.move(s.nav.Next)
}

// Previous moves to the preceding question.
func (s *Session) Previous() (navigator.Position, error) {
	return s.move(s.nav.Previous)
}

// JumpTo moves to a question by section and index within the section.
func (s *Session) JumpTo(section, question int) (navigator.Position, error) {
	return s.move(func() (bool, error) {
		return true, s.nav.JumpTo(section, question)
	})
}

// JumpToID moves to a question by id.
func (s *Session) JumpToID(questionID int) (navigator.Position, error) {
	return s.move(func() (bool, error) {
		return true, s.nav.JumpToID(questionID)
	})
}

func (s *Session) move(fn func() (bool, error)) (navigator.Position, error) {
	s.mu.Lock()
	if s.state != StateInProgress {
		s.mu.Unlock()
		return s.nav.Position(), fmt.Errorf("navigate in %s: %w", s.state, ErrInvalidTransition)
	}
	moved, err := fn()
	s.mu.Unlock()
	if err != nil {
		return s.nav.Position(), err
	}
	if moved {
		s.autosave()
	}
	return s.nav.Position(), nil
}

// StartRecording begins capturing an answer to the current question.
func (s *Session) StartRecording() (int, error) {
	if s.rec == nil {
		return 0, ErrNotSpeaking
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return 0, fmt.Errorf("start recording in %s: %w", s.state, ErrInvalidTransition)
	}
	qid := s.nav.Current().ID
	if err := s.rec.Start(qid); err != nil {
		return qid, err
	}
	s.logger.Info("recording started", "question_id", qid)
	return qid, nil
}

// StopRecording ends the current capture and records the clip as the answer.
func (s *Session) StopRecording() (model.Recording, error) {
	if s.rec == nil {
		return model.Recording{}, ErrNotSpeaking
	}
	s.mu.Lock()
	if s.state != StateInProgress {
		s.mu.Unlock()
		return model.Recording{}, fmt.Errorf("stop recording in %s: %w", s.state, ErrInvalidTransition)
	}
	rec, err := s.rec.Stop()
	if err == nil {
		s.answers.SetAnswer(rec.QuestionID, clipAnswer(rec.QuestionID))
	}
	s.mu.Unlock()
	if err != nil {
		return rec, err
	}
	s.logger.Info("recording stopped", "question_id", rec.QuestionID, "duration_ms", rec.DurationMS)
	s.autosave()
	return rec, nil
}

// DiscardRecording drops the capture in progress.
func (s *Session) DiscardRecording() error {
	if s.rec == nil {
		return ErrNotSpeaking
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return fmt.Errorf("discard recording in %s: %w", s.state, ErrInvalidTransition)
	}
	qid := s.rec.Active()
	if err := s.rec.Discard(); err != nil {
		return err
	}
	s.answers.Clear(qid)
	return nil
}

// WriteMedia feeds captured media into the device stream.
func (s *Session) WriteMedia(p []byte) (int, error) {
	if s.rec == nil {
		return 0, ErrNotSpeaking
	}
	w, ok := s.rec.Stream().(io.Writer)
	if !ok {
		return 0, recording.ErrNoStream
	}
	return w.Write(p)
}

// Summary is shown to the candidate before voluntary submission.
type Summary struct {
	Answered   int   `json:"answered"`
	Total      int   `json:"total"`
	Unanswered []int `json:"unanswered"`
	Flagged    []int `json:"flagged"`
	IsLast     bool  `json:"is_last"`
}

// Summary returns answered and flagged counts for the pre-submit check.
func (s *Session) Summary() Summary {
	ids := s.module.QuestionIDs()
	return Summary{
		Answered:   s.answers.AnsweredCount(),
		Total:      len(ids),
		Unanswered: s.answers.Unanswered(ids),
		Flagged:    s.flags.Flagged(),
		IsLast:     s.nav.IsLast(),
	}
}

// Abandon leaves the module without submitting. The draft is kept so the
// module can be resumed, and the capture device is released.
func (s *Session) Abandon(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("abandon while %s: %w", s.state, ErrInvalidTransition)
	}
	if err := checkTransition(s.state, StateAbandoned); err != nil {
		s.mu.Unlock()
		return err
	}
	wasRunning := s.state == StateInProgress
	s.state = StateAbandoned
	s.ended = s.deps.Clock()
	s.mu.Unlock()

	left := s.timer.Stop()
	if wasRunning {
		s.saveDraft(left)
	}
	s.releaseDevice()
	s.logger.Info("module abandoned", "remaining", left)
	return nil
}

// View is the candidate-facing snapshot of a session.
type View struct {
	ID         string              `json:"id"`
	ExamID     string              `json:"exam_id"`
	Module     model.ModuleKind    `json:"module"`
	Set        int                 `json:"set"`
	State      State               `json:"state"`
	Remaining  int                 `json:"remaining_seconds"`
	Position   navigator.Position  `json:"position"`
	Section    SectionView         `json:"section"`
	Question   QuestionView        `json:"question"`
	Answered   int                 `json:"answered"`
	Total      int                 `json:"total"`
	Flagged    []int               `json:"flagged"`
	Recordings []model.Recording   `json:"recordings,omitempty"`
	Capturing  bool                `json:"capturing,omitempty"`
	HasDevice  bool                `json:"has_device,omitempty"`
	Upload     *recording.Progress `json:"upload,omitempty"`
	Notices    []model.Notice      `json:"notices,omitempty"`
	Outcome    *Outcome            `json:"outcome,omitempty"`
}

// SectionView describes the current section without its questions.
type SectionView struct {
	Label        string `json:"label"`
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
	Resource     string `json:"resource,omitempty"`
}

// QuestionView is a question as shown to the candidate; the answer key is
// never included.
type QuestionView struct {
	ID        int                   `json:"id"`
	Type      model.QuestionType    `json:"type"`
	Prompt    string                `json:"prompt"`
	Options   []string              `json:"options,omitempty"`
	MinWords  int                   `json:"min_words,omitempty"`
	Answer    string                `json:"answer"`
	Flagged   bool                  `json:"flagged"`
	Recording model.RecordingStatus `json:"recording,omitempty"`
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	pos := s.nav.Position()
	q := s.nav.Current()
	sec := s.module.Sections[pos.Section]
	answer, _ := s.answers.Answer(q.ID)

	v := View{
		ID:        s.id,
		ExamID:    s.examID,
		Module:    s.module.Kind,
		Set:       s.module.Set,
		Remaining: int(s.Remaining().Seconds()),
		Position:  pos,
		Section: SectionView{
			Label:        s.module.Kind.SectionLabel(),
			Title:        sec.Title,
			Instructions: sec.Instructions,
			Resource:     sec.Resource,
		},
		Question: QuestionView{
			ID:       q.ID,
			Type:     q.Type,
			Prompt:   q.Prompt,
			Options:  q.Options,
			MinWords: q.MinWords,
			Answer:   answer,
			Flagged:  s.flags.IsFlagged(q.ID),
		},
		Answered: s.answers.AnsweredCount(),
		Total:    pos.Total,
		Flagged:  s.flags.Flagged(),
	}
	if s.rec != nil {
		v.Question.Recording = s.rec.Status(q.ID)
		v.Recordings = s.rec.Recordings()
		v.Capturing = s.rec.IsCapturing()
		v.HasDevice = s.rec.HasStream()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v.State = s.state
	v.Notices = append([]model.Notice(nil), s.notices...)
	if s.upload.Total > 0 {
		up := s.upload
		v.Upload = &up
	}
	if s.state == StateSubmitted {
		out := s.outcome
		v.Outcome = &out
		v.Recordings = out.Result.Recordings
	}
	return v
}

// Remaining returns the time left on the module clock.
func (s *Session) Remaining() time.Duration {
	if s.timer.State() == timer.StateIdle {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.remaining
	}
	return s.timer.Remaining()
}

// endedAt reports when the session reached Submitted or Abandoned.
func (s *Session) endedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, !s.ended.IsZero()
}

func (s *Session) requireInProgress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return fmt.Errorf("module is %s: %w", s.state, ErrInvalidTransition)
	}
	return nil
}

func (s *Session) onExpire() {
	s.logger.Info("module time expired")
	if _, err := s.Finalize(context.Background(), model.TriggerExpired); err != nil {
		s.logger.Error("finalize on expiry failed", "error", err)
	}
}

func (s *Session) onWarning(remaining time.Duration) {
	s.publish(context.Background(), events.SessionTimeWarning,
		events.TimeWarningData{RemainingSeconds: int(remaining.Seconds())})
}

func (s *Session) onTick(remaining time.Duration) {
	s.mu.Lock()
	due := s.state == StateInProgress && s.deps.Clock().Sub(s.lastSave) >= autosaveEvery
	s.mu.Unlock()
	if due {
		s.saveDraft(remaining)
	}
}

func (s *Session) autosave() {
	s.saveDraft(s.Remaining())
}

func (s *Session) saveDraft(remaining time.Duration) {
	if s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	if s.state != StateInProgress && s.state != StateAbandoned {
		s.mu.Unlock()
		return
	}
	now := s.deps.Clock()
	s.lastSave = now
	s.mu.Unlock()

	pos := s.nav.Position()
	d := model.Draft{
		ExamID:    s.examID,
		Module:    s.module.Kind,
		Set:       s.module.Set,
		Answers:   s.answers.Snapshot(),
		Flags:     s.flags.Flagged(),
		Section:   pos.Section,
		Question:  pos.Question,
		Remaining: int(remaining.Seconds()),
		Deadline:  now.Add(remaining).UTC(),
	}
	if err := s.deps.Store.SaveDraft(d); err != nil {
		s.logger.Warn("autosave failed", "error", err)
	}
}

func (s *Session) releaseDevice() {
	if s.rec == nil {
		return
	}
	if err := s.rec.Close(); err != nil {
		s.logger.Warn("release capture device", "error", err)
	}
}

func (s *Session) publish(ctx context.Context, t events.Type, data any) {
	e := events.New(t, s.examID, s.id, s.module.Kind, data)
	if err := s.deps.Events.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event failed", "event_type", t, "error", err)
	}
}

func (s *Session) addNotice(n model.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *Session) dropNoticeLocked(code model.NoticeCode) {
	kept := s.notices[:0]
	for _, n := range s.notices {
		if n.Code != code {
			kept = append(kept, n)
		}
	}
	s.notices = kept
}

func clipAnswer(questionID int) string {
	return clipPrefix + strconv.Itoa(questionID)
}
