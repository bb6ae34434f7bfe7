package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/bandexam/internal/events"
	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/navigator"
	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mapLoader map[model.ModuleKind]model.ExamModule

func (l mapLoader) Load(_ context.Context, kind model.ModuleKind, set int) (model.ExamModule, error) {
	m, ok := l[kind]
	if !ok {
		return model.ExamModule{}, fmt.Errorf("no %s content", kind)
	}
	m.Set = set
	return m, nil
}

// countingStore wraps the sqlite store and counts result writes.
type countingStore struct {
	*store.Store
	mu    sync.Mutex
	saves int
}

func (c *countingStore) SaveResult(r model.ScoreResult) (bool, error) {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Store.SaveResult(r)
}

func (c *countingStore) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSyncer) Sync(ctx context.Context, r model.ScoreResult) error {
	f.mu.Lock()
	f.calls++
	entered, release, err := f.entered, f.release, f.err
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return err
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUploader struct {
	fail map[int]bool
}

func (f *fakeUploader) Upload(_ context.Context, key string, clip recording.Clip) (recording.Uploaded, error) {
	if f.fail[clip.QuestionID] {
		return recording.Uploaded{}, errors.New("502 bad gateway")
	}
	return recording.Uploaded{Locator: "https://media.example/" + key, Duration: clip.Duration}, nil
}

func discreteModule(kind model.ModuleKind, n int) model.ExamModule {
	m := model.ExamModule{Kind: kind, Set: 1, Duration: 3600, Checksum: "sum"}
	per := n / 4
	for s := 0; s < 4; s++ {
		sec := model.Section{Title: fmt.Sprintf("Part %d", s+1)}
		for q := 0; q < per; q++ {
			id := s*per + q + 1
			sec.Questions = append(sec.Questions, model.Question{
				ID:            id,
				Type:          model.QuestionShortAnswer,
				Prompt:        fmt.Sprintf("Question %d", id),
				CorrectAnswer: fmt.Sprintf("Answer %d", id),
			})
		}
		m.Sections = append(m.Sections, sec)
	}
	return m
}

func speakingModule() model.ExamModule {
	m := model.ExamModule{Kind: model.ModuleSpeaking, Set: 1, Duration: 900}
	sizes := []int{4, 1, 6}
	id := 1
	for i, n := range sizes {
		sec := model.Section{Title: fmt.Sprintf("Part %d", i+1)}
		for range n {
			sec.Questions = append(sec.Questions, model.Question{ID: id, Type: model.QuestionSpoken, Prompt: "Talk"})
			id++
		}
		m.Sections = append(m.Sections, sec)
	}
	return m
}

type harness struct {
	mgr    *Manager
	store  *countingStore
	syncer *fakeSyncer
	events *events.MockPublisher
	clock  *fakeClock
	device *recording.ChunkDevice
}

func newHarness(t *testing.T, up recording.Uploader) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  &countingStore{Store: st},
		syncer: &fakeSyncer{},
		events: events.NewMockPublisher(),
		clock:  newFakeClock(),
		device: recording.NewChunkDevice("audio/webm"),
	}
	loader := mapLoader{
		model.ModuleListening: discreteModule(model.ModuleListening, 40),
		model.ModuleReading:   discreteModule(model.ModuleReading, 40),
		model.ModuleSpeaking:  speakingModule(),
	}
	h.mgr = NewManager(loader, Deps{
		Store:        h.store,
		Syncer:       h.syncer,
		Uploader:     up,
		Events:       h.events,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewDevice:    func() recording.Device { return h.device },
		Clock:        h.clock.Now,
		TickInterval: time.Hour,
		TimeWarning:  5 * time.Minute,
	})
	return h
}

func (h *harness) start(t *testing.T, kind model.ModuleKind) *Session {
	t.Helper()
	s, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: kind, CandidateID: "C-1"})
	require.NoError(t, err)
	require.NoError(t, s.DismissInstructions(context.Background()))
	return s
}

func TestInstructionsGate(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingInstructions, s.State())
	assert.ErrorIs(t, s.SetAnswer(1, "x"), ErrInvalidTransition)
	_, err = s.Finalize(context.Background(), model.TriggerConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 3600*time.Second, s.Remaining())

	require.NoError(t, s.DismissInstructions(context.Background()))
	assert.Equal(t, StateInProgress, s.State())
	assert.ErrorIs(t, s.DismissInstructions(context.Background()), ErrInvalidTransition)
	assert.Len(t, h.events.OfType(events.SessionStarted), 1)
	assert.Len(t, h.events.OfType(events.SessionIdentity), 1)
}

func TestReadingAllButLastCorrect(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)

	for id := 1; id <= 39; id++ {
		v := fmt.Sprintf("Answer %d", id)
		if id%2 == 0 {
			v = "  " + strings.ToUpper(v) + "\t"
		}
		require.NoError(t, s.SetAnswer(id, v))
	}
	h.clock.Advance(50 * time.Minute)

	out, err := s.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 39, out.Result.Raw)
	assert.Equal(t, 9.0, out.Result.Band)
	assert.Equal(t, 3000, out.Result.TimeSpent)
	assert.Equal(t, model.ModuleWriting, out.Next)
	assert.Empty(t, out.Notices)
	assert.True(t, out.Result.Synced)

	stored, err := h.store.GetResult("exam-1_reading")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, out.Result.Band, stored.Band)
	assert.Equal(t, out.Result.Raw, stored.Raw)
	assert.Equal(t, out.Result.Answers, stored.Answers)
	assert.True(t, stored.Synced)

	draft, err := h.store.GetDraft("exam-1_reading")
	require.NoError(t, err)
	assert.Nil(t, draft)
}

func TestExpiryRacingSubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.syncer.entered = make(chan struct{})
	h.syncer.release = make(chan struct{})
	s := h.start(t, model.ModuleListening)
	require.NoError(t, s.SetAnswer(1, "Answer 1"))

	first := make(chan Outcome, 1)
	go func() {
		out, err := s.Finalize(context.Background(), model.TriggerConfirmed)
		assert.NoError(t, err)
		first <- out
	}()
	<-h.syncer.entered
	assert.Equal(t, StateFinalizing, s.State())

	// Expiry arrives while the voluntary submit is still syncing.
	second := make(chan Outcome, 1)
	go func() {
		out, err := s.Finalize(context.Background(), model.TriggerExpired)
		assert.NoError(t, err)
		second <- out
	}()
	h.clock.Advance(2 * time.Hour)
	assert.False(t, s.timer.Tick())
	close(h.syncer.release)

	a, b := <-first, <-second
	assert.Equal(t, model.TriggerConfirmed, a.Result.Trigger)
	assert.Equal(t, a.Result.SubmittedAt, b.Result.SubmittedAt)
	assert.Equal(t, a.Result.Trigger, b.Result.Trigger)
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, 1, h.syncer.Calls())
	assert.Len(t, h.events.OfType(events.ModuleSubmitted), 1)
	assert.Equal(t, StateSubmitted, s.State())
}

func TestTimerExpirySubmitsAutomatically(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleListening)

	for id := 1; id <= 12; id++ {
		require.NoError(t, s.SetAnswer(id, fmt.Sprintf("answer %d", id)))
	}

	h.clock.Advance(56 * time.Minute)
	assert.True(t, s.timer.Tick())
	assert.Len(t, h.events.OfType(events.SessionTimeWarning), 1)

	h.clock.Advance(5 * time.Minute)
	assert.False(t, s.timer.Tick())

	assert.Equal(t, StateSubmitted, s.State())
	v := s.View()
	require.NotNil(t, v.Outcome)
	r := v.Outcome.Result
	assert.Equal(t, model.TriggerExpired, r.Trigger)
	assert.Equal(t, 12, r.Raw)
	assert.Equal(t, 40, r.MaxRaw)
	assert.Equal(t, 4.0, r.Band)
	assert.Equal(t, 3600, r.TimeSpent)
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, 1, h.syncer.Calls())

	// A late submit click gets the same outcome.
	out, err := s.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerExpired, out.Result.Trigger)
	assert.Equal(t, 1, h.store.Saves())
}

func TestFinishRequiresLastQuestion(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)

	_, err := s.Finalize(context.Background(), model.TriggerFinished)
	assert.ErrorIs(t, err, ErrNotLastQuestion)
	assert.Equal(t, StateInProgress, s.State())

	_, err = s.JumpToID(40)
	require.NoError(t, err)
	assert.True(t, s.Summary().IsLast)
	out, err := s.Finalize(context.Background(), model.TriggerFinished)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerFinished, out.Result.Trigger)
}

func TestSyncFailureStillSubmits(t *testing.T) {
	h := newHarness(t, nil)
	h.syncer.err = errors.New("connection refused")
	s := h.start(t, model.ModuleReading)

	out, err := s.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, s.State())
	require.Len(t, out.Notices, 1)
	assert.Equal(t, model.NoticeSyncFailed, out.Notices[0].Code)
	assert.False(t, out.Result.Synced)

	stored, err := h.store.GetResult(s.Key())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Synced)
}

func recordAnswer(t *testing.T, s *Session, qid int) {
	t.Helper()
	_, err := s.JumpToID(qid)
	require.NoError(t, err)
	got, err := s.StartRecording()
	require.NoError(t, err)
	require.Equal(t, qid, got)
	_, err = s.WriteMedia([]byte(fmt.Sprintf("clip-%d", qid)))
	require.NoError(t, err)
	_, err = s.StopRecording()
	require.NoError(t, err)
}

func TestSpeakingPartialUploadFailure(t *testing.T) {
	h := newHarness(t, &fakeUploader{fail: map[int]bool{3: true, 7: true}})
	s := h.start(t, model.ModuleSpeaking)
	require.True(t, s.View().HasDevice)

	for qid := 1; qid <= 8; qid++ {
		recordAnswer(t, s, qid)
	}

	out, err := s.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, s.State())
	assert.Empty(t, out.Next)

	r := out.Result
	assert.True(t, r.PendingReview)
	assert.Equal(t, 0.0, r.Band)
	assert.Zero(t, r.Raw)
	assert.Zero(t, r.MaxRaw)
	assert.Len(t, r.Recordings, 8)
	assert.Len(t, r.UploadedLocators(), 6)

	require.Len(t, out.Notices, 1)
	assert.Equal(t, model.NoticeUploadsIncomplete, out.Notices[0].Code)
	assert.Equal(t, 2, out.Notices[0].Count)

	stored, err := h.store.GetResult(s.Key())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.UploadedLocators(), 6)
	assert.True(t, stored.PendingReview)
	assert.False(t, s.rec.HasStream(), "device released")
}

func TestSpeakingNavigationLockedWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleSpeaking)

	_, err := s.StartRecording()
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, navigator.ErrNavigationLocked)
	_, err = s.JumpToID(5)
	assert.ErrorIs(t, err, navigator.ErrNavigationLocked)

	require.NoError(t, s.DiscardRecording())
	_, err = s.Next()
	assert.NoError(t, err)
	assert.Equal(t, 0, s.Summary().Answered)
}

func TestTimeoutForceStopsRecording(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	s := h.start(t, model.ModuleSpeaking)

	_, err := s.StartRecording()
	require.NoError(t, err)
	_, err = s.WriteMedia([]byte("partial"))
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	s.timer.Tick()

	require.Equal(t, StateSubmitted, s.State())
	r := s.View().Outcome.Result
	assert.Equal(t, model.TriggerExpired, r.Trigger)
	require.Len(t, r.Recordings, 1)
	assert.Equal(t, model.RecordingUploaded, r.Recordings[0].Status)
	assert.Equal(t, "clip:1", r.Answers[1])
	assert.False(t, s.rec.HasStream())
}

func TestDeviceUnavailableNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.device.SetAvailable(false)
	s := h.start(t, model.ModuleSpeaking)

	assert.Equal(t, StateInProgress, s.State())
	v := s.View()
	require.Len(t, v.Notices, 1)
	assert.Equal(t, model.NoticeDeviceUnavailable, v.Notices[0].Code)
	_, err := s.StartRecording()
	assert.ErrorIs(t, err, recording.ErrNoStream)

	assert.ErrorIs(t, s.RetryDevice(context.Background()), recording.ErrDeviceUnavailable)
	h.device.SetAvailable(true)
	require.NoError(t, s.RetryDevice(context.Background()))
	assert.Empty(t, s.View().Notices)
	recordAnswer(t, s, 1)
}

func TestReportDeviceLostMidRecording(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	s := h.start(t, model.ModuleSpeaking)
	recordAnswer(t, s, 1)

	_, err := s.JumpToID(2)
	require.NoError(t, err)
	_, err = s.StartRecording()
	require.NoError(t, err)

	require.NoError(t, s.ReportDevice(context.Background(), false, "permission revoked"))
	v := s.View()
	assert.False(t, v.HasDevice)
	assert.False(t, v.Capturing)
	assert.Equal(t, model.RecordingNone, v.Question.Recording)
	require.Len(t, v.Notices, 1)
	assert.Equal(t, model.Notice{Code: model.NoticeDeviceUnavailable, Detail: "permission revoked"}, v.Notices[0])
	assert.Equal(t, 1, s.Summary().Answered, "the cancelled capture is not an answer")

	_, err = s.Next()
	assert.NoError(t, err, "navigation unlocked")
	_, err = s.StartRecording()
	assert.ErrorIs(t, err, recording.ErrNoStream)
	assert.ErrorIs(t, s.RetryDevice(context.Background()), recording.ErrDeviceUnavailable)

	require.NoError(t, s.ReportDevice(context.Background(), true, ""))
	assert.True(t, s.View().HasDevice)
	assert.Empty(t, s.View().Notices)
	recordAnswer(t, s, 2)
	assert.Equal(t, 2, s.Summary().Answered)

	reading := h.start(t, model.ModuleReading)
	assert.ErrorIs(t, reading.ReportDevice(context.Background(), false, ""), ErrNotSpeaking)
}

func TestResumeFromDraft(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)

	require.NoError(t, s.SetAnswer(1, "Answer 1"))
	require.NoError(t, s.SetAnswer(2, "wrong"))
	_, err := s.ToggleFlag(2)
	require.NoError(t, err)
	_, err = s.JumpTo(1, 3)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, s.SetAnswer(14, "Answer 14"))
	require.NoError(t, s.Abandon(context.Background()))
	assert.Equal(t, StateAbandoned, s.State())

	resumed, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), resumed.ID())
	// The instructions were already dismissed; the clock runs straight away.
	assert.Equal(t, StateInProgress, resumed.State())
	assert.Equal(t, 50*time.Minute, resumed.Remaining())
	assert.ErrorIs(t, resumed.DismissInstructions(context.Background()), ErrInvalidTransition)
	assert.Len(t, h.events.OfType(events.SessionResumed), 1)

	v := resumed.View()
	assert.Equal(t, 1, v.Position.Section)
	assert.Equal(t, 3, v.Position.Question)
	assert.Equal(t, 14, v.Question.ID)
	assert.Equal(t, "Answer 14", v.Question.Answer)
	assert.Equal(t, 3, v.Answered)
	assert.Equal(t, []int{2}, v.Flagged)

	out, err := resumed.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Result.Raw)
	assert.Equal(t, 600, out.Result.TimeSpent)
}

func TestResumeCountsTimeAway(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)
	require.NoError(t, s.SetAnswer(1, "Answer 1"))
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, s.Abandon(context.Background()))

	h.clock.Advance(20 * time.Minute)
	resumed, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, resumed.State())
	assert.Equal(t, 30*time.Minute, resumed.Remaining())

	draft, err := h.store.GetDraft(resumed.Key())
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.True(t, draft.Deadline.Equal(h.clock.Now().Add(30*time.Minute)), "deadline unchanged by resume")

	out, err := resumed.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 1800, out.Result.TimeSpent)
}

func TestResumeAfterDeadlineSubmitsExpired(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)
	require.NoError(t, s.SetAnswer(1, "Answer 1"))
	require.NoError(t, s.SetAnswer(2, "Answer 2"))
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, s.Abandon(context.Background()))

	h.clock.Advance(3 * time.Hour)
	resumed, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, resumed.State())
	assert.Zero(t, resumed.Remaining())

	v := resumed.View()
	require.NotNil(t, v.Outcome)
	r := v.Outcome.Result
	assert.Equal(t, model.TriggerExpired, r.Trigger)
	assert.Equal(t, 2, r.Raw)
	assert.Equal(t, 3600, r.TimeSpent)
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, 1, h.syncer.Calls())
	assert.Empty(t, h.events.OfType(events.SessionResumed))

	draft, err := h.store.GetDraft(resumed.Key())
	require.NoError(t, err)
	assert.Nil(t, draft)
}

func TestStartReturnsSubmittedResult(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleReading)
	require.NoError(t, s.SetAnswer(1, "Answer 1"))
	first, err := s.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)

	// The same live session is returned while it is tracked.
	again, err := h.mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.Same(t, s, again)

	// A fresh manager over the same cache restores the submitted state.
	mgr := NewManager(mapLoader{model.ModuleReading: discreteModule(model.ModuleReading, 40)}, Deps{
		Store:  h.store,
		Syncer: h.syncer,
		Clock:  h.clock.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	restored, err := mgr.Start(context.Background(), StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, restored.State())

	out, err := restored.Finalize(context.Background(), model.TriggerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, first.Result.Raw, out.Result.Raw)
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, 1, h.syncer.Calls())
}

func TestSummaryAndAnswerIdempotence(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, model.ModuleListening)

	require.NoError(t, s.SetAnswer(3, "B"))
	require.NoError(t, s.SetAnswer(3, "B"))
	require.NoError(t, s.SetAnswer(5, "   "))
	flagged, err := s.ToggleFlag(7)
	require.NoError(t, err)
	assert.True(t, flagged)

	sum := s.Summary()
	assert.Equal(t, 1, sum.Answered)
	assert.Equal(t, 40, sum.Total)
	assert.Len(t, sum.Unanswered, 39)
	assert.Equal(t, []int{7}, sum.Flagged)

	assert.Error(t, s.SetAnswer(99, "x"))
}

func TestManagerValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.mgr.Start(context.Background(), StartRequest{Module: model.ModuleReading})
	assert.Error(t, err)
	_, err = h.mgr.Start(context.Background(), StartRequest{ExamID: "e", Module: "maths"})
	assert.Error(t, err)
	_, err = h.mgr.Start(context.Background(), StartRequest{ExamID: "e", Module: model.ModuleReading, TestDate: "May 4"})
	assert.Error(t, err)

	_, err = h.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	info, err := h.store.GetExamInfo("exam-1")
	require.NoError(t, err)
	assert.Empty(t, info.CandidateID)

	s := h.start(t, model.ModuleReading)
	got, err := h.mgr.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	info, err = h.store.GetExamInfo("exam-1")
	require.NoError(t, err)
	assert.Equal(t, "C-1", info.CandidateID)
	assert.Equal(t, s.ID(), info.SessionID)
}

// gatedLoader blocks loads of one module kind until released.
type gatedLoader struct {
	mapLoader
	kind    model.ModuleKind
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLoader) Load(ctx context.Context, kind model.ModuleKind, set int) (model.ExamModule, error) {
	if kind == g.kind {
		close(g.entered)
		<-g.release
	}
	return g.mapLoader.Load(ctx, kind, set)
}

func TestSlowLoadDoesNotBlockOtherSessions(t *testing.T) {
	h := newHarness(t, nil)
	loader := &gatedLoader{
		mapLoader: mapLoader{
			model.ModuleListening: discreteModule(model.ModuleListening, 40),
			model.ModuleReading:   discreteModule(model.ModuleReading, 40),
		},
		kind:    model.ModuleListening,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	mgr := NewManager(loader, Deps{
		Store:        h.store,
		Syncer:       h.syncer,
		Clock:        h.clock.Now,
		TickInterval: time.Hour,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	reading, err := mgr.Start(ctx, StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() {
		_, err := mgr.Start(ctx, StartRequest{ExamID: "exam-2", Module: model.ModuleListening})
		slow <- err
	}()
	<-loader.entered

	fast := make(chan *Session, 1)
	go func() {
		got, err := mgr.Get(reading.ID())
		assert.NoError(t, err)
		again, err := mgr.Start(ctx, StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
		assert.NoError(t, err)
		assert.Same(t, got, again)
		fast <- got
	}()
	select {
	case got := <-fast:
		assert.Same(t, reading, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked behind a content load")
	}

	close(loader.release)
	require.NoError(t, <-slow)
}

func TestManagerForgetsEndedSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	submitted := h.start(t, model.ModuleReading)
	_, err := submitted.Finalize(ctx, model.TriggerConfirmed)
	require.NoError(t, err)
	abandoned := h.start(t, model.ModuleListening)
	require.NoError(t, abandoned.Abandon(ctx))

	h.clock.Advance(terminalRetention - time.Minute)
	_, err = h.mgr.Get(submitted.ID())
	require.NoError(t, err)
	_, err = h.mgr.Get(abandoned.ID())
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.mgr.Get(submitted.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.mgr.Get(abandoned.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The cached result still answers a new start for the module.
	again, err := h.mgr.Start(ctx, StartRequest{ExamID: "exam-1", Module: model.ModuleReading})
	require.NoError(t, err)
	assert.NotEqual(t, submitted.ID(), again.ID())
	assert.Equal(t, StateSubmitted, again.State())
}
