package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/bandexam/internal/i18n"
	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/session"
	"github.com/pavelanni/bandexam/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
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

type okUploader struct{}

func (okUploader) Upload(_ context.Context, key string, clip recording.Clip) (recording.Uploaded, error) {
	return recording.Uploaded{Locator: "https://media.example/" + key, Duration: clip.Duration}, nil
}

func readingModule() model.ExamModule {
	m := model.ExamModule{Kind: model.ModuleReading, Duration: 600}
	sec := model.Section{Title: "Passage 1"}
	for id := 1; id <= 3; id++ {
		sec.Questions = append(sec.Questions, model.Question{
			ID:            id,
			Type:          model.QuestionShortAnswer,
			Prompt:        fmt.Sprintf("Question %d", id),
			CorrectAnswer: fmt.Sprintf("Answer %d", id),
		})
	}
	m.Sections = []model.Section{sec}
	return m
}

func speakingModule() model.ExamModule {
	return model.ExamModule{
		Kind:     model.ModuleSpeaking,
		Duration: 900,
		Sections: []model.Section{
			{Title: "Part 1", Questions: []model.Question{{ID: 1, Type: model.QuestionSpoken, Prompt: "Talk"}}},
			{Title: "Part 2", Questions: []model.Question{{ID: 2, Type: model.QuestionSpoken, Prompt: "Talk more"}}},
		},
	}
}

type testServer struct {
	*httptest.Server
	store *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := session.NewManager(mapLoader{
		model.ModuleReading:  readingModule(),
		model.ModuleSpeaking: speakingModule(),
	}, session.Deps{
		Store:        st,
		Uploader:     okUploader{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		TickInterval: time.Hour,
	})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(mgr, st).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st}
}

// do sends a JSON request and decodes the JSON response into a map.
func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return res.StatusCode, out
}

func (ts *testServer) start(t *testing.T, examID string, kind model.ModuleKind) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/sessions", map[string]any{
		"exam_id":      examID,
		"module":       kind,
		"candidate_id": "C-1",
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["id"].(string)
}

func TestReadingFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "exam-1", model.ModuleReading)
	base := "/sessions/" + id

	status, body := ts.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "awaiting_instructions", body["state"])
	assert.Equal(t, "Reading", body["module_name"])
	assert.Equal(t, "Question 1 of 3", body["progress"])
	question := body["question"].(map[string]any)
	assert.NotContains(t, question, "correct_answer")

	status, _ = ts.do(t, http.MethodPut, base+"/answers/1", map[string]string{"value": "Answer 1"})
	assert.Equal(t, http.StatusConflict, status, "answers are rejected before instructions are dismissed")

	status, body = ts.do(t, http.MethodPost, base+"/instructions/dismiss", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "in_progress", body["state"])

	status, body = ts.do(t, http.MethodPut, base+"/answers/1", map[string]string{"value": "answer 1 "})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["answered"])

	status, _ = ts.do(t, http.MethodPut, base+"/answers/99", map[string]string{"value": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodPost, base+"/flags/2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["flagged"])

	status, body = ts.do(t, http.MethodPost, base+"/nav/jump", map[string]int{"question_id": 3})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Question 3 of 3", body["progress"])

	status, body = ts.do(t, http.MethodPost, base+"/nav/next", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Question 3 of 3", body["progress"], "next on the last question is a no-op")

	status, body = ts.do(t, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["confirm_required"])
	assert.Contains(t, body["messages"], "2 questions are unanswered.")
	assert.Contains(t, body["messages"], "1 question is flagged for review.")

	status, body = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, status, body)
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 1, result["raw"])
	assert.Equal(t, "confirmed", result["trigger"])
	assert.Equal(t, "writing", body["next"])
	assert.Equal(t, "Writing", body["next_name"])

	status, body = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, status, "a repeated submit returns the stored outcome")
	assert.EqualValues(t, 1, body["result"].(map[string]any)["raw"])

	status, body = ts.do(t, http.MethodGet, "/results/exam-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "C-1", body["candidate_id"])
	assert.Len(t, body["modules"], 1)

	status, _ = ts.do(t, http.MethodGet, "/results/exam-1/reading", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodGet, "/results/exam-1/listening", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = ts.do(t, http.MethodGet, "/results/exam-1/maths", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSubmitTriggers(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "exam-2", model.ModuleReading)
	base := "/sessions/" + id
	status, _ := ts.do(t, http.MethodPost, base+"/instructions/dismiss", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"trigger": "expired"})
	assert.Equal(t, http.StatusBadRequest, status, "only the timer may expire a module")

	status, _ = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"trigger": "finished"})
	assert.Equal(t, http.StatusConflict, status, "finish is only offered on the last question")

	status, _ = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionErrors(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])

	status, _ = ts.do(t, http.MethodPost, "/sessions", map[string]any{"exam_id": "e", "module": "maths"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/sessions", map[string]any{"module": "reading"})
	assert.Equal(t, http.StatusBadRequest, status)

	id := ts.start(t, "exam-3", model.ModuleReading)
	status, _ = ts.do(t, http.MethodPost, "/sessions/"+id+"/recording/start", nil)
	assert.Equal(t, http.StatusBadRequest, status, "reading has no recorder")

	status, body = ts.do(t, http.MethodPost, "/sessions/"+id+"/abandon", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "abandoned", body["state"])
}

func TestSpeakingRecordingAndReview(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "exam-4", model.ModuleSpeaking)
	base := "/sessions/" + id

	status, body := ts.do(t, http.MethodPost, base+"/instructions/dismiss", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["has_device"])

	for q := 1; q <= 2; q++ {
		status, body = ts.do(t, http.MethodPost, base+"/recording/start", nil)
		require.Equal(t, http.StatusOK, status, body)
		assert.EqualValues(t, q, body["question_id"])

		status, _ = ts.do(t, http.MethodPost, base+"/nav/next", nil)
		assert.Equal(t, http.StatusConflict, status, "navigation is locked while recording")

		res, err := ts.Client().Post(ts.URL+base+"/recording/chunks", "audio/webm", strings.NewReader("chunk-data"))
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)

		status, body = ts.do(t, http.MethodPost, base+"/recording/stop", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "recorded", body["status"])
		assert.EqualValues(t, len("chunk-data"), body["size"])

		if q == 1 {
			status, _ = ts.do(t, http.MethodPost, base+"/nav/next", nil)
			require.Equal(t, http.StatusOK, status)
		}
	}

	status, body = ts.do(t, http.MethodPost, base+"/submit", map[string]any{"trigger": "finished"})
	require.Equal(t, http.StatusOK, status, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, true, result["pending_review"])
	assert.Nil(t, body["next"])

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/review", nil)
	require.NoError(t, err)
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&items))
	res.Body.Close()
	require.Len(t, items, 1)
	assert.Equal(t, "exam-4_speaking", items[0]["key"])
	assert.Len(t, items[0]["locators"], 2)

	status, _ = ts.do(t, http.MethodPut, "/results/exam-4/speaking/examiner-band", map[string]any{"band": 6.3})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, http.MethodPut, "/results/exam-9/speaking/examiner-band", map[string]any{"band": 6.5})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = ts.do(t, http.MethodPut, "/results/exam-4/speaking/examiner-band", map[string]any{"band": 6.5})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 6.5, body["examiner_band"])
	assert.Equal(t, false, body["pending_review"])

	stored, err := ts.store.GetResult("exam-4_speaking")
	require.NoError(t, err)
	require.NotNil(t, stored.ExaminerBand)
	assert.Equal(t, 6.5, *stored.ExaminerBand)
}

func TestDeviceStatusReports(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "exam-5", model.ModuleSpeaking)
	base := "/sessions/" + id

	status, _ := ts.do(t, http.MethodPost, base+"/device/status", map[string]any{"available": false})
	assert.Equal(t, http.StatusConflict, status, "instructions not dismissed yet")

	status, body := ts.do(t, http.MethodPost, base+"/instructions/dismiss", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["has_device"])
	status, _ = ts.do(t, http.MethodPost, base+"/recording/start", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodPost, base+"/device/status", map[string]any{
		"available": false,
		"reason":    "permission revoked",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.NotContains(t, body, "has_device")
	assert.NotContains(t, body, "capturing", "capture in progress is cancelled")
	notices := body["notices"].([]any)
	require.Len(t, notices, 1)
	n := notices[0].(map[string]any)
	assert.Equal(t, "device_unavailable", n["code"])
	assert.Equal(t, "permission revoked", n["detail"])
	assert.Equal(t, "We could not access your microphone or camera. Check permissions and try again.", n["message"])

	status, _ = ts.do(t, http.MethodPost, base+"/recording/start", nil)
	assert.Equal(t, http.StatusConflict, status)
	status, body = ts.do(t, http.MethodPost, base+"/device/retry", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Len(t, body["notices"], 1)

	status, _ = ts.do(t, http.MethodPost, base+"/device/status", map[string]any{"reason": "no flag"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodPost, base+"/device/status", map[string]any{"available": true})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["has_device"])
	assert.NotContains(t, body, "notices")

	status, _ = ts.do(t, http.MethodPost, base+"/recording/start", nil)
	assert.Equal(t, http.StatusOK, status)

	reading := ts.start(t, "exam-5", model.ModuleReading)
	status, _ = ts.do(t, http.MethodPost, "/sessions/"+reading+"/device/status", map[string]any{"available": false})
	assert.Equal(t, http.StatusBadRequest, status, "reading has no capture device")
}
