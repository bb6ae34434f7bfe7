package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/bandexam/internal/i18n"
	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/session"
)

type noticeView struct {
	model.Notice
	Message string `json:"message"`
}

type sessionResponse struct {
	session.View
	ModuleName string       `json:"module_name"`
	Progress   string       `json:"progress"`
	Notices    []noticeView `json:"notices,omitempty"`
}

type outcomeResponse struct {
	session.Outcome
	Notices  []noticeView `json:"notices,omitempty"`
	NextName string       `json:"next_name,omitempty"`
}

type summaryResponse struct {
	session.Summary
	ConfirmRequired bool     `json:"confirm_required"`
	Messages        []string `json:"messages"`
}

func localizeNotices(ctx context.Context, ns []model.Notice) []noticeView {
	var out []noticeView
	for _, n := range ns {
		out = append(out, noticeView{Notice: n, Message: appI18n.Notice(ctx, n)})
	}
	return out
}

func newSessionResponse(ctx context.Context, v session.View) sessionResponse {
	return sessionResponse{
		View:       v,
		ModuleName: appI18n.ModuleName(ctx, v.Module),
		Progress: appI18n.Td(ctx, "QuestionPosition", map[string]any{
			"N":     v.Position.Number(),
			"Total": v.Position.Total,
		}),
		Notices: localizeNotices(ctx, v.Notices),
	}
}

func newSummaryResponse(ctx context.Context, sum session.Summary, confirm bool) summaryResponse {
	resp := summaryResponse{Summary: sum, ConfirmRequired: confirm, Messages: []string{}}
	if n := len(sum.Unanswered); n > 0 {
		resp.Messages = append(resp.Messages, appI18n.Tp(ctx, "UnansweredCount", n))
	}
	if n := len(sum.Flagged); n > 0 {
		resp.Messages = append(resp.Messages, appI18n.Tp(ctx, "FlaggedCount", n))
	}
	if confirm {
		resp.Messages = append(resp.Messages, appI18n.T(ctx, "ConfirmSubmit"))
	}
	return resp
}

// session resolves {sessionID}, writing the error response when it fails.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return s, true
}

func questionID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "questionID"))
	if err != nil {
		return 0, badRequest("invalid question ID")
	}
	return id, nil
}

func (h *Handler) respondView(w http.ResponseWriter, r *http.Request, s *session.Session, status int) {
	respondJSON(w, status, newSessionResponse(r.Context(), s.View()))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	s, err := h.sessions.Start(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusCreated)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.Identity())
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newSummaryResponse(r.Context(), s.Summary(), false))
}

func (h *Handler) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.DismissInstructions(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	qid, err := questionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if err := s.SetAnswer(qid, body.Value); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"question_id": qid,
		"answered":    s.Summary().Answered,
	})
}

func (h *Handler) handleFlag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	qid, err := questionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	flagged, err := s.ToggleFlag(qid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"question_id": qid, "flagged": flagged})
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.Next(); err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handlePrevious(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.Previous(); err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleJump(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var body struct {
		QuestionID *int `json:"question_id"`
		Section    int  `json:"section"`
		Question   int  `json:"question"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	var err error
	if body.QuestionID != nil {
		_, err = s.JumpToID(*body.QuestionID)
	} else {
		_, err = s.JumpTo(body.Section, body.Question)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	qid, err := s.StartRecording()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"question_id": qid, "status": model.RecordingActive})
}

func (h *Handler) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	rec, err := s.StopRecording()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRecordDiscard(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.DiscardRecording(); err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleMediaChunk(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMediaChunk))
	if err != nil {
		respondError(w, badRequest("read media chunk: "+err.Error()))
		return
	}
	n, err := s.WriteMedia(data)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"written": n})
}

func (h *Handler) handleDeviceRetry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.RetryDevice(r.Context()); err != nil {
		respondJSON(w, statusFor(err), newSessionResponse(r.Context(), s.View()))
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

// handleDeviceStatus takes the client's report that capture permission was
// granted or revoked.
func (h *Handler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Available *bool  `json:"available"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.Available == nil {
		respondError(w, badRequest("available is required"))
		return
	}
	if err := s.ReportDevice(r.Context(), *body.Available, body.Reason); err != nil {
		respondJSON(w, statusFor(err), newSessionResponse(r.Context(), s.View()))
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Trigger model.SubmitTrigger `json:"trigger"`
		Confirm bool                `json:"confirm"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	switch body.Trigger {
	case "":
		body.Trigger = model.TriggerConfirmed
	case model.TriggerConfirmed, model.TriggerFinished:
	default:
		respondError(w, badRequest("trigger must be confirmed or finished"))
		return
	}
	if body.Trigger == model.TriggerConfirmed && !body.Confirm && s.State() == session.StateInProgress {
		respondJSON(w, http.StatusOK, newSummaryResponse(r.Context(), s.Summary(), true))
		return
	}

	out, err := s.Finalize(r.Context(), body.Trigger)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := outcomeResponse{Outcome: out, Notices: localizeNotices(r.Context(), out.Notices)}
	if out.Next != "" {
		resp.NextName = appI18n.ModuleName(r.Context(), out.Next)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Abandon(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	h.respondView(w, r, s, http.StatusOK)
}
