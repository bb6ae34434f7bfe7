package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/scoring"
	"github.com/pavelanni/bandexam/internal/store"
)

func resultKey(r *http.Request) (string, error) {
	kind, err := model.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		return "", badRequest(err.Error())
	}
	return model.ResultKey(chi.URLParam(r, "examID"), kind), nil
}

func (h *Handler) handleExamResults(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.ExamResults(chi.URLParam(r, "examID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleModuleResult(w http.ResponseWriter, r *http.Request) {
	key, err := resultKey(r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := h.store.GetResult(key)
	if err != nil {
		respondError(w, err)
		return
	}
	if res == nil {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "result not found"})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type reviewItem struct {
	Key string `json:"key"`
	model.ModuleResult
	ExamID   string   `json:"exam_id"`
	Locators []string `json:"locators,omitempty"`
}

// handleReviewList lists results still waiting for an examiner band.
func (h *Handler) handleReviewList(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListResults()
	if err != nil {
		respondError(w, err)
		return
	}
	items := []reviewItem{}
	for _, res := range results {
		if res.ExaminerBand != nil || !(res.PendingReview || res.Provisional) {
			continue
		}
		items = append(items, reviewItem{
			Key:          res.Key(),
			ModuleResult: store.ModuleSummary(res),
			ExamID:       res.ExamID,
			Locators:     res.UploadedLocators(),
		})
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleExaminerBand(w http.ResponseWriter, r *http.Request) {
	key, err := resultKey(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		Band *float64 `json:"band"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.Band == nil || !scoring.ValidBand(*body.Band) {
		respondError(w, badRequest("band must be a half band between 0 and 9"))
		return
	}
	if err := h.store.SetExaminerBand(key, *body.Band); err != nil {
		respondError(w, fmt.Errorf("set examiner band: %w", err))
		return
	}
	res, err := h.store.GetResult(key)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
