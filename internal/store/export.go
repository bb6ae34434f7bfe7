package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/scoring"
)

// ExportResults groups every stored result by exam, in module order.
func (s *Store) ExportResults() (model.ResultExport, error) {
	results, err := s.ListResults()
	if err != nil {
		return model.ResultExport{}, fmt.Errorf("list results: %w", err)
	}

	byExam := make(map[string][]model.ScoreResult)
	var order []string
	for _, r := range results {
		if _, ok := byExam[r.ExamID]; !ok {
			order = append(order, r.ExamID)
		}
		byExam[r.ExamID] = append(byExam[r.ExamID], r)
	}

	export := model.ResultExport{GeneratedAt: time.Now().UTC()}
	for _, examID := range order {
		exam, err := s.examResults(examID, byExam[examID])
		if err != nil {
			return model.ResultExport{}, err
		}
		export.Exams = append(export.Exams, exam)
	}
	return export, nil
}

// ExamResults returns the cached results of one exam, in module order.
func (s *Store) ExamResults(examID string) (model.ExamResults, error) {
	rs, err := s.ListResultsForExam(examID)
	if err != nil {
		return model.ExamResults{}, fmt.Errorf("list results for %s: %w", examID, err)
	}
	return s.examResults(examID, rs)
}

func (s *Store) examResults(examID string, rs []model.ScoreResult) (model.ExamResults, error) {
	info, err := s.GetExamInfo(examID)
	if err != nil {
		return model.ExamResults{}, fmt.Errorf("get exam info %s: %w", examID, err)
	}
	exam := model.ExamResults{
		ExamID:      examID,
		CandidateID: info.CandidateID,
		TestDate:    info.TestDate,
		Modules:     []model.ModuleResult{},
	}
	for _, kind := range model.ModuleOrder {
		for _, r := range rs {
			if r.Module == kind {
				exam.Modules = append(exam.Modules, ModuleSummary(r))
			}
		}
	}
	if overall, ok := scoring.Overall(rs); ok {
		exam.Overall = &overall
	}
	return exam, nil
}

// ModuleSummary condenses a result for export and review listings.
func ModuleSummary(r model.ScoreResult) model.ModuleResult {
	mr := model.ModuleResult{
		Module:        r.Module,
		Set:           r.Set,
		Raw:           r.Raw,
		MaxRaw:        r.MaxRaw,
		Band:          r.Band,
		ExaminerBand:  r.ExaminerBand,
		Provisional:   r.Provisional,
		PendingReview: r.PendingReview,
		Trigger:       r.Trigger,
		TimeSpent:     r.TimeSpent,
		Recordings:    len(r.Recordings),
		Synced:        r.Synced,
		SubmittedAt:   r.SubmittedAt,
	}
	for _, v := range r.Answers {
		if strings.TrimSpace(v) != "" {
			mr.Answered++
		}
	}
	mr.Uploaded = len(r.UploadedLocators())
	return mr
}
