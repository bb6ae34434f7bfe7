// Package answers holds a candidate's responses and review flags for one module.
package answers

import (
	"maps"
	"strings"
	"sync"
)

// Store maps question IDs to the candidate's latest response. Values are
// stored as given; validation is left to scoring.
type Store struct {
	mu      sync.RWMutex
	answers map[int]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{answers: make(map[int]string)}
}

// Restore creates a Store prefilled from a saved snapshot.
func Restore(saved map[int]string) *Store {
	s := New()
	maps.Copy(s.answers, saved)
	return s
}

// SetAnswer records value for the question, replacing any previous value.
func (s *Store) SetAnswer(questionID int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[questionID] = value
}

// Answer returns the stored value for a question.
func (s *Store) Answer(questionID int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.answers[questionID]
	return v, ok
}

// Clear removes a question's answer. Used when a spoken answer is re-recorded.
func (s *Store) Clear(questionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.answers, questionID)
}

// AnsweredCount returns the number of non-blank answers.
func (s *Store) AnsweredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.answers {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Unanswered returns the IDs from ids that have no non-blank answer, in order.
func (s *Store) Unanswered(ids []int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for _, id := range ids {
		if strings.TrimSpace(s.answers[id]) == "" {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of all stored answers.
func (s *Store) Snapshot() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.answers)
}
