package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pavelanni/bandexam/internal/events"
	"github.com/pavelanni/bandexam/internal/model"
)

// Loader returns module content by kind and set number.
type Loader interface {
	Load(ctx context.Context, kind model.ModuleKind, set int) (model.ExamModule, error)
}

// StartRequest opens a module for a candidate.
type StartRequest struct {
	ExamID      string           `json:"exam_id" validate:"required,max=128"`
	Module      model.ModuleKind `json:"module" validate:"required,oneof=listening reading writing speaking"`
	Set         int              `json:"set" validate:"gte=0"`
	CandidateID string           `json:"candidate_id,omitempty" validate:"max=128"`
	TestDate    string           `json:"test_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// terminalRetention is how long a submitted or abandoned session stays
// reachable by id once it has ended.
const terminalRetention = 30 * time.Minute

// Manager tracks live sessions by id.
type Manager struct {
	loader   Loader
	deps     Deps
	validate *validator.Validate

	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[string]*Session
}

// NewManager creates a Manager loading content from loader.
func NewManager(loader Loader, deps Deps) *Manager {
	return &Manager{
		loader:   loader,
		deps:     deps.withDefaults(),
		validate: validator.New(),
		sessions: make(map[string]*Session),
		byKey:    make(map[string]*Session),
	}
}

// Start opens a module. A live session for the same exam and module is
// returned as is. A module with a cached result comes back already
// submitted. One with a draft resumes where it stopped with the clock
// already running, or is submitted as expired if its deadline has passed.
//
// The manager lock is not held while the store and content are read.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}
	if req.Set == 0 {
		req.Set = 1
	}
	key := model.ResultKey(req.ExamID, req.Module)

	if s, ok := m.live(key); ok {
		return s, nil
	}

	var (
		stored *model.ScoreResult
		draft  *model.Draft
		err    error
	)
	if m.deps.Store != nil {
		if stored, err = m.deps.Store.GetResult(key); err != nil {
			return nil, fmt.Errorf("get result %s: %w", key, err)
		}
		if stored == nil {
			if draft, err = m.deps.Store.GetDraft(key); err != nil {
				return nil, fmt.Errorf("get draft %s: %w", key, err)
			}
		}
	}
	set := req.Set
	switch {
	case stored != nil:
		set = stored.Set
	case draft != nil:
		set = draft.Set
	}

	mod, err := m.loader.Load(ctx, req.Module, set)
	if err != nil {
		return nil, fmt.Errorf("load %s set %d: %w", req.Module, set, err)
	}

	s := newSession(uuid.NewString(), req.ExamID, mod, m.deps)
	switch {
	case stored != nil:
		s.markSubmitted(*stored)
		s.logger.Info("module already submitted, showing stored result")
	case draft != nil:
		s.restore(*draft)
		s.logger.Info("resuming module from draft", "remaining", s.remaining,
			"answered", s.answers.AnsweredCount())
	default:
		s.logger.Info("module opened", "set", set)
	}

	m.mu.Lock()
	if live, ok := m.liveLocked(key); ok {
		// A concurrent Start for the same module registered first.
		m.mu.Unlock()
		return live, nil
	}
	m.sessions[s.id] = s
	m.byKey[key] = s
	m.mu.Unlock()

	info := model.ExamInfo{
		ExamID:      req.ExamID,
		CandidateID: req.CandidateID,
		SessionID:   s.id,
		TestDate:    req.TestDate,
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.SetExamInfo(info); err != nil {
			s.logger.Warn("store exam info failed", "error", err)
		}
	}
	s.publish(ctx, events.SessionIdentity, events.IdentityData{
		CandidateID: req.CandidateID,
		TestDate:    req.TestDate,
	})

	if stored == nil && draft != nil {
		if err := s.resume(ctx); err != nil {
			return nil, fmt.Errorf("resume %s: %w", key, err)
		}
	}
	return s, nil
}

func (m *Manager) live(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.liveLocked(key)
}

func (m *Manager) liveLocked(key string) (*Session, bool) {
	s, ok := m.byKey[key]
	if !ok || s.State() == StateAbandoned {
		return nil, false
	}
	return s, true
}

// pruneLocked forgets sessions that ended more than terminalRetention ago.
func (m *Manager) pruneLocked() {
	now := m.deps.Clock()
	for id, s := range m.sessions {
		ended, ok := s.endedAt()
		if !ok || now.Sub(ended) < terminalRetention {
			continue
		}
		delete(m.sessions, id)
		if m.byKey[s.Key()] == s {
			delete(m.byKey, s.Key())
		}
	}
}

// Get returns a tracked session. Sessions that ended long ago are dropped.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Shutdown abandons every running session so drafts are written and
// devices released.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		switch s.State() {
		case StateAwaitingInstructions, StateInProgress:
			if err := s.Abandon(ctx); err != nil {
				s.logger.Warn("abandon on shutdown failed", "error", err)
			}
		}
	}
}

func (s *Session) markSubmitted(r model.ScoreResult) {
	out := Outcome{Result: r}
	if next, ok := s.module.Kind.Next(); ok {
		out.Next = next
	}
	done := make(chan struct{})
	close(done)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateSubmitted
	s.ended = s.deps.Clock()
	s.outcome = out
	s.done = done
}
