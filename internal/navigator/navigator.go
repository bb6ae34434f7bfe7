// Package navigator tracks the candidate's position within a module.
package navigator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pavelanni/bandexam/internal/model"
)

var (
	// ErrNavigationLocked is returned while a recording is in progress.
	ErrNavigationLocked = errors.New("navigation locked while recording")
	// ErrOutOfRange is returned for a jump to a position that does not exist.
	ErrOutOfRange = errors.New("position out of range")
)

// Locker reports whether navigation must be refused.
type Locker interface {
	IsCapturing() bool
}

// Position describes where the candidate is.
type Position struct {
	Section  int `json:"section"`
	Question int `json:"question"`
	// Global is the 0-based index across all sections.
	Global int `json:"global"`
	Total  int `json:"total"`
}

// Number returns the 1-based question number shown to the candidate.
func (p Position) Number() int {
	return p.Global + 1
}

// Navigator moves between questions in section order.
type Navigator struct {
	mu       sync.Mutex
	module   model.ExamModule
	offsets  []int
	total    int
	section  int
	question int
	lock     Locker
}

// New creates a Navigator at the first question. lock may be nil.
func New(m model.ExamModule, lock Locker) *Navigator {
	n := &Navigator{module: m, lock: lock}
	for _, s := range m.Sections {
		n.offsets = append(n.offsets, n.total)
		n.total += len(s.Questions)
	}
	return n
}

// Next moves to the following question, crossing into the next section at a
// section boundary. It reports whether the position changed; at the last
// question it is a no-op.
func (n *Navigator) Next() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked() {
		return false, ErrNavigationLocked
	}
	if n.question+1 < len(n.module.Sections[n.section].Questions) {
		n.question++
		return true, nil
	}
	if n.section+1 < len(n.module.Sections) {
		n.section++
		n.question = 0
		return true, nil
	}
	return false, nil
}

// Previous mirrors Next.
func (n *Navigator) Previous() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked() {
		return false, ErrNavigationLocked
	}
	if n.question > 0 {
		n.question--
		return true, nil
	}
	if n.section > 0 {
		n.section--
		n.question = len(n.module.Sections[n.section].Questions) - 1
		return true, nil
	}
	return false, nil
}

// JumpTo moves to a question by section and in-section index.
func (n *Navigator) JumpTo(section, question int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked() {
		return ErrNavigationLocked
	}
	return n.set(section, question)
}

// JumpToID moves to the question with the given ID.
func (n *Navigator) JumpToID(questionID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked() {
		return ErrNavigationLocked
	}
	for si, s := range n.module.Sections {
		for qi, q := range s.Questions {
			if q.ID == questionID {
				return n.set(si, qi)
			}
		}
	}
	return fmt.Errorf("question %d: %w", questionID, ErrOutOfRange)
}

// Restore sets the position without consulting the lock. Used when resuming.
func (n *Navigator) Restore(section, question int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.set(section, question)
}

// GlobalIndex returns the 0-based index of the current question.
func (n *Navigator) GlobalIndex() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offsets[n.section] + n.question
}

// Position returns the current position.
func (n *Navigator) Position() Position {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Position{
		Section:  n.section,
		Question: n.question,
		Global:   n.offsets[n.section] + n.question,
		Total:    n.total,
	}
}

// Current returns the question at the current position.
func (n *Navigator) Current() model.Question {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.module.Sections[n.section].Questions[n.question]
}

// IsLast reports whether the current question is the last in the module.
func (n *Navigator) IsLast() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offsets[n.section]+n.question == n.total-1
}

func (n *Navigator) set(section, question int) error {
	if section < 0 || section >= len(n.module.Sections) {
		return fmt.Errorf("section %d: %w", section, ErrOutOfRange)
	}
	if question < 0 || question >= len(n.module.Sections[section].Questions) {
		return fmt.Errorf("question %d of section %d: %w", question, section, ErrOutOfRange)
	}
	n.section = section
	n.question = question
	return nil
}

func (n *Navigator) locked() bool {
	return n.lock != nil && n.lock.IsCapturing()
}
