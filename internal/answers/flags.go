package answers

import (
	"slices"
	"sync"
)

// FlagSet tracks questions the candidate marked for review. Flags are
// advisory and never affect scoring.
type FlagSet struct {
	mu    sync.RWMutex
	flags map[int]struct{}
}

// NewFlagSet creates a FlagSet with the given questions flagged.
func NewFlagSet(flagged ...int) *FlagSet {
	f := &FlagSet{flags: make(map[int]struct{}, len(flagged))}
	for _, id := range flagged {
		f.flags[id] = struct{}{}
	}
	return f
}

// Toggle flips the flag on a question and returns the new state.
func (f *FlagSet) Toggle(questionID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.flags[questionID]; ok {
		delete(f.flags, questionID)
		return false
	}
	f.flags[questionID] = struct{}{}
	return true
}

// IsFlagged reports whether a question is flagged.
func (f *FlagSet) IsFlagged(questionID int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.flags[questionID]
	return ok
}

// Flagged returns the flagged question IDs in ascending order.
func (f *FlagSet) Flagged() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, 0, len(f.flags))
	for id := range f.flags {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
