package model

import (
	"fmt"
	"strings"
)

// ModuleKind identifies one of the four exam modules.
type ModuleKind string

const (
	ModuleListening ModuleKind = "listening"
	ModuleReading   ModuleKind = "reading"
	ModuleWriting   ModuleKind = "writing"
	ModuleSpeaking  ModuleKind = "speaking"
)

// ModuleOrder is the order in which a candidate takes the modules.
var ModuleOrder = []ModuleKind{ModuleListening, ModuleReading, ModuleWriting, ModuleSpeaking}

// ParseModule converts a string to a ModuleKind.
func ParseModule(s string) (ModuleKind, error) {
	m := ModuleKind(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown module %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the four modules.
func (m ModuleKind) Valid() bool {
	switch m {
	case ModuleListening, ModuleReading, ModuleWriting, ModuleSpeaking:
		return true
	}
	return false
}

// Next returns the module that follows m. The second value is false after Speaking.
func (m ModuleKind) Next() (ModuleKind, bool) {
	for i, k := range ModuleOrder {
		if k == m && i+1 < len(ModuleOrder) {
			return ModuleOrder[i+1], true
		}
	}
	return "", false
}

// Discrete reports whether the module is scored by counting correct answers.
func (m ModuleKind) Discrete() bool {
	return m == ModuleListening || m == ModuleReading
}

// SectionLabel is the name a module gives to its sections.
func (m ModuleKind) SectionLabel() string {
	switch m {
	case ModuleReading:
		return "passage"
	case ModuleWriting:
		return "task"
	case ModuleSpeaking:
		return "part"
	default:
		return "section"
	}
}

// QuestionType represents how a question is answered.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionTrueFalseNG    QuestionType = "true_false_not_given"
	QuestionMatching       QuestionType = "matching"
	QuestionCompletion     QuestionType = "completion"
	QuestionEssay          QuestionType = "essay"
	QuestionSpoken         QuestionType = "spoken"
)

// HasKey reports whether questions of this type declare a correct answer.
func (t QuestionType) HasKey() bool {
	return t != QuestionEssay && t != QuestionSpoken
}

// Question represents a single exam question.
type Question struct {
	ID            int          `json:"id" yaml:"id" validate:"required,min=1"`
	Type          QuestionType `json:"type" yaml:"type" validate:"required,oneof=multiple_choice short_answer true_false_not_given matching completion essay spoken"`
	Prompt        string       `json:"prompt" yaml:"prompt" validate:"required"`
	Options       []string     `json:"options,omitempty" yaml:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty" yaml:"correct_answer,omitempty"`
	Alternatives  []string     `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	Marks         int          `json:"marks,omitempty" yaml:"marks,omitempty" validate:"min=0"`
	MinWords      int          `json:"min_words,omitempty" yaml:"min_words,omitempty" validate:"min=0"`
}

// Weight returns the question's mark weight, defaulting to 1.
func (q Question) Weight() int {
	if q.Marks <= 0 {
		return 1
	}
	return q.Marks
}

// Section is an ordered group of questions: a section, passage, task or part.
type Section struct {
	Title        string     `json:"title" yaml:"title"`
	Instructions string     `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Resource     string     `json:"resource,omitempty" yaml:"resource,omitempty"`
	Questions    []Question `json:"questions" yaml:"questions" validate:"required,min=1,dive"`
}

// ExamModule is the immutable definition of one module of a test set.
type ExamModule struct {
	Kind     ModuleKind `json:"kind" yaml:"kind" validate:"required,oneof=listening reading writing speaking"`
	Set      int        `json:"set" yaml:"set" validate:"min=0"`
	Duration int        `json:"duration_seconds" yaml:"duration_seconds" validate:"required,min=1"`
	Sections []Section  `json:"sections" yaml:"sections" validate:"required,min=1,dive"`
	Checksum string     `json:"-" yaml:"-"`
}

// Questions returns all questions in section order.
func (m ExamModule) Questions() []Question {
	var out []Question
	for _, s := range m.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

// QuestionCount returns the number of questions across all sections.
func (m ExamModule) QuestionCount() int {
	n := 0
	for _, s := range m.Sections {
		n += len(s.Questions)
	}
	return n
}

// TotalMarks returns the sum of question weights.
func (m ExamModule) TotalMarks() int {
	total := 0
	for _, s := range m.Sections {
		for _, q := range s.Questions {
			total += q.Weight()
		}
	}
	return total
}

// Question looks up a question by ID.
func (m ExamModule) Question(id int) (Question, bool) {
	for _, s := range m.Sections {
		for _, q := range s.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return Question{}, false
}

// QuestionIDs returns all question IDs in order.
func (m ExamModule) QuestionIDs() []int {
	ids := make([]int, 0, m.QuestionCount())
	for _, s := range m.Sections {
		for _, q := range s.Questions {
			ids = append(ids, q.ID)
		}
	}
	return ids
}
