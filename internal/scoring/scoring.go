package scoring

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/pavelanni/bandexam/internal/model"
)

// Config holds the configurable conversion tables.
type Config struct {
	Discrete Table `json:"discrete" yaml:"discrete" mapstructure:"discrete"`
	Writing  Table `json:"writing" yaml:"writing" mapstructure:"writing"`
	// WritingWeights weighs Writing tasks in order; tasks past the end reuse the last weight.
	WritingWeights      []float64 `json:"writing_weights" yaml:"writing_weights" mapstructure:"writing_weights"`
	SpeakingPlaceholder float64   `json:"speaking_placeholder" yaml:"speaking_placeholder" mapstructure:"speaking_placeholder"`
}

// DefaultConfig returns the built-in tables.
func DefaultConfig() Config {
	return Config{
		Discrete:            DefaultDiscrete,
		Writing:             DefaultWriting,
		WritingWeights:      []float64{1, 2},
		SpeakingPlaceholder: 0,
	}
}

// Validate checks every table in the config.
func (c Config) Validate() error {
	if err := c.Discrete.Validate(); err != nil {
		return fmt.Errorf("discrete table: %w", err)
	}
	if err := c.Writing.Validate(); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}
	if len(c.WritingWeights) == 0 {
		return fmt.Errorf("writing weights: at least one weight required")
	}
	for i, w := range c.WritingWeights {
		if w <= 0 {
			return fmt.Errorf("writing weights: weight %d must be positive", i)
		}
	}
	if !validBand(c.SpeakingPlaceholder) {
		return fmt.Errorf("speaking placeholder %v is not a valid band", c.SpeakingPlaceholder)
	}
	return nil
}

// Scorer converts a module's answers into a ScoreResult.
type Scorer struct {
	cfg Config
}

// New creates a Scorer after validating cfg.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Default returns a Scorer using the built-in tables.
func Default() *Scorer {
	return &Scorer{cfg: DefaultConfig()}
}

// Config returns the scorer's tables.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score computes raw and band for the module. The answers map is read only.
func (s *Scorer) Score(m model.ExamModule, answers map[int]string) model.ScoreResult {
	res := model.ScoreResult{
		Module: m.Kind,
		Set:    m.Set,
	}
	switch m.Kind {
	case model.ModuleWriting:
		res.TaskBands, res.Band = s.writing(m, answers)
		res.MaxRaw = len(res.TaskBands)
		res.Provisional = true
	case model.ModuleSpeaking:
		// Unscored until review, so raw and max raw stay zero. Answered parts
		// are listed in the result's recordings.
		res.Band = s.cfg.SpeakingPlaceholder
		res.Provisional = true
		res.PendingReview = true
	default:
		res.Raw, res.MaxRaw = Raw(m, answers)
		res.Band = s.DiscreteBand(res.Raw, res.MaxRaw)
	}
	return res
}

// DiscreteBand converts a raw mark to a band. Modules whose total is not 40
// are scaled proportionally before lookup.
func (s *Scorer) DiscreteBand(raw, maxRaw int) float64 {
	measure := float64(raw)
	if maxRaw > 0 && maxRaw != DiscreteScale {
		measure = float64(raw) * DiscreteScale / float64(maxRaw)
	}
	return s.cfg.Discrete.Band(measure)
}

// Raw sums the weights of correctly answered keyed questions.
func Raw(m model.ExamModule, answers map[int]string) (raw, maxRaw int) {
	for _, q := range m.Questions() {
		if !q.Type.HasKey() {
			continue
		}
		maxRaw += q.Weight()
		if Correct(q, answers[q.ID]) {
			raw += q.Weight()
		}
	}
	return raw, maxRaw
}

// Correct reports whether answer matches the question's key after trimming
// and case folding. Blank answers never match.
func Correct(q model.Question, answer string) bool {
	got := Normalize(answer)
	if got == "" {
		return false
	}
	if got == Normalize(q.CorrectAnswer) {
		return true
	}
	for _, alt := range q.Alternatives {
		if got == Normalize(alt) {
			return true
		}
	}
	return false
}

// Normalize trims surrounding whitespace and applies Unicode case folding.
func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func (s *Scorer) writing(m model.ExamModule, answers map[int]string) ([]model.TaskBand, float64) {
	var tasks []model.TaskBand
	for _, q := range m.Questions() {
		if q.Type != model.QuestionEssay {
			continue
		}
		words := WordCount(answers[q.ID])
		band := s.cfg.Writing.Floor
		if words > 0 && q.MinWords > 0 {
			band = s.cfg.Writing.Band(float64(words) / float64(q.MinWords))
		}
		tasks = append(tasks, model.TaskBand{
			QuestionID: q.ID,
			Words:      words,
			MinWords:   q.MinWords,
			Band:       band,
		})
	}
	if len(tasks) == 0 {
		return nil, s.cfg.Writing.Floor
	}
	var sum, weights float64
	for i, t := range tasks {
		w := s.weight(i)
		sum += t.Band * w
		weights += w
	}
	return tasks, RoundHalf(sum / weights)
}

func (s *Scorer) weight(i int) float64 {
	if i < len(s.cfg.WritingWeights) {
		return s.cfg.WritingWeights[i]
	}
	return s.cfg.WritingWeights[len(s.cfg.WritingWeights)-1]
}

// Overall averages the four module bands and rounds to the nearest half band.
// The second value is false until every module has an effective band.
func Overall(results []model.ScoreResult) (float64, bool) {
	bands := make(map[model.ModuleKind]float64, len(model.ModuleOrder))
	for _, r := range results {
		if b, ok := r.EffectiveBand(); ok {
			bands[r.Module] = b
		}
	}
	var sum float64
	for _, m := range model.ModuleOrder {
		b, ok := bands[m]
		if !ok {
			return 0, false
		}
		sum += b
	}
	return RoundHalf(sum / float64(len(model.ModuleOrder))), true
}
