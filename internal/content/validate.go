package content

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/bandexam/internal/model"
)

var validate = validator.New()

// FieldError describes one invalid field of a module definition.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// FieldErrors is a collection of FieldError.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "validation failed"
	}
	if len(fe) == 1 {
		return fmt.Sprintf("validation failed: %s %s", fe[0].Field, fe[0].Message)
	}
	return fmt.Sprintf("validation failed: %d field errors, first: %s %s", len(fe), fe[0].Field, fe[0].Message)
}

// Validate checks struct rules and the module-level rules that tags cannot
// express: unique question IDs, keys on keyed questions and minimum word
// counts on essays.
func Validate(m model.ExamModule) error {
	var errs FieldErrors
	if err := validate.Struct(m); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			errs = append(errs, FieldError{
				Field:   fe.Namespace(),
				Rule:    fe.Tag(),
				Message: ruleMessage(fe),
			})
		}
	}

	// Ids are unique and strictly increasing across sections; navigation
	// and the unanswered list rely on id order matching display order.
	seen := make(map[int]bool)
	prev := 0
	for si, s := range m.Sections {
		for qi, q := range s.Questions {
			field := fmt.Sprintf("ExamModule.Sections[%d].Questions[%d]", si, qi)
			switch {
			case seen[q.ID]:
				errs = append(errs, FieldError{Field: field + ".ID", Rule: "unique", Message: fmt.Sprintf("duplicate question id %d", q.ID)})
			case q.ID <= prev:
				errs = append(errs, FieldError{Field: field + ".ID", Rule: "order", Message: fmt.Sprintf("question id %d not greater than previous id %d", q.ID, prev)})
			}
			seen[q.ID] = true
			if q.ID > prev {
				prev = q.ID
			}
			if q.Type.HasKey() && q.CorrectAnswer == "" {
				errs = append(errs, FieldError{Field: field + ".CorrectAnswer", Rule: "required", Message: "is required for " + string(q.Type)})
			}
			if q.Type == model.QuestionEssay && q.MinWords <= 0 {
				errs = append(errs, FieldError{Field: field + ".MinWords", Rule: "required", Message: "is required for essay"})
			}
			if !allowed(m.Kind, q.Type) {
				errs = append(errs, FieldError{Field: field + ".Type", Rule: "module", Message: fmt.Sprintf("%s not allowed in %s", q.Type, m.Kind)})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func allowed(kind model.ModuleKind, t model.QuestionType) bool {
	switch kind {
	case model.ModuleWriting:
		return t == model.QuestionEssay
	case model.ModuleSpeaking:
		return t == model.QuestionSpoken
	default:
		return t.HasKey()
	}
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
