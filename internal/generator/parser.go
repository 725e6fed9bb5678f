package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedResponse means the model output was not the expected JSON shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrEmptyResult means the output parsed but held no questions.
	ErrEmptyResult = errors.New("empty result")
)

const optionCount = 5

var optionLabels = []string{"A", "B", "C", "D", "E"}

type GeneratedBatch struct {
	Questions []GeneratedItem `json:"questions"`
}

type GeneratedItem struct {
	Subtype             string   `json:"subtype"`
	Stem                string   `json:"stem"`
	Options             []string `json:"options"`
	CorrectIndex        *int     `json:"correct_index"`
	CorrectRationale    string   `json:"correct_rationale"`
	IncorrectRationales []string `json:"incorrect_rationales"`
	Citations           []string `json:"citations"`
	Topic               string   `json:"topic,omitempty"`
}

// Answer returns the correct option index. Only valid after validation.
func (q GeneratedItem) Answer() int {
	if q.CorrectIndex == nil {
		return -1
	}
	return *q.CorrectIndex
}

// OptionLabel maps an option index to its letter.
func OptionLabel(i int) string {
	if i < 0 || i >= len(optionLabels) {
		return "?"
	}
	return optionLabels[i]
}

// Rationale returns the explanation attached to option i: the correct
// rationale for the answer, otherwise the matching incorrect rationale in order.
func (q GeneratedItem) Rationale(i int) string {
	if i == q.Answer() {
		return q.CorrectRationale
	}
	j := i
	if i > q.Answer() {
		j--
	}
	if j < 0 || j >= len(q.IncorrectRationales) {
		return ""
	}
	return q.IncorrectRationales[j]
}

type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedResponse
}

// ParseResponse decodes and validates model output for item generation.
// A bare single-question object is accepted as a batch of one.
func ParseResponse(responseBody string) (*GeneratedBatch, error) {
	cleaned := stripCodeFences(responseBody)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var batch GeneratedBatch
	if _, ok := probe["questions"]; ok {
		if err := json.Unmarshal([]byte(cleaned), &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	} else if _, ok := probe["stem"]; ok {
		var item GeneratedItem
		if err := json.Unmarshal([]byte(cleaned), &item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		batch.Questions = []GeneratedItem{item}
	} else {
		return nil, fmt.Errorf("%w: no questions field", ErrMalformedResponse)
	}

	if len(batch.Questions) == 0 {
		return nil, ErrEmptyResult
	}

	if err := validateBatch(&batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSpace(s)
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSpace(s)
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

func validateBatch(batch *GeneratedBatch) error {
	var errs []string

	for i, q := range batch.Questions {
		qNum := i + 1

		if strings.TrimSpace(q.Stem) == "" {
			errs = append(errs, fmt.Sprintf("question %d: empty stem", qNum))
		}

		if len(q.Options) != optionCount {
			errs = append(errs, fmt.Sprintf("question %d: expected %d options, got %d", qNum, optionCount, len(q.Options)))
			continue
		}
		for j, opt := range q.Options {
			if strings.TrimSpace(opt) == "" {
				errs = append(errs, fmt.Sprintf("question %d: option %s is empty", qNum, optionLabels[j]))
			}
		}

		if q.CorrectIndex == nil {
			errs = append(errs, fmt.Sprintf("question %d: missing correct_index", qNum))
		} else if *q.CorrectIndex < 0 || *q.CorrectIndex >= optionCount {
			errs = append(errs, fmt.Sprintf("question %d: correct_index %d out of range", qNum, *q.CorrectIndex))
		}

		if strings.TrimSpace(q.CorrectRationale) == "" {
			errs = append(errs, fmt.Sprintf("question %d: empty correct_rationale", qNum))
		}
		if len(q.IncorrectRationales) != optionCount-1 {
			errs = append(errs, fmt.Sprintf("question %d: expected %d incorrect_rationales, got %d", qNum, optionCount-1, len(q.IncorrectRationales)))
		} else {
			for j, r := range q.IncorrectRationales {
				if strings.TrimSpace(r) == "" {
					errs = append(errs, fmt.Sprintf("question %d: incorrect rationale %d is empty", qNum, j+1))
				}
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ── Topic discovery ─────────────────────────────────────

type topicList struct {
	Topics []string `json:"topics"`
}

// ParseTopics accepts {"topics": [...]} or a bare JSON array of strings.
func ParseTopics(responseBody string) ([]string, error) {
	cleaned := stripCodeFences(responseBody)

	var list topicList
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil && list.Topics != nil {
		return list.Topics, nil
	}

	var bare []string
	if err := json.Unmarshal([]byte(cleaned), &bare); err != nil {
		return nil, fmt.Errorf("%w: topic list: %v", ErrMalformedResponse, err)
	}
	return bare, nil
}
