package models

import (
	"errors"
	"fmt"
)

// ErrInvalidQuestion indicates a question that cannot be played.
var ErrInvalidQuestion = errors.New("invalid question")

// Question is one trivia prompt. It is fixed for the session once the game starts.
type Question struct {
	Text               string   `json:"text"`
	Choices            []string `json:"choices"`
	CorrectAnswerIndex int      `json:"correctAnswerIndex"`
}

// CorrectAnswer returns the choice that scores for this question.
func (q Question) CorrectAnswer() string {
	return q.Choices[q.CorrectAnswerIndex]
}

// Validate checks that the question has at least two choices and a correct index in range.
func (q Question) Validate() error {
	if len(q.Choices) < 2 {
		return fmt.Errorf("%w: need at least 2 choices, got %d", ErrInvalidQuestion, len(q.Choices))
	}
	if q.CorrectAnswerIndex < 0 || q.CorrectAnswerIndex >= len(q.Choices) {
		return fmt.Errorf("%w: correctAnswerIndex %d out of range", ErrInvalidQuestion, q.CorrectAnswerIndex)
	}
	return nil
}

// ValidateQuestions checks a full question set.
func ValidateQuestions(qs []Question) error {
	if len(qs) == 0 {
		return fmt.Errorf("%w: empty question set", ErrInvalidQuestion)
	}
	for i, q := range qs {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}
	return nil
}
