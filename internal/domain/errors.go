package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded from the catalog.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrEmptyQuiz rejects attempt creation for a quiz with no questions.
	ErrEmptyQuiz = errors.New("quiz has no questions")
	// ErrAttemptNotFound is returned when the referenced attempt does not exist.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptNotActive rejects answer recording on an already completed attempt.
	ErrAttemptNotActive = errors.New("attempt already completed")
	// ErrDuplicateAnswer rejects a second answer for the same question in one attempt.
	ErrDuplicateAnswer = errors.New("question already answered in this attempt")
	// ErrQuizMismatch rejects answers to questions that belong to a different quiz.
	ErrQuizMismatch = errors.New("question does not belong to the attempt's quiz")
	// ErrAggregationJobNotFound means no outbox row exists for the attempt.
	ErrAggregationJobNotFound = errors.New("aggregation job not found")
)
