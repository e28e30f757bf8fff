package app

import (
	"context"
	"log"
	"time"

	"quiz-attempt-service/internal/domain"
	"github.com/google/uuid"
)

// QuizCatalog loads published quiz content (from cache/backing store).
type QuizCatalog interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// AttemptStore persists attempts and their answer records. Implementations
// must make InsertAnswer duplicate-safe and CompleteAttempt a guarded
// transition: the first caller to flip the completion timestamp wins, every
// later caller gets the stored result back.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt domain.QuizAttempt) error
	GetAttempt(ctx context.Context, attemptID string) (domain.QuizAttempt, error)
	InsertAnswer(ctx context.Context, answer domain.QuestionAttempt) error
	ListAnswers(ctx context.Context, attemptID string) ([]domain.QuestionAttempt, error)
	CompleteAttempt(ctx context.Context, attemptID string, timeSpentSeconds int, completedAt time.Time) (domain.QuizAttempt, bool, error)
	ListUserAttempts(ctx context.Context, userID string) ([]domain.QuizAttempt, error)
}

// ProfileStore applies attempt results to the per-user gamification aggregate.
// ApplyAttemptResult must be a single atomic mutation at the storage layer,
// never a read-then-write round trip from the caller.
type ProfileStore interface {
	ApplyAttemptResult(ctx context.Context, userID string, pointsDelta int64, scoreForStreak int, at time.Time) (domain.Profile, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// EngagementStore owns the per-user-per-day rollup. RecordEngagement must be
// a single atomic insert-or-increment upsert on (userID, day).
type EngagementStore interface {
	RecordEngagement(ctx context.Context, userID string, day time.Time, secondsSpent, score int) error
	EngagementBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.EngagementMetric, error)
}

// AssignmentStore flips a matching assignment to completed. The update is
// conditioned on is_completed=false so replays leave the first completion
// timestamp in place.
type AssignmentStore interface {
	CompleteAssignment(ctx context.Context, quizID, userID string, completedAt time.Time) (bool, error)
}

// AggregationStore is the outbox: CompleteAttempt writes one job per attempt
// in the same transaction as the completion flip, ApplyAggregation claims and
// applies it exactly once, PendingAggregations feeds the retry sweep.
type AggregationStore interface {
	ApplyAggregation(ctx context.Context, attemptID string) (bool, error)
	PendingAggregations(ctx context.Context, olderThan time.Time, limit int) ([]domain.AggregationJob, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	AttemptStore
	ProfileStore
	EngagementStore
	AssignmentStore
	AggregationStore
}

// ProgressPublisher fans completion events out to dashboard subscribers.
type ProgressPublisher interface {
	Publish(event domain.AttemptCompleted)
}

// RetryEnqueuer schedules a durable retry of the aggregation step for an
// attempt whose inline aggregation failed.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, attemptID string) error
}

// FinalizeResult is what a finalize call returns, whether it performed the
// transition or replayed an attempt that was already completed.
type FinalizeResult struct {
	AttemptID        string    `json:"attemptId"`
	Score            int       `json:"score"`
	CorrectAnswers   int       `json:"correctAnswers"`
	PointsEarned     int64     `json:"pointsEarned"`
	TimeSpentSeconds int       `json:"timeSpentSeconds"`
	CompletedAt      time.Time `json:"completedAt"`
	AlreadyCompleted bool      `json:"alreadyCompleted"`
}

// AttemptService contains the attempt lifecycle use cases.
type AttemptService struct {
	store      Store
	catalog    QuizCatalog
	aggregator *Aggregator
	progress   ProgressPublisher
	retry      RetryEnqueuer
	now        func() time.Time
	newID      func() string
}

// ServiceOption tweaks an AttemptService at construction time.
type ServiceOption func(*AttemptService)

// WithClock is test-only for deterministic timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *AttemptService) { s.now = now }
}

// WithIDGenerator is test-only for deterministic IDs.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *AttemptService) { s.newID = newID }
}

// WithRetryEnqueuer wires the durable retry path for failed aggregations.
// Without one, failures are left to the reconciliation sweep.
func WithRetryEnqueuer(retry RetryEnqueuer) ServiceOption {
	return func(s *AttemptService) { s.retry = retry }
}

func NewAttemptService(store Store, catalog QuizCatalog, aggregator *Aggregator, progress ProgressPublisher, opts ...ServiceOption) *AttemptService {
	s := &AttemptService{
		store:      store,
		catalog:    catalog,
		aggregator: aggregator,
		progress:   progress,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginAttempt creates a new attempt for the user on the given quiz, copying
// the question count so later quiz edits cannot shift the denominator.
func (s *AttemptService) BeginAttempt(ctx context.Context, userID, quizID string) (domain.QuizAttempt, error) {
	quiz, err := s.catalog.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizAttempt{}, err
	}
	if quiz.TotalQuestions() == 0 {
		return domain.QuizAttempt{}, domain.ErrEmptyQuiz
	}

	attempt := domain.QuizAttempt{
		ID:             s.newID(),
		UserID:         userID,
		QuizID:         quizID,
		TotalQuestions: quiz.TotalQuestions(),
		Status:         domain.AttemptCreated,
		StartedAt:      s.now().UTC(),
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return domain.QuizAttempt{}, err
	}
	return attempt, nil
}

// RecordAnswer grades and appends one immutable answer record. A second
// answer for the same question is rejected with ErrDuplicateAnswer; the
// original record stands.
func (s *AttemptService) RecordAnswer(ctx context.Context, attemptID, questionID, userAnswer string, timeSpentSeconds int) (domain.QuestionAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.QuestionAttempt{}, err
	}
	if attempt.Completed() {
		return domain.QuestionAttempt{}, domain.ErrAttemptNotActive
	}

	quiz, err := s.catalog.GetQuiz(ctx, attempt.QuizID)
	if err != nil {
		return domain.QuestionAttempt{}, err
	}
	question := quiz.QuestionByID(questionID)
	if question == nil {
		return domain.QuestionAttempt{}, domain.ErrQuizMismatch
	}

	correct := domain.AnswerMatches(question.CorrectAnswer, userAnswer)
	earned := 0
	if correct {
		earned = domain.QuestionPoints(*question)
	}
	if timeSpentSeconds < 0 {
		timeSpentSeconds = 0
	}

	answer := domain.QuestionAttempt{
		ID:               s.newID(),
		AttemptID:        attemptID,
		QuestionID:       questionID,
		UserAnswer:       userAnswer,
		IsCorrect:        correct,
		PointsEarned:     earned,
		TimeSpentSeconds: timeSpentSeconds,
		AnsweredAt:       s.now().UTC(),
	}
	// The store re-checks completion and uniqueness under its own lock; the
	// checks above only short-circuit the common path.
	if err := s.store.InsertAnswer(ctx, answer); err != nil {
		return domain.QuestionAttempt{}, err
	}
	return answer, nil
}

// Finalize closes the attempt. The completion flip happens at most once; a
// replay (retry, second tab, second device) gets the stored result back with
// AlreadyCompleted set and triggers no second aggregation. Aggregation
// failures after a successful flip never undo completion; they are retried
// durably instead.
func (s *AttemptService) Finalize(ctx context.Context, attemptID string, totalTimeSpentSeconds int) (FinalizeResult, error) {
	if totalTimeSpentSeconds < 0 {
		totalTimeSpentSeconds = 0
	}

	attempt, transitioned, err := s.store.CompleteAttempt(ctx, attemptID, totalTimeSpentSeconds, s.now().UTC())
	if err != nil {
		return FinalizeResult{}, err
	}

	result := FinalizeResult{
		AttemptID:        attempt.ID,
		Score:            attempt.Score,
		CorrectAnswers:   attempt.CorrectAnswers,
		PointsEarned:     attempt.PointsEarned,
		TimeSpentSeconds: attempt.TimeSpentSeconds,
		CompletedAt:      *attempt.CompletedAt,
		AlreadyCompleted: !transitioned,
	}
	if !transitioned {
		return result, nil
	}

	if _, err := s.aggregator.Apply(ctx, attempt.ID); err != nil {
		// Completion is the source of truth; hand the aggregation to the
		// durable retry path rather than failing the caller.
		log.Printf("aggregation for attempt %s failed, scheduling retry: %v", attempt.ID, err)
		if s.retry != nil {
			if enqErr := s.retry.Enqueue(ctx, attempt.ID); enqErr != nil {
				log.Printf("enqueue aggregation retry for attempt %s: %v", attempt.ID, enqErr)
			}
		}
	}

	if s.progress != nil {
		s.progress.Publish(domain.AttemptCompleted{
			AttemptID:      attempt.ID,
			UserID:         attempt.UserID,
			QuizID:         attempt.QuizID,
			Score:          attempt.Score,
			CorrectAnswers: attempt.CorrectAnswers,
			PointsEarned:   attempt.PointsEarned,
			CompletedAt:    *attempt.CompletedAt,
		})
	}
	return result, nil
}

// GetAttempt returns one attempt by ID.
func (s *AttemptService) GetAttempt(ctx context.Context, attemptID string) (domain.QuizAttempt, error) {
	return s.store.GetAttempt(ctx, attemptID)
}

// ListAnswers returns the attempt's answer records in answer order.
func (s *AttemptService) ListAnswers(ctx context.Context, attemptID string) ([]domain.QuestionAttempt, error) {
	if _, err := s.store.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return s.store.ListAnswers(ctx, attemptID)
}

// ListUserAttempts returns the user's completed attempts, newest first.
// Abandoned attempts stay in progress forever and are excluded here.
func (s *AttemptService) ListUserAttempts(ctx context.Context, userID string) ([]domain.QuizAttempt, error) {
	return s.store.ListUserAttempts(ctx, userID)
}

// GetProfile returns the user's aggregate, or a zero profile if the user has
// never completed an attempt.
func (s *AttemptService) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

// EngagementBetween returns the user's daily rollups in [from, to].
func (s *AttemptService) EngagementBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.EngagementMetric, error) {
	return s.store.EngagementBetween(ctx, userID, from, to)
}
