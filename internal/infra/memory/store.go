package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-attempt-service/internal/domain"
)

// Store is the in-memory implementation of the engine's persistence surface,
// used when Postgres is not configured and by unit tests. Every mutation runs
// under the store mutex, which gives it the same atomicity the SQL backend
// gets from conditional single-statement writes: no read..unlock..write
// window exists anywhere.
type Store struct {
	mu          sync.RWMutex
	attempts    map[string]domain.QuizAttempt
	answers     map[string]map[string]domain.QuestionAttempt
	answerOrder map[string][]string
	profiles    map[string]domain.Profile
	engagement  map[string]domain.EngagementMetric
	assignments map[string]domain.Assignment
	jobs        map[string]domain.AggregationJob
}

func NewStore() *Store {
	return &Store{
		attempts:    make(map[string]domain.QuizAttempt),
		answers:     make(map[string]map[string]domain.QuestionAttempt),
		answerOrder: make(map[string][]string),
		profiles:    make(map[string]domain.Profile),
		engagement:  make(map[string]domain.EngagementMetric),
		assignments: make(map[string]domain.Assignment),
		jobs:        make(map[string]domain.AggregationJob),
	}
}

func (s *Store) CreateAttempt(_ context.Context, attempt domain.QuizAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.ID] = attempt
	return nil
}

func (s *Store) GetAttempt(_ context.Context, attemptID string) (domain.QuizAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.QuizAttempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

// InsertAnswer appends one immutable answer record. Completion and uniqueness
// are re-checked under the lock so a concurrent finalize or duplicate submit
// cannot slip in between the service's precondition checks and the write.
func (s *Store) InsertAnswer(_ context.Context, answer domain.QuestionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[answer.AttemptID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if attempt.Completed() {
		return domain.ErrAttemptNotActive
	}

	byQuestion, ok := s.answers[answer.AttemptID]
	if !ok {
		byQuestion = make(map[string]domain.QuestionAttempt)
		s.answers[answer.AttemptID] = byQuestion
	}
	if _, exists := byQuestion[answer.QuestionID]; exists {
		return domain.ErrDuplicateAnswer
	}

	byQuestion[answer.QuestionID] = answer
	s.answerOrder[answer.AttemptID] = append(s.answerOrder[answer.AttemptID], answer.QuestionID)

	if attempt.Status == domain.AttemptCreated {
		attempt.Status = domain.AttemptInProgress
		s.attempts[attempt.ID] = attempt
	}
	return nil
}

func (s *Store) ListAnswers(_ context.Context, attemptID string) ([]domain.QuestionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answersLocked(attemptID), nil
}

func (s *Store) answersLocked(attemptID string) []domain.QuestionAttempt {
	order := s.answerOrder[attemptID]
	byQuestion := s.answers[attemptID]
	answers := make([]domain.QuestionAttempt, 0, len(order))
	for _, questionID := range order {
		answers = append(answers, byQuestion[questionID])
	}
	return answers
}

// CompleteAttempt is the guarded transition: the first caller flips the
// attempt to completed, scores it from its persisted answers, and writes the
// aggregation outbox row, all under one lock hold. Later callers get the
// stored result and transitioned=false.
func (s *Store) CompleteAttempt(_ context.Context, attemptID string, timeSpentSeconds int, completedAt time.Time) (domain.QuizAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.QuizAttempt{}, false, domain.ErrAttemptNotFound
	}
	if attempt.Completed() {
		return attempt, false, nil
	}

	result := domain.ScoreAnswers(attempt.TotalQuestions, s.answersLocked(attemptID))
	completedAt = completedAt.UTC()

	attempt.Status = domain.AttemptStatusCompleted
	attempt.CompletedAt = &completedAt
	attempt.Score = result.Score
	attempt.CorrectAnswers = result.CorrectAnswers
	attempt.PointsEarned = result.PointsEarned
	attempt.TimeSpentSeconds = timeSpentSeconds
	s.attempts[attemptID] = attempt

	if _, exists := s.jobs[attemptID]; !exists {
		s.jobs[attemptID] = domain.AggregationJob{
			AttemptID:        attemptID,
			UserID:           attempt.UserID,
			QuizID:           attempt.QuizID,
			PointsDelta:      result.PointsEarned,
			Score:            result.Score,
			TimeSpentSeconds: timeSpentSeconds,
			CompletedAt:      completedAt,
			CreatedAt:        completedAt,
		}
	}
	return attempt, true, nil
}

func (s *Store) ListUserAttempts(_ context.Context, userID string) ([]domain.QuizAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := make([]domain.QuizAttempt, 0)
	for _, attempt := range s.attempts {
		if attempt.UserID == userID && attempt.Completed() {
			attempts = append(attempts, attempt)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CompletedAt.After(*attempts[j].CompletedAt)
	})
	return attempts, nil
}

func (s *Store) ApplyAttemptResult(_ context.Context, userID string, pointsDelta int64, scoreForStreak int, at time.Time) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyAttemptResultLocked(userID, pointsDelta, scoreForStreak, at), nil
}

func (s *Store) applyAttemptResultLocked(userID string, pointsDelta int64, scoreForStreak int, at time.Time) domain.Profile {
	profile := s.profiles[userID]
	profile.UserID = userID
	profile.Points += pointsDelta
	if scoreForStreak >= domain.StreakThreshold {
		profile.StreakCount++
	} else {
		profile.StreakCount = 0
	}
	profile.UpdatedAt = at.UTC()
	s.profiles[userID] = profile
	return profile
}

func (s *Store) GetProfile(_ context.Context, userID string) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return domain.Profile{UserID: userID}, nil
	}
	return profile, nil
}

func (s *Store) RecordEngagement(_ context.Context, userID string, day time.Time, secondsSpent, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordEngagementLocked(userID, day, secondsSpent, score)
	return nil
}

func (s *Store) recordEngagementLocked(userID string, day time.Time, secondsSpent, score int) {
	bucket := domain.EngagementDay(day)
	key := engagementKey(userID, bucket)
	metric, ok := s.engagement[key]
	if !ok {
		metric = domain.EngagementMetric{UserID: userID, Date: bucket}
	}
	metric.QuizzesCompleted++
	metric.TotalTimeSpentSeconds += secondsSpent
	metric.TotalScore += score
	s.engagement[key] = metric
}

func (s *Store) EngagementBetween(_ context.Context, userID string, from, to time.Time) ([]domain.EngagementMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromDay := domain.EngagementDay(from)
	toDay := domain.EngagementDay(to)
	metrics := make([]domain.EngagementMetric, 0)
	for _, metric := range s.engagement {
		if metric.UserID != userID {
			continue
		}
		if metric.Date.Before(fromDay) || metric.Date.After(toDay) {
			continue
		}
		metrics = append(metrics, metric)
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Date.Before(metrics[j].Date)
	})
	return metrics, nil
}

// PutAssignment seeds an assignment row (demo/seed/test helper; assignments
// are authored externally in production).
func (s *Store) PutAssignment(assignment domain.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignmentKey(assignment.QuizID, assignment.UserID)] = assignment
}

// GetAssignment returns the assignment for (quizID, userID), if any.
func (s *Store) GetAssignment(quizID, userID string) (domain.Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignment, ok := s.assignments[assignmentKey(quizID, userID)]
	return assignment, ok
}

func (s *Store) CompleteAssignment(_ context.Context, quizID, userID string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeAssignmentLocked(quizID, userID, completedAt), nil
}

func (s *Store) completeAssignmentLocked(quizID, userID string, completedAt time.Time) bool {
	key := assignmentKey(quizID, userID)
	assignment, ok := s.assignments[key]
	if !ok || assignment.IsCompleted {
		return false
	}
	completedAt = completedAt.UTC()
	assignment.IsCompleted = true
	assignment.CompletedAt = &completedAt
	s.assignments[key] = assignment
	return true
}

// ApplyAggregation claims the attempt's outbox row and folds its profile,
// engagement, and assignment updates in under one lock hold. The AppliedAt
// stamp is the idempotency marker: a claimed job is never applied again.
func (s *Store) ApplyAggregation(_ context.Context, attemptID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[attemptID]
	if !ok {
		return false, domain.ErrAggregationJobNotFound
	}
	if job.Applied() {
		return false, nil
	}

	s.applyAttemptResultLocked(job.UserID, job.PointsDelta, job.Score, job.CompletedAt)
	s.recordEngagementLocked(job.UserID, job.CompletedAt, job.TimeSpentSeconds, job.Score)
	s.completeAssignmentLocked(job.QuizID, job.UserID, job.CompletedAt)

	appliedAt := job.CompletedAt
	job.AppliedAt = &appliedAt
	s.jobs[attemptID] = job
	return true, nil
}

func (s *Store) PendingAggregations(_ context.Context, olderThan time.Time, limit int) ([]domain.AggregationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.AggregationJob, 0)
	for _, job := range s.jobs {
		if job.Applied() || !job.CreatedAt.Before(olderThan) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func engagementKey(userID string, day time.Time) string {
	return userID + "|" + day.Format("2006-01-02")
}

func assignmentKey(quizID, userID string) string {
	return quizID + "|" + userID
}
