package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quiz-attempt-service/internal/domain"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the atomic
// statements below can run standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is the Postgres implementation of the engine's persistence surface.
// Cross-row invariants are enforced in SQL: the completion flip is a
// conditional single-statement update under a row lock, profile and
// engagement mutations are upserts with arithmetic in the ON CONFLICT arm,
// and the aggregation outbox row is claimed with a conditional stamp.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateAttempt(ctx context.Context, attempt domain.QuizAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quiz_attempts (id, user_id, quiz_id, total_questions, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.ID, attempt.UserID, attempt.QuizID, attempt.TotalQuestions, attempt.Status, attempt.StartedAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (domain.QuizAttempt, error) {
	return scanAttempt(s.pool.QueryRow(ctx, attemptSelect+` WHERE id=$1`, attemptID))
}

const attemptSelect = `
	SELECT id, user_id, quiz_id, total_questions, status, started_at,
	       completed_at, score, correct_answers, points_earned, time_spent_seconds
	FROM quiz_attempts`

func scanAttempt(row pgx.Row) (domain.QuizAttempt, error) {
	var attempt domain.QuizAttempt
	err := row.Scan(&attempt.ID, &attempt.UserID, &attempt.QuizID, &attempt.TotalQuestions,
		&attempt.Status, &attempt.StartedAt, &attempt.CompletedAt, &attempt.Score,
		&attempt.CorrectAnswers, &attempt.PointsEarned, &attempt.TimeSpentSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuizAttempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.QuizAttempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	return attempt, nil
}

// InsertAnswer appends one answer record. The attempt row is locked first so
// a concurrent finalize cannot complete the attempt mid-insert; the unique
// constraint on (attempt_id, question_id) rejects duplicate submissions.
func (s *Store) InsertAnswer(ctx context.Context, answer domain.QuestionAttempt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert answer: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.AttemptStatus
	var completedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, completed_at FROM quiz_attempts WHERE id=$1 FOR UPDATE`,
		answer.AttemptID).Scan(&status, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("lock attempt: %w", err)
	}
	if completedAt != nil {
		return domain.ErrAttemptNotActive
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO question_attempts
			(id, attempt_id, question_id, user_answer, is_correct, points_earned, time_spent_seconds, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		answer.ID, answer.AttemptID, answer.QuestionID, answer.UserAnswer,
		answer.IsCorrect, answer.PointsEarned, answer.TimeSpentSeconds, answer.AnsweredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAnswer
		}
		return fmt.Errorf("insert answer: %w", err)
	}

	if status == domain.AttemptCreated {
		if _, err := tx.Exec(ctx, `UPDATE quiz_attempts SET status=$2 WHERE id=$1`,
			answer.AttemptID, domain.AttemptInProgress); err != nil {
			return fmt.Errorf("mark attempt in progress: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAnswers(ctx context.Context, attemptID string) ([]domain.QuestionAttempt, error) {
	rows, err := s.pool.Query(ctx, answerSelect+` WHERE attempt_id=$1 ORDER BY answered_at, id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()
	return collectAnswers(rows)
}

const answerSelect = `
	SELECT id, attempt_id, question_id, user_answer, is_correct, points_earned, time_spent_seconds, answered_at
	FROM question_attempts`

func collectAnswers(rows pgx.Rows) ([]domain.QuestionAttempt, error) {
	answers := make([]domain.QuestionAttempt, 0)
	for rows.Next() {
		var qa domain.QuestionAttempt
		if err := rows.Scan(&qa.ID, &qa.AttemptID, &qa.QuestionID, &qa.UserAnswer,
			&qa.IsCorrect, &qa.PointsEarned, &qa.TimeSpentSeconds, &qa.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, qa)
	}
	return answers, rows.Err()
}

// CompleteAttempt performs the guarded completion transition in one
// transaction: lock the row, re-check the timestamp, score from the persisted
// answers, flip conditioned on completed_at IS NULL, and write the
// aggregation outbox row. Losers of a concurrent race serialize on the row
// lock and get the stored result back.
func (s *Store) CompleteAttempt(ctx context.Context, attemptID string, timeSpentSeconds int, completedAt time.Time) (domain.QuizAttempt, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.QuizAttempt{}, false, fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	attempt, err := scanAttempt(tx.QueryRow(ctx, attemptSelect+` WHERE id=$1 FOR UPDATE`, attemptID))
	if err != nil {
		return domain.QuizAttempt{}, false, err
	}
	if attempt.Completed() {
		return attempt, false, nil
	}

	rows, err := tx.Query(ctx, answerSelect+` WHERE attempt_id=$1 ORDER BY answered_at, id`, attemptID)
	if err != nil {
		return domain.QuizAttempt{}, false, fmt.Errorf("load answers: %w", err)
	}
	answers, err := collectAnswers(rows)
	rows.Close()
	if err != nil {
		return domain.QuizAttempt{}, false, err
	}

	result := domain.ScoreAnswers(attempt.TotalQuestions, answers)
	// Truncate to Postgres timestamp precision so the returned attempt is
	// byte-equal with what a replay reads back.
	completedAt = completedAt.UTC().Truncate(time.Microsecond)

	tag, err := tx.Exec(ctx, `
		UPDATE quiz_attempts
		SET status=$2, completed_at=$3, score=$4, correct_answers=$5, points_earned=$6, time_spent_seconds=$7
		WHERE id=$1 AND completed_at IS NULL`,
		attemptID, domain.AttemptStatusCompleted, completedAt,
		result.Score, result.CorrectAnswers, result.PointsEarned, timeSpentSeconds)
	if err != nil {
		return domain.QuizAttempt{}, false, fmt.Errorf("complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Unreachable under the row lock; kept as a belt against future
		// callers completing outside this transaction.
		return attempt, false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO aggregation_jobs
			(attempt_id, user_id, quiz_id, points_delta, score, time_spent_seconds, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (attempt_id) DO NOTHING`,
		attemptID, attempt.UserID, attempt.QuizID,
		result.PointsEarned, result.Score, timeSpentSeconds, completedAt); err != nil {
		return domain.QuizAttempt{}, false, fmt.Errorf("insert aggregation job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.QuizAttempt{}, false, fmt.Errorf("commit complete: %w", err)
	}

	attempt.Status = domain.AttemptStatusCompleted
	attempt.CompletedAt = &completedAt
	attempt.Score = result.Score
	attempt.CorrectAnswers = result.CorrectAnswers
	attempt.PointsEarned = result.PointsEarned
	attempt.TimeSpentSeconds = timeSpentSeconds
	return attempt, true, nil
}

func (s *Store) ListUserAttempts(ctx context.Context, userID string) ([]domain.QuizAttempt, error) {
	rows, err := s.pool.Query(ctx, attemptSelect+`
		WHERE user_id=$1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]domain.QuizAttempt, 0)
	for rows.Next() {
		var attempt domain.QuizAttempt
		if err := rows.Scan(&attempt.ID, &attempt.UserID, &attempt.QuizID, &attempt.TotalQuestions,
			&attempt.Status, &attempt.StartedAt, &attempt.CompletedAt, &attempt.Score,
			&attempt.CorrectAnswers, &attempt.PointsEarned, &attempt.TimeSpentSeconds); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (s *Store) ApplyAttemptResult(ctx context.Context, userID string, pointsDelta int64, scoreForStreak int, at time.Time) (domain.Profile, error) {
	return applyAttemptResult(ctx, s.pool, userID, pointsDelta, scoreForStreak, at)
}

// applyAttemptResult is a single atomic upsert; concurrent completions for
// the same user serialize inside Postgres instead of losing updates to a
// read-modify-write window.
func applyAttemptResult(ctx context.Context, q querier, userID string, pointsDelta int64, scoreForStreak int, at time.Time) (domain.Profile, error) {
	var profile domain.Profile
	err := q.QueryRow(ctx, `
		INSERT INTO profiles (user_id, points, streak_count, updated_at)
		VALUES ($1, $2, CASE WHEN $3 >= $4 THEN 1 ELSE 0 END, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			points = profiles.points + EXCLUDED.points,
			streak_count = CASE WHEN $3 >= $4 THEN profiles.streak_count + 1 ELSE 0 END,
			updated_at = EXCLUDED.updated_at
		RETURNING user_id, points, streak_count, updated_at`,
		userID, pointsDelta, scoreForStreak, domain.StreakThreshold, at.UTC()).
		Scan(&profile.UserID, &profile.Points, &profile.StreakCount, &profile.UpdatedAt)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("apply attempt result: %w", err)
	}
	return profile, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var profile domain.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, points, streak_count, updated_at FROM profiles WHERE user_id=$1`, userID).
		Scan(&profile.UserID, &profile.Points, &profile.StreakCount, &profile.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{UserID: userID}, nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return profile, nil
}

func (s *Store) RecordEngagement(ctx context.Context, userID string, day time.Time, secondsSpent, score int) error {
	return recordEngagement(ctx, s.pool, userID, day, secondsSpent, score)
}

func recordEngagement(ctx context.Context, q querier, userID string, day time.Time, secondsSpent, score int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO engagement_metrics (user_id, metric_date, quizzes_completed, total_time_spent_seconds, total_score)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (user_id, metric_date) DO UPDATE SET
			quizzes_completed = engagement_metrics.quizzes_completed + 1,
			total_time_spent_seconds = engagement_metrics.total_time_spent_seconds + EXCLUDED.total_time_spent_seconds,
			total_score = engagement_metrics.total_score + EXCLUDED.total_score`,
		userID, domain.EngagementDay(day), secondsSpent, score)
	if err != nil {
		return fmt.Errorf("record engagement: %w", err)
	}
	return nil
}

func (s *Store) EngagementBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.EngagementMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, metric_date, quizzes_completed, total_time_spent_seconds, total_score
		FROM engagement_metrics
		WHERE user_id=$1 AND metric_date BETWEEN $2 AND $3
		ORDER BY metric_date`,
		userID, domain.EngagementDay(from), domain.EngagementDay(to))
	if err != nil {
		return nil, fmt.Errorf("engagement between: %w", err)
	}
	defer rows.Close()

	metrics := make([]domain.EngagementMetric, 0)
	for rows.Next() {
		var m domain.EngagementMetric
		if err := rows.Scan(&m.UserID, &m.Date, &m.QuizzesCompleted, &m.TotalTimeSpentSeconds, &m.TotalScore); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		m.Date = domain.EngagementDay(m.Date)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (s *Store) CompleteAssignment(ctx context.Context, quizID, userID string, completedAt time.Time) (bool, error) {
	return completeAssignment(ctx, s.pool, quizID, userID, completedAt)
}

func completeAssignment(ctx context.Context, q querier, quizID, userID string, completedAt time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE assignments
		SET is_completed = true, completed_at = $3
		WHERE quiz_id=$1 AND user_id=$2 AND is_completed = false`,
		quizID, userID, completedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("complete assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyAggregation claims the attempt's outbox row and applies the profile,
// engagement, and assignment updates in one transaction. The conditional
// applied_at stamp makes the whole unit exactly-once under races between the
// inline path, the queue worker, and the reconciliation sweep.
func (s *Store) ApplyAggregation(ctx context.Context, attemptID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin aggregation: %w", err)
	}
	defer tx.Rollback(ctx)

	var job domain.AggregationJob
	err = tx.QueryRow(ctx, `
		UPDATE aggregation_jobs
		SET applied_at = now()
		WHERE attempt_id=$1 AND applied_at IS NULL
		RETURNING user_id, quiz_id, points_delta, score, time_spent_seconds, completed_at`,
		attemptID).Scan(&job.UserID, &job.QuizID, &job.PointsDelta, &job.Score, &job.TimeSpentSeconds, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM aggregation_jobs WHERE attempt_id=$1)`,
			attemptID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check aggregation job: %w", err)
		}
		if !exists {
			return false, domain.ErrAggregationJobNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim aggregation job: %w", err)
	}

	if _, err := applyAttemptResult(ctx, tx, job.UserID, job.PointsDelta, job.Score, job.CompletedAt); err != nil {
		return false, err
	}
	if err := recordEngagement(ctx, tx, job.UserID, job.CompletedAt, job.TimeSpentSeconds, job.Score); err != nil {
		return false, err
	}
	if _, err := completeAssignment(ctx, tx, job.QuizID, job.UserID, job.CompletedAt); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit aggregation: %w", err)
	}
	return true, nil
}

func (s *Store) PendingAggregations(ctx context.Context, olderThan time.Time, limit int) ([]domain.AggregationJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, user_id, quiz_id, points_delta, score, time_spent_seconds, completed_at, created_at
		FROM aggregation_jobs
		WHERE applied_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending aggregations: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.AggregationJob, 0)
	for rows.Next() {
		var job domain.AggregationJob
		if err := rows.Scan(&job.AttemptID, &job.UserID, &job.QuizID, &job.PointsDelta,
			&job.Score, &job.TimeSpentSeconds, &job.CompletedAt, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan aggregation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
