package postgres

import (
	"context"
	"errors"
	"fmt"

	"quiz-attempt-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuizLoader loads published quizzes from the normalized catalog tables.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var quiz domain.Quiz
	err := l.pool.QueryRow(ctx, `SELECT id, title FROM quizzes WHERE id=$1`, quizID).
		Scan(&quiz.ID, &quiz.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz: %w", err)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT id, question_type, prompt, options, correct_answer, explanation, difficulty, points, order_index
		FROM questions
		WHERE quiz_id=$1
		ORDER BY order_index`, quizID)
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.Type, &q.Prompt, &q.Options, &q.CorrectAnswer,
			&q.Explanation, &q.Difficulty, &q.Points, &q.OrderIndex); err != nil {
			return domain.Quiz{}, fmt.Errorf("scan question: %w", err)
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return domain.Quiz{}, fmt.Errorf("load questions: %w", err)
	}
	return quiz, nil
}

// SaveQuiz upserts a quiz and its questions (seed/demo tooling; authoring is
// external in production).
func (l *QuizLoader) SaveQuiz(ctx context.Context, quiz domain.Quiz) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save quiz: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO quizzes (id, title) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		quiz.ID, quiz.Title); err != nil {
		return fmt.Errorf("upsert quiz: %w", err)
	}

	for _, q := range quiz.Questions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO questions
				(id, quiz_id, question_type, prompt, options, correct_answer, explanation, difficulty, points, order_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				prompt = EXCLUDED.prompt,
				options = EXCLUDED.options,
				correct_answer = EXCLUDED.correct_answer,
				explanation = EXCLUDED.explanation,
				difficulty = EXCLUDED.difficulty,
				points = EXCLUDED.points,
				order_index = EXCLUDED.order_index`,
			q.ID, quiz.ID, q.Type, q.Prompt, q.Options, q.CorrectAnswer,
			q.Explanation, q.Difficulty, domain.QuestionPoints(q), q.OrderIndex); err != nil {
			return fmt.Errorf("upsert question %s: %w", q.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// SaveAssignment upserts an assignment row (seed/demo tooling).
func (l *QuizLoader) SaveAssignment(ctx context.Context, assignment domain.Assignment) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO assignments (id, quiz_id, user_id, due_date, is_completed, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (quiz_id, user_id) DO UPDATE SET due_date = EXCLUDED.due_date`,
		assignment.ID, assignment.QuizID, assignment.UserID,
		assignment.DueDate, assignment.IsCompleted, assignment.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}
