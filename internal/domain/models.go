package domain

import "time"

// QuestionType enumerates the supported answer formats.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

// Difficulty is an authoring-time label; the engine stores it but never branches on it.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question carries the grading key for one quiz question.
type Question struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"type"`
	Prompt        string       `json:"prompt"`
	Options       []string     `json:"options,omitempty"` // multiple_choice only
	CorrectAnswer string       `json:"correctAnswer"`
	Explanation   string       `json:"explanation,omitempty"`
	Difficulty    Difficulty   `json:"difficulty"`
	Points        int          `json:"points"` // defaults to 1 if zero
	OrderIndex    int          `json:"orderIndex"`
}

// Quiz is an immutable ordered question set, published by the authoring system.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// TotalQuestions reports the question count fixed at publish time.
func (q Quiz) TotalQuestions() int { return len(q.Questions) }

// QuestionByID finds a question in the quiz, or nil.
func (q Quiz) QuestionByID(questionID string) *Question {
	for i := range q.Questions {
		if q.Questions[i].ID == questionID {
			return &q.Questions[i]
		}
	}
	return nil
}

// AttemptStatus is the explicit lifecycle tag of an attempt.
type AttemptStatus string

const (
	AttemptCreated    AttemptStatus = "created"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptStatusCompleted AttemptStatus = "completed"
)

// QuizAttempt is one user's run through a quiz. TotalQuestions is copied from
// the quiz at creation and never changes; Score, CorrectAnswers, PointsEarned
// and CompletedAt are written by the completion transition exactly once.
type QuizAttempt struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId"`
	QuizID           string        `json:"quizId"`
	TotalQuestions   int           `json:"totalQuestions"`
	Status           AttemptStatus `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	Score            int           `json:"score"`
	CorrectAnswers   int           `json:"correctAnswers"`
	PointsEarned     int64         `json:"pointsEarned"`
	TimeSpentSeconds int           `json:"timeSpentSeconds"`
}

// Completed reports whether the attempt reached its terminal state.
func (a QuizAttempt) Completed() bool { return a.CompletedAt != nil }

// QuestionAttempt is the immutable record of one answered question.
type QuestionAttempt struct {
	ID               string    `json:"id"`
	AttemptID        string    `json:"attemptId"`
	QuestionID       string    `json:"questionId"`
	UserAnswer       string    `json:"userAnswer"`
	IsCorrect        bool      `json:"isCorrect"`
	PointsEarned     int       `json:"pointsEarned"`
	TimeSpentSeconds int       `json:"timeSpentSeconds"`
	AnsweredAt       time.Time `json:"answeredAt"`
}

// Profile is the per-user gamification aggregate shared across all attempts.
// Points only grows through atomic deltas; StreakCount counts consecutive
// completions scoring at or above StreakThreshold.
type Profile struct {
	UserID      string    `json:"userId"`
	Points      int64     `json:"points"`
	StreakCount int       `json:"streakCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StreakThreshold is the minimum percent score that extends a streak.
const StreakThreshold = 70

// EngagementMetric is the per-user-per-day rollup of completed-quiz activity.
// Date is the UTC day of the attempt's completion; counters only increase.
type EngagementMetric struct {
	UserID                string    `json:"userId"`
	Date                  time.Time `json:"date"`
	QuizzesCompleted      int       `json:"quizzesCompleted"`
	TotalTimeSpentSeconds int       `json:"totalTimeSpentSeconds"`
	TotalScore            int       `json:"totalScore"`
}

// EngagementDay truncates a completion timestamp to its UTC day bucket.
func EngagementDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Assignment links a quiz to a user with a due date. Authored externally; the
// engine only flips IsCompleted on the first matching completed attempt.
type Assignment struct {
	ID          string     `json:"id"`
	QuizID      string     `json:"quizId"`
	UserID      string     `json:"userId"`
	DueDate     time.Time  `json:"dueDate"`
	IsCompleted bool       `json:"isCompleted"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AggregationJob is the outbox row written in the same transaction as the
// completion flip. AppliedAt doubles as the per-attempt idempotency marker:
// aggregates are applied exactly when it transitions from nil.
type AggregationJob struct {
	AttemptID        string
	UserID           string
	QuizID           string
	PointsDelta      int64
	Score            int
	TimeSpentSeconds int
	CompletedAt      time.Time
	CreatedAt        time.Time
	AppliedAt        *time.Time
}

// Applied reports whether the job's aggregates have been folded in.
func (j AggregationJob) Applied() bool { return j.AppliedAt != nil }

// AttemptResult holds the summary values produced by the completion transition.
type AttemptResult struct {
	Score            int   `json:"score"`
	CorrectAnswers   int   `json:"correctAnswers"`
	PointsEarned     int64 `json:"pointsEarned"`
	TimeSpentSeconds int   `json:"timeSpentSeconds"`
}

// AttemptCompleted is the display-only event fanned out to dashboards when an
// attempt reaches its terminal state.
type AttemptCompleted struct {
	AttemptID      string    `json:"attemptId"`
	UserID         string    `json:"userId"`
	QuizID         string    `json:"quizId"`
	Score          int       `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	PointsEarned   int64     `json:"pointsEarned"`
	CompletedAt    time.Time `json:"completedAt"`
}
