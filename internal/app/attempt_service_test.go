package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
)

var frozen = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestBeginAttemptCopiesQuestionCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	attempt, err := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if attempt.TotalQuestions != 5 {
		t.Fatalf("total questions = %d, want 5", attempt.TotalQuestions)
	}
	if attempt.Status != domain.AttemptCreated {
		t.Fatalf("status = %s, want created", attempt.Status)
	}
}

func TestBeginAttemptRejectsUnknownAndEmptyQuizzes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.service.BeginAttempt(ctx, "u1", "missing"); err != domain.ErrQuizNotFound {
		t.Fatalf("expected quiz-not-found, got %v", err)
	}
	if _, err := env.service.BeginAttempt(ctx, "u1", "quiz-empty"); err != domain.ErrEmptyQuiz {
		t.Fatalf("expected empty-quiz, got %v", err)
	}
}

func TestRecordAnswerGradesTrimmedCaseSensitive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")

	answer, err := env.service.RecordAnswer(ctx, attempt.ID, "q1", "  4 ", 20)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !answer.IsCorrect || answer.PointsEarned != 1 {
		t.Fatalf("expected correct 1-point answer, got %+v", answer)
	}

	wrong, err := env.service.RecordAnswer(ctx, attempt.ID, "q2", "TRUE", 5)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if wrong.IsCorrect || wrong.PointsEarned != 0 {
		t.Fatalf("case must matter, got %+v", wrong)
	}
}

func TestRecordAnswerValidations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")

	if _, err := env.service.RecordAnswer(ctx, "missing", "q1", "4", 1); err != domain.ErrAttemptNotFound {
		t.Fatalf("expected attempt-not-found, got %v", err)
	}
	if _, err := env.service.RecordAnswer(ctx, attempt.ID, "other-quiz-question", "4", 1); err != domain.ErrQuizMismatch {
		t.Fatalf("expected quiz mismatch, got %v", err)
	}

	if _, err := env.service.RecordAnswer(ctx, attempt.ID, "q1", "4", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := env.service.RecordAnswer(ctx, attempt.ID, "q1", "5", 1); err != domain.ErrDuplicateAnswer {
		t.Fatalf("expected duplicate, got %v", err)
	}

	if _, err := env.service.Finalize(ctx, attempt.ID, 60); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := env.service.RecordAnswer(ctx, attempt.ID, "q2", "true", 1); err != domain.ErrAttemptNotActive {
		t.Fatalf("expected not-active after completion, got %v", err)
	}
}

func TestFinalizeScoresAndAggregatesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.PutAssignment(domain.Assignment{ID: "as1", QuizID: "quiz-1", UserID: "u1", DueDate: frozen.AddDate(0, 0, 7)})

	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, attempt.ID)

	result, err := env.service.Finalize(ctx, attempt.ID, 300)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.AlreadyCompleted {
		t.Fatalf("first finalize must transition")
	}
	// Four of five correct including the 2-pointer: score 80, points 5.
	if result.Score != 80 || result.CorrectAnswers != 4 || result.PointsEarned != 5 {
		t.Fatalf("unexpected result %+v", result)
	}

	profile, _ := env.service.GetProfile(ctx, "u1")
	if profile.Points != 5 || profile.StreakCount != 1 {
		t.Fatalf("profile after finalize: %+v", profile)
	}

	metrics, _ := env.service.EngagementBetween(ctx, "u1", frozen, frozen)
	if len(metrics) != 1 || metrics[0].QuizzesCompleted != 1 || metrics[0].TotalTimeSpentSeconds != 300 || metrics[0].TotalScore != 80 {
		t.Fatalf("engagement after finalize: %+v", metrics)
	}

	assignment, _ := env.store.GetAssignment("quiz-1", "u1")
	if !assignment.IsCompleted || !assignment.CompletedAt.Equal(result.CompletedAt) {
		t.Fatalf("assignment not flipped with the attempt's timestamp: %+v", assignment)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, attempt.ID)

	first, err := env.service.Finalize(ctx, attempt.ID, 300)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	second, err := env.service.Finalize(ctx, attempt.ID, 999)
	if err != nil {
		t.Fatalf("replay finalize: %v", err)
	}
	if !second.AlreadyCompleted {
		t.Fatalf("replay must report already completed")
	}
	if second.Score != first.Score || second.PointsEarned != first.PointsEarned || second.TimeSpentSeconds != first.TimeSpentSeconds {
		t.Fatalf("replay result diverged: first %+v second %+v", first, second)
	}

	// Aggregates applied exactly once across both calls.
	profile, _ := env.service.GetProfile(ctx, "u1")
	if profile.Points != 5 || profile.StreakCount != 1 {
		t.Fatalf("double-counted aggregates: %+v", profile)
	}
	metrics, _ := env.service.EngagementBetween(ctx, "u1", frozen, frozen)
	if metrics[0].QuizzesCompleted != 1 {
		t.Fatalf("double-counted engagement: %+v", metrics[0])
	}
}

func TestConcurrentFinalizeSingleTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, attempt.ID)

	const callers = 12
	var wg sync.WaitGroup
	transitions := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.service.Finalize(ctx, attempt.ID, 300)
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if result.Score != 80 {
				t.Errorf("caller saw score %d, want 80", result.Score)
			}
			transitions <- !result.AlreadyCompleted
		}()
	}
	wg.Wait()
	close(transitions)

	winners := 0
	for w := range transitions {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}

	profile, _ := env.service.GetProfile(ctx, "u1")
	if profile.Points != 5 {
		t.Fatalf("points = %d, want 5 (aggregation raced)", profile.Points)
	}
}

func TestFinalizeSecondQuizExtendsStreakAndLeavesAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.PutAssignment(domain.Assignment{ID: "as1", QuizID: "quiz-1", UserID: "u1", DueDate: frozen.AddDate(0, 0, 7)})

	a1, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, a1.ID)
	r1, _ := env.service.Finalize(ctx, a1.ID, 300)

	// A second attempt at the same quiz the same day: streak 1→2, assignment
	// untouched, engagement accumulates {2, 420, 130}.
	a2, _ := env.service.BeginAttempt(ctx, "u1", "quiz-2")
	if _, err := env.service.RecordAnswer(ctx, a2.ID, "single", "yes", 120); err != nil {
		t.Fatalf("record: %v", err)
	}
	r2, err := env.service.Finalize(ctx, a2.ID, 120)
	if err != nil {
		t.Fatalf("finalize second: %v", err)
	}
	if r2.Score != 100 {
		t.Fatalf("second score = %d, want 100", r2.Score)
	}

	profile, _ := env.service.GetProfile(ctx, "u1")
	if profile.StreakCount != 2 {
		t.Fatalf("streak = %d, want 2", profile.StreakCount)
	}

	metrics, _ := env.service.EngagementBetween(ctx, "u1", frozen, frozen)
	if m := metrics[0]; m.QuizzesCompleted != 2 || m.TotalTimeSpentSeconds != 420 {
		t.Fatalf("engagement after two quizzes: %+v", m)
	}

	assignment, _ := env.store.GetAssignment("quiz-1", "u1")
	if !assignment.CompletedAt.Equal(r1.CompletedAt) {
		t.Fatalf("assignment timestamp moved: %v vs %v", assignment.CompletedAt, r1.CompletedAt)
	}
}

func TestFinalizeBelowThresholdResetsStreak(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Build a streak of 2 directly, then complete a 0-score attempt.
	_, _ = env.store.ApplyAttemptResult(ctx, "u1", 10, 90, frozen)
	_, _ = env.store.ApplyAttemptResult(ctx, "u1", 10, 90, frozen)

	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-2")
	if _, err := env.service.RecordAnswer(ctx, attempt.ID, "single", "no", 30); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := env.service.Finalize(ctx, attempt.ID, 30); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	profile, _ := env.service.GetProfile(ctx, "u1")
	if profile.StreakCount != 0 {
		t.Fatalf("streak = %d, want 0 after score below threshold", profile.StreakCount)
	}
	if profile.Points != 20 {
		t.Fatalf("points = %d, want 20 (failed attempt adds nothing)", profile.Points)
	}
}

func TestListUserAttemptsNewestFirstCompletedOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a1, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, a1.ID)
	if _, err := env.service.Finalize(ctx, a1.ID, 100); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	env.clock.advance(time.Hour)
	a2, _ := env.service.BeginAttempt(ctx, "u1", "quiz-2")
	_, _ = env.service.RecordAnswer(ctx, a2.ID, "single", "yes", 10)
	if _, err := env.service.Finalize(ctx, a2.ID, 10); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Abandoned attempt stays invisible.
	_, _ = env.service.BeginAttempt(ctx, "u1", "quiz-1")

	attempts, err := env.service.ListUserAttempts(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 2 || attempts[0].ID != a2.ID || attempts[1].ID != a1.ID {
		t.Fatalf("expected [a2, a1], got %+v", attempts)
	}
}

func TestFinalizePublishesCompletionEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	events, cancel := env.broker.Subscribe("u1")
	defer cancel()

	attempt, _ := env.service.BeginAttempt(ctx, "u1", "quiz-1")
	answerAll(t, env, attempt.ID)
	if _, err := env.service.Finalize(ctx, attempt.ID, 300); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	select {
	case event := <-events:
		if event.AttemptID != attempt.ID || event.Score != 80 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("no completion event received")
	}
}

type testEnv struct {
	service *app.AttemptService
	store   *memory.Store
	broker  *app.ProgressBroker
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	catalog := memory.NewQuizCache(memory.NewStaticQuizLoader(testQuizzes()), 5*time.Minute)
	broker := app.NewProgressBroker()
	clock := &fakeClock{now: frozen}

	seq := 0
	var mu sync.Mutex
	service := app.NewAttemptService(store, catalog, app.NewAggregator(store), broker,
		app.WithClock(clock.Now),
		app.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
	return &testEnv{service: service, store: store, broker: broker, clock: clock}
}

// answerAll submits four correct answers (including the 2-pointer) and one
// wrong one for quiz-1's five questions.
func answerAll(t *testing.T, env *testEnv, attemptID string) {
	t.Helper()
	submissions := []struct {
		questionID, answer string
	}{
		{"q1", "4"},
		{"q2", "true"},
		{"q3", "Paris"},
		{"q4", "false"},
		{"q5", "wrong"},
	}
	for _, sub := range submissions {
		if _, err := env.service.RecordAnswer(context.Background(), attemptID, sub.questionID, sub.answer, 60); err != nil {
			t.Fatalf("record %s: %v", sub.questionID, err)
		}
	}
}

func testQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		// Five questions worth 1,1,2,1,1 points.
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Mixed basics",
			Questions: []domain.Question{
				{ID: "q1", Type: domain.QuestionMultipleChoice, Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectAnswer: "4", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 0},
				{ID: "q2", Type: domain.QuestionTrueFalse, Prompt: "The sky is blue.", CorrectAnswer: "true", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 1},
				{ID: "q3", Type: domain.QuestionShortAnswer, Prompt: "Capital of France?", CorrectAnswer: "Paris", Difficulty: domain.DifficultyMedium, Points: 2, OrderIndex: 2},
				{ID: "q4", Type: domain.QuestionTrueFalse, Prompt: "2 is odd.", CorrectAnswer: "false", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 3},
				{ID: "q5", Type: domain.QuestionShortAnswer, Prompt: "Largest ocean?", CorrectAnswer: "Pacific", Difficulty: domain.DifficultyHard, Points: 1, OrderIndex: 4},
			},
		},
		"quiz-2": {
			ID:    "quiz-2",
			Title: "One-liner",
			Questions: []domain.Question{
				{ID: "single", Type: domain.QuestionTrueFalse, Prompt: "Yes?", CorrectAnswer: "yes", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 0},
			},
		},
		"quiz-empty": {ID: "quiz-empty", Title: "No questions"},
	}
}
