package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/domain"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func TestInsertAnswerRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	attempt := domain.QuizAttempt{ID: "a1", UserID: "u1", QuizID: "quiz-1", TotalQuestions: 2, Status: domain.AttemptCreated, StartedAt: day}
	if err := store.CreateAttempt(ctx, attempt); err != nil {
		t.Fatalf("create attempt: %v", err)
	}

	first := domain.QuestionAttempt{ID: "qa1", AttemptID: "a1", QuestionID: "q1", UserAnswer: "4", IsCorrect: true, PointsEarned: 1, AnsweredAt: day}
	if err := store.InsertAnswer(ctx, first); err != nil {
		t.Fatalf("insert answer: %v", err)
	}

	dup := first
	dup.ID = "qa2"
	dup.UserAnswer = "5"
	if err := store.InsertAnswer(ctx, dup); err != domain.ErrDuplicateAnswer {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	answers, _ := store.ListAnswers(ctx, "a1")
	if len(answers) != 1 || answers[0].UserAnswer != "4" {
		t.Fatalf("expected the first record to stand, got %+v", answers)
	}

	got, _ := store.GetAttempt(ctx, "a1")
	if got.Status != domain.AttemptInProgress {
		t.Fatalf("expected in_progress after first answer, got %s", got.Status)
	}
}

func TestCompleteAttemptTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	if err := store.CreateAttempt(ctx, domain.QuizAttempt{ID: "a1", UserID: "u1", QuizID: "quiz-1", TotalQuestions: 2, Status: domain.AttemptCreated, StartedAt: day}); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	_ = store.InsertAnswer(ctx, domain.QuestionAttempt{ID: "qa1", AttemptID: "a1", QuestionID: "q1", IsCorrect: true, PointsEarned: 3, AnsweredAt: day})

	first, transitioned, err := store.CompleteAttempt(ctx, "a1", 120, day)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !transitioned {
		t.Fatalf("expected first call to transition")
	}
	if first.Score != 50 || first.CorrectAnswers != 1 || first.PointsEarned != 3 {
		t.Fatalf("unexpected result %+v", first)
	}

	second, transitioned, err := store.CompleteAttempt(ctx, "a1", 999, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("replay complete: %v", err)
	}
	if transitioned {
		t.Fatalf("expected replay to be a no-op")
	}
	if second.Score != first.Score || !second.CompletedAt.Equal(*first.CompletedAt) || second.TimeSpentSeconds != 120 {
		t.Fatalf("replay must return the stored result, got %+v", second)
	}
}

func TestConcurrentCompleteAttemptSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.CreateAttempt(ctx, domain.QuizAttempt{ID: "a1", UserID: "u1", QuizID: "quiz-1", TotalQuestions: 1, StartedAt: day})

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, transitioned, err := store.CompleteAttempt(ctx, "a1", 60, day)
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			wins <- transitioned
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestApplyAttemptResultConcurrentDeltas(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyAttemptResult(ctx, "u1", 5, 90, day); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	profile, _ := store.GetProfile(ctx, "u1")
	if profile.Points != workers*5 {
		t.Fatalf("points = %d, want %d (lost update)", profile.Points, workers*5)
	}
	if profile.StreakCount != workers {
		t.Fatalf("streak = %d, want %d", profile.StreakCount, workers)
	}
}

func TestApplyAttemptResultStreakRule(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, _ = store.ApplyAttemptResult(ctx, "u1", 1, 80, day)
	_, _ = store.ApplyAttemptResult(ctx, "u1", 1, 70, day)
	profile, _ := store.GetProfile(ctx, "u1")
	if profile.StreakCount != 2 {
		t.Fatalf("streak = %d, want 2", profile.StreakCount)
	}

	// 80 ≥ 70 extends a streak of 2 to 3.
	_, _ = store.ApplyAttemptResult(ctx, "u1", 5, 80, day)
	profile, _ = store.GetProfile(ctx, "u1")
	if profile.StreakCount != 3 {
		t.Fatalf("streak = %d, want 3", profile.StreakCount)
	}

	// 60 < 70 resets to zero, points keep accumulating.
	_, _ = store.ApplyAttemptResult(ctx, "u1", 2, 60, day)
	profile, _ = store.GetProfile(ctx, "u1")
	if profile.StreakCount != 0 {
		t.Fatalf("streak = %d, want 0 after sub-threshold score", profile.StreakCount)
	}
	if profile.Points != 9 {
		t.Fatalf("points = %d, want 9", profile.Points)
	}
}

func TestRecordEngagementConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.RecordEngagement(ctx, "u1", day, 30, 80); err != nil {
				t.Errorf("record engagement: %v", err)
			}
		}()
	}
	wg.Wait()

	metrics, _ := store.EngagementBetween(ctx, "u1", day, day)
	if len(metrics) != 1 {
		t.Fatalf("expected one bucket, got %d", len(metrics))
	}
	if metrics[0].QuizzesCompleted != workers || metrics[0].TotalTimeSpentSeconds != workers*30 {
		t.Fatalf("unexpected rollup %+v", metrics[0])
	}
}

func TestRecordEngagementAccumulatesScenario(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_ = store.RecordEngagement(ctx, "u1", day, 300, 80)
	metrics, _ := store.EngagementBetween(ctx, "u1", day, day)
	if m := metrics[0]; m.QuizzesCompleted != 1 || m.TotalTimeSpentSeconds != 300 || m.TotalScore != 80 {
		t.Fatalf("after first attempt: %+v", m)
	}

	_ = store.RecordEngagement(ctx, "u1", day.Add(3*time.Hour), 120, 50)
	metrics, _ = store.EngagementBetween(ctx, "u1", day, day)
	if m := metrics[0]; m.QuizzesCompleted != 2 || m.TotalTimeSpentSeconds != 420 || m.TotalScore != 130 {
		t.Fatalf("after second attempt: %+v", m)
	}
}

func TestCompleteAssignmentFlipsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.PutAssignment(domain.Assignment{ID: "as1", QuizID: "quiz-1", UserID: "u1", DueDate: day.AddDate(0, 0, 7)})

	flipped, err := store.CompleteAssignment(ctx, "quiz-1", "u1", day)
	if err != nil || !flipped {
		t.Fatalf("expected flip, got flipped=%v err=%v", flipped, err)
	}

	assignment, _ := store.GetAssignment("quiz-1", "u1")
	if !assignment.IsCompleted || !assignment.CompletedAt.Equal(day) {
		t.Fatalf("unexpected assignment state %+v", assignment)
	}

	// Replay keeps the original completion timestamp.
	flipped, _ = store.CompleteAssignment(ctx, "quiz-1", "u1", day.Add(time.Hour))
	if flipped {
		t.Fatalf("expected replay to leave the assignment untouched")
	}
	assignment, _ = store.GetAssignment("quiz-1", "u1")
	if !assignment.CompletedAt.Equal(day) {
		t.Fatalf("completed_at changed on replay: %v", assignment.CompletedAt)
	}
}

func TestApplyAggregationExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.CreateAttempt(ctx, domain.QuizAttempt{ID: "a1", UserID: "u1", QuizID: "quiz-1", TotalQuestions: 1, StartedAt: day})
	_ = store.InsertAnswer(ctx, domain.QuestionAttempt{ID: "qa1", AttemptID: "a1", QuestionID: "q1", IsCorrect: true, PointsEarned: 5, AnsweredAt: day})
	_, _, _ = store.CompleteAttempt(ctx, "a1", 300, day)

	const workers = 10
	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ApplyAggregation(ctx, "a1")
			if err != nil {
				t.Errorf("apply aggregation: %v", err)
				return
			}
			applied <- ok
		}()
	}
	wg.Wait()
	close(applied)

	count := 0
	for ok := range applied {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("aggregation applied %d times, want exactly once", count)
	}

	profile, _ := store.GetProfile(ctx, "u1")
	if profile.Points != 5 {
		t.Fatalf("points = %d, want 5", profile.Points)
	}
}

func TestApplyAggregationUnknownAttempt(t *testing.T) {
	store := NewStore()
	if _, err := store.ApplyAggregation(context.Background(), "missing"); err != domain.ErrAggregationJobNotFound {
		t.Fatalf("expected job-not-found, got %v", err)
	}
}

func TestPendingAggregationsFiltersAppliedAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, id := range []string{"a1", "a2"} {
		_ = store.CreateAttempt(ctx, domain.QuizAttempt{ID: id, UserID: "u1", QuizID: "quiz-1", TotalQuestions: 1, StartedAt: day})
		_, _, _ = store.CompleteAttempt(ctx, id, 60, day)
	}
	_, _ = store.ApplyAggregation(ctx, "a1")

	pending, err := store.PendingAggregations(ctx, day.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].AttemptID != "a2" {
		t.Fatalf("expected only a2 pending, got %+v", pending)
	}

	// Nothing is old enough when the cutoff predates creation.
	pending, _ = store.PendingAggregations(ctx, day.Add(-time.Minute), 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending jobs before cutoff, got %+v", pending)
	}
}

func TestListUserAttemptsExcludesInProgress(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.CreateAttempt(ctx, domain.QuizAttempt{ID: "done", UserID: "u1", QuizID: "quiz-1", TotalQuestions: 1, StartedAt: day})
	_ = store.CreateAttempt(ctx, domain.QuizAttempt{ID: "abandoned", UserID: "u1", QuizID: "quiz-2", TotalQuestions: 1, StartedAt: day})
	_, _, _ = store.CompleteAttempt(ctx, "done", 60, day)

	attempts, _ := store.ListUserAttempts(ctx, "u1")
	if len(attempts) != 1 || attempts[0].ID != "done" {
		t.Fatalf("expected only the completed attempt, got %+v", attempts)
	}
}
