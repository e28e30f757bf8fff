package domain

import "strings"

// AnswerMatches is the single correctness predicate: exact match of the
// whitespace-trimmed user answer against the trimmed grading key,
// case-sensitive for every question type.
func AnswerMatches(correctAnswer, userAnswer string) bool {
	return strings.TrimSpace(userAnswer) == strings.TrimSpace(correctAnswer)
}

// QuestionPoints returns the points a question is worth, defaulting to 1.
func QuestionPoints(q Question) int {
	if q.Points > 0 {
		return q.Points
	}
	return 1
}

// ScoreAnswers computes an attempt's summary from its persisted answer records
// only. Deterministic for a given record set, so replaying the completion path
// always reproduces the stored result.
func ScoreAnswers(totalQuestions int, answers []QuestionAttempt) AttemptResult {
	var res AttemptResult
	for _, qa := range answers {
		if qa.IsCorrect {
			res.CorrectAnswers++
		}
		res.PointsEarned += int64(qa.PointsEarned)
	}
	res.Score = PercentScore(res.CorrectAnswers, totalQuestions)
	return res
}

// PercentScore rounds correct/total to a 0-100 integer, half up. Integer
// arithmetic only: floor((100*correct + total/2) / total) == (200c+t)/(2t).
// totalQuestions == 0 is rejected at attempt creation and never reaches here;
// the guard keeps the function total.
func PercentScore(correct, totalQuestions int) int {
	if totalQuestions <= 0 {
		return 0
	}
	return (200*correct + totalQuestions) / (2 * totalQuestions)
}
