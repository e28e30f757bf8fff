package redis

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"quiz-attempt-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuizLoader fetches published quiz content from a backing store (e.g., the
// authoring database).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// AnswerKeyCache caches each quiz's grading key in Redis (hash per quiz) and
// falls back to a loader on cache miss.
// The key is stored as:    HSET quiz:{quizID}:key    {questionID} {correctAnswer}
// Points are stored as:    HSET quiz:{quizID}:points {questionID} {points}
// Order is stored as:      HSET quiz:{quizID}:order  {questionID} {orderIndex}
// The cached form is enough to grade answers and count questions; prompts and
// options stay in the catalog.
type AnswerKeyCache struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewAnswerKeyCache(client *redis.Client, loader QuizLoader, ttl time.Duration) *AnswerKeyCache {
	return &AnswerKeyCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *AnswerKeyCache) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	answerKey := c.answersKey(quizID)
	pointKey := c.pointsKey(quizID)
	orderKey := c.orderKey(quizID)

	answers, err := c.client.HGetAll(ctx, answerKey).Result()
	if err == nil && len(answers) > 0 {
		pointsMap, _ := c.client.HGetAll(ctx, pointKey).Result()
		orderMap, _ := c.client.HGetAll(ctx, orderKey).Result()
		return buildQuizFromCache(quizID, answers, pointsMap, orderMap), nil
	}

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		answers, err := c.client.HGetAll(ctx, answerKey).Result()
		if err == nil && len(answers) > 0 {
			pointsMap, _ := c.client.HGetAll(ctx, pointKey).Result()
			orderMap, _ := c.client.HGetAll(ctx, orderKey).Result()
			return buildQuizFromCache(quizID, answers, pointsMap, orderMap), nil
		}

		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		ttl := c.ttlWithJitter()
		pipe := c.client.Pipeline()
		for _, q := range quiz.Questions {
			pipe.HSet(ctx, answerKey, q.ID, q.CorrectAnswer)
			pipe.HSet(ctx, pointKey, q.ID, domain.QuestionPoints(q))
			pipe.HSet(ctx, orderKey, q.ID, q.OrderIndex)
		}
		if ttl > 0 {
			pipe.Expire(ctx, answerKey, ttl)
			pipe.Expire(ctx, pointKey, ttl)
			pipe.Expire(ctx, orderKey, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (c *AnswerKeyCache) answersKey(quizID string) string {
	return "quiz:" + quizID + ":key"
}

func (c *AnswerKeyCache) pointsKey(quizID string) string {
	return "quiz:" + quizID + ":points"
}

func (c *AnswerKeyCache) orderKey(quizID string) string {
	return "quiz:" + quizID + ":order"
}

func buildQuizFromCache(quizID string, answers, pointsMap, orderMap map[string]string) domain.Quiz {
	questions := make([]domain.Question, 0, len(answers))
	for questionID, correctAnswer := range answers {
		points := 1
		if pStr, ok := pointsMap[questionID]; ok {
			if p, err := strconv.Atoi(pStr); err == nil && p > 0 {
				points = p
			}
		}
		order := 0
		if oStr, ok := orderMap[questionID]; ok {
			if o, err := strconv.Atoi(oStr); err == nil {
				order = o
			}
		}
		questions = append(questions, domain.Question{
			ID:            questionID,
			Prompt:        "", // prompt not cached in this lightweight form
			CorrectAnswer: correctAnswer,
			Points:        points,
			OrderIndex:    order,
		})
	}
	sort.Slice(questions, func(i, j int) bool {
		return questions[i].OrderIndex < questions[j].OrderIndex
	})
	return domain.Quiz{ID: quizID, Questions: questions}
}

func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
