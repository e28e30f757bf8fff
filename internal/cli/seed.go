package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/domain"
	pginfra "quiz-attempt-service/internal/infra/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
)

// NewSeedCmd loads the demo quizzes and a demo assignment into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed demo quizzes into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), *configPath)
		},
	}
}

func runSeed(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	loader := pginfra.NewQuizLoader(pool)
	for _, quiz := range sampleQuizzes() {
		if err := loader.SaveQuiz(ctx, quiz); err != nil {
			return err
		}
		log.Printf("seeded quiz %s (%d questions)", quiz.ID, quiz.TotalQuestions())
	}

	assignment := domain.Assignment{
		ID:      "assignment-1",
		QuizID:  "quiz-1",
		UserID:  "demo-user",
		DueDate: time.Now().AddDate(0, 0, 7),
	}
	if err := loader.SaveAssignment(ctx, assignment); err != nil {
		return err
	}
	log.Printf("seeded assignment %s for user %s", assignment.ID, assignment.UserID)
	return nil
}
