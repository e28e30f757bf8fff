package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
	pginfra "quiz-attempt-service/internal/infra/postgres"
	redisinfra "quiz-attempt-service/internal/infra/redis"
	"quiz-attempt-service/internal/jobs"
	transport "quiz-attempt-service/internal/transport/http"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the attempt service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	// Catalog: Postgres-backed when configured, static demo quizzes
	// otherwise; cached in Redis when available, in memory when not.
	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var catalog app.QuizCatalog
	if redisClient != nil {
		catalog = redisinfra.NewAnswerKeyCache(redisClient, loader, quizTTL)
	} else {
		catalog = memory.NewQuizCache(loader, quizTTL)
	}

	var store app.Store
	if pool != nil {
		store = pginfra.NewStore(pool)
	} else {
		memStore := memory.NewStore()
		seedDemoAssignments(memStore)
		store = memStore
	}

	broker := app.NewProgressBroker()
	var progress app.ProgressPublisher = broker
	if redisClient != nil {
		bridge := redisinfra.NewProgressBridge(redisClient, broker)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		progress = bridge
	}

	aggregator := app.NewAggregator(store)

	opts := []app.ServiceOption{}
	var manager *jobs.Manager
	if redisClient != nil {
		manager = jobs.NewManager(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, aggregator, jobs.Options{
			Concurrency: cfg.Aggregation.Concurrency,
			MaxRetry:    cfg.Aggregation.MaxRetry,
		})
		go func() {
			if err := manager.Start(); err != nil {
				log.Printf("aggregation worker stopped: %v", err)
			}
		}()
		opts = append(opts, app.WithRetryEnqueuer(manager))
	}

	sweeper := jobs.NewSweeper(aggregator,
		config.TTLDuration(cfg.Aggregation.SweepEvery, time.Minute),
		config.TTLDuration(cfg.Aggregation.SweepLag, 2*time.Minute))
	if err := sweeper.Start(); err != nil {
		return err
	}

	service := app.NewAttemptService(store, catalog, aggregator, progress, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	transport.NewAPI(service).Register(mux)
	mux.HandleFunc("/ws", transport.NewWSHandler(broker).ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting attempt service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	sweeper.Stop()
	if manager != nil {
		manager.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides demo quiz content for the no-database mode; with
// Postgres configured the catalog comes from the authoring tables instead.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "General knowledge warm-up",
			Questions: []domain.Question{
				{ID: "q1", Type: domain.QuestionMultipleChoice, Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectAnswer: "4", Explanation: "Basic addition.", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 0},
				{ID: "q2", Type: domain.QuestionTrueFalse, Prompt: "The Pacific is the largest ocean.", CorrectAnswer: "true", Difficulty: domain.DifficultyEasy, Points: 1, OrderIndex: 1},
				{ID: "q3", Type: domain.QuestionShortAnswer, Prompt: "Capital of France?", CorrectAnswer: "Paris", Difficulty: domain.DifficultyMedium, Points: 2, OrderIndex: 2},
			},
		},
	}
}

func seedDemoAssignments(store *memory.Store) {
	store.PutAssignment(domain.Assignment{
		ID:      "assignment-1",
		QuizID:  "quiz-1",
		UserID:  "demo-user",
		DueDate: time.Now().AddDate(0, 0, 7),
	})
}
