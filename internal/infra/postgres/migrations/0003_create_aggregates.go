package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
)

//go:embed 0003_create_aggregates.sql
var createAggregatesSQL string

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(createAggregatesSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`DROP TABLE IF EXISTS aggregation_jobs; DROP TABLE IF EXISTS assignments; DROP TABLE IF EXISTS engagement_metrics; DROP TABLE IF EXISTS profiles`)
			return err
		},
	)
}
