package main

import (
	"context"
	"errors"

	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/historian"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newHistorianCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "historian",
		Short: "Drain the Redis result journal into Postgres.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(v)
			if err != nil {
				return err
			}
			if err := cfg.ValidateHistorian(); err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}

			rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			svc := historian.NewService(
				cache.NewJournal(rdb, cfg.JournalQueue),
				database.NewSessions(pool),
				historian.Config{
					BatchSize:  cfg.HistorianBatchSize,
					FlushDelay: cfg.HistorianFlushDelay,
					PopTimeout: cfg.HistorianPopTimeout,
				},
				clockwork.NewRealClock(),
				logger.WithField("queue", cfg.JournalQueue),
			)
			if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
