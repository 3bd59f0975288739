// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/aiku/mattermost-intercom/pkg/config"
	"github.com/aiku/mattermost-intercom/pkg/intercom"
	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
	"github.com/aiku/mattermost-intercom/pkg/mattermost"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay (default)",
		RunE:  runBridge,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer closeDB(db.DB(), log)
			log.Info().Str("type", cfg.Database.Type).Msg("Database migrated")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (commit %s, built %s)\n", Name, Tag, Commit, BuildTime)
		},
	}
}

func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load(configPath, !noUpdate)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log
	return cfg, log, nil
}

func openStore(cfg *config.Config, log *zerolog.Logger) (*store.GormStore, error) {
	db, err := store.Open(cfg.Database.Type, cfg.Database.URI, *log)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	if err = st.Migrate(); err != nil {
		closeDB(db, log)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return st, nil
}

func closeDB(db *gorm.DB, log *zerolog.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// pendingSet returns the shared pending request set when Redis is
// configured. Without Redis, pending requests live in process memory.
func pendingSet(ctx context.Context, cfg *config.Config, log *zerolog.Logger) (intercom.PendingSet, func(), error) {
	if cfg.Redis.Addr == "" {
		return intercom.NewMemoryPendingSet(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis for pending link requests")
	return intercom.NewRedisPendingSet(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msgf("Initializing %s", Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(st.DB(), log)

	pending, closePending, err := pendingSet(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closePending()

	client := mattermost.New(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, *log)
	client.SetRemovalLedger(st)
	if err = client.Login(ctx); err != nil {
		return err
	}

	engine, err := intercom.New(&cfg.Intercom, client, st,
		intercom.WithLogger(*log),
		intercom.WithPendingSet(pending),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err = engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	admin := intercom.NewAdminAPI(engine, *log)
	adminErr := make(chan error, 1)
	go func() {
		adminErr <- admin.ListenAndServe(ctx, cfg.AdminAPIAddr)
	}()

	if err = client.Listen(ctx, engine); err != nil {
		return err
	}
	defer client.Disconnect()
	log.Info().Msg("Relay running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err = <-adminErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("admin API failed: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}
