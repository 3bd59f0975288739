// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database described by dbType ("sqlite3" or
// "postgres") and uri.
func Open(dbType, uri string, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbType {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(uri)
	case "postgres", "postgresql":
		dialector = postgres.Open(uri)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         &gormLogger{log: log.With().Str("component", "database").Logger(), level: logger.Warn},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbType, err)
	}

	if dialector.Name() == "sqlite" {
		// sqlite serializes writers anyway; one connection keeps transactions
		// from failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// gormLogger forwards gorm logs to zerolog.
type gormLogger struct {
	log   zerolog.Logger
	level logger.LogLevel
}

var _ logger.Interface = (*gormLogger)(nil)

const slowQueryThreshold = 200 * time.Millisecond

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.log.Info().Msgf(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.log.Warn().Msgf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.log.Error().Msgf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		query, rows := fc()
		l.log.Error().Err(err).Str("query", query).Int64("rows", rows).Dur("elapsed", elapsed).Msg("Query failed")
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		query, rows := fc()
		l.log.Warn().Str("query", query).Int64("rows", rows).Dur("elapsed", elapsed).Msg("Slow query")
	case l.level >= logger.Info:
		query, rows := fc()
		l.log.Trace().Str("query", query).Int64("rows", rows).Dur("elapsed", elapsed).Msg("Query")
	}
}
