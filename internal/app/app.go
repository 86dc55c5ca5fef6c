// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"wirline/internal/config"
	"wirline/internal/db"
	"wirline/internal/engine"
	"wirline/internal/lock"
	"wirline/internal/migrate"
)

// Options control Open. Empty fields fall back to the workspace config.
type Options struct {
	Workspace string
	// RedisAddr overrides config redis.addr.
	RedisAddr string
	// LogLevel overrides config logging.level.
	LogLevel string
}

// Runtime is an opened workspace. Close releases the database.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *logrus.Logger
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open loads wir.yml (defaults when absent), opens and migrates the store and
// builds the engine with its logger and code-allocation lock.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.RedisAddr != "" {
		cfg.Redis.Addr = opts.RedisAddr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.WithField("applied", applied).Debug("migrations applied")
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Locker = NewLocker(cfg, logger)
	return &Runtime{DB: conn, Config: cfg, Engine: e, Logger: logger}, nil
}

// NewLogger builds the logrus logger described by the logging section.
func NewLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level := cfg.Logging.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// NewLocker picks redislock when an address is configured, else an
// in-process lock.
func NewLocker(cfg *config.Config, logger *logrus.Logger) lock.Locker {
	if cfg.Redis.Addr != "" {
		logger.WithField("addr", cfg.Redis.Addr).Info("code allocation lock: redis")
		return lock.NewRedis(cfg.Redis.Addr, cfg.LockTTL(), logger)
	}
	return lock.NewLocal()
}
