// Package app wires a workspace into a ready engine.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"surveyline/internal/checkpoint"
	"surveyline/internal/config"
	"surveyline/internal/db"
	"surveyline/internal/engine"
	"surveyline/internal/gateway"
	"surveyline/internal/migrate"
)

// Context is an opened workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
}

// Open opens and migrates the workspace database and loads its config,
// falling back to defaults when surveyline.yml is absent.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{Workspace: workspace, DB: conn, Config: cfg}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Engine builds an engine for the workspace.
func (c *Context) Engine(logger *slog.Logger) *engine.Engine {
	return NewEngine(c.DB, c.Config, logger)
}

// NewEngine builds the calculator, collaborators and engine described by cfg.
func NewEngine(conn *sql.DB, cfg *config.Config, logger *slog.Logger) *engine.Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	calc := checkpoint.New(cfg.Schedule.SecondsPerDay)
	e := engine.New(conn, calc, gateway.FromConfig(cfg, logger))
	e.Logger = logger
	if cfg.Schedule.SecondsPerDay > 0 {
		logger.Info("accelerated time base", "seconds_per_day", cfg.Schedule.SecondsPerDay)
	}
	return e
}
