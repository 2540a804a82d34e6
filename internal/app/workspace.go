package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"adrkeeper/internal/config"
	"adrkeeper/internal/db"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/migrate"
)

// Options select the workspace and how its config is loaded.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/adrkeeper.yml when set.
	ConfigPath string
	// Override is applied to the loaded config before it is validated.
	Override func(*config.Config)
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Workspace is an opened and migrated adrkeeper workspace.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger
}

// LoadConfig resolves the effective config for opts without touching the database.
func LoadConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Open loads config, opens the database, applies migrations and builds the engine.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := cfg.NewLogger(out)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	logger.Debug("workspace opened", "path", db.Path(opts.Workspace))
	return &Workspace{
		Dir:    opts.Workspace,
		DB:     conn,
		Config: cfg,
		Engine: e,
		Logger: logger,
	}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
