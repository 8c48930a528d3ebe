// Package app assembles the service from its parts: database, config,
// ledger, queue, agents and orchestrator. The server and the CLI both go
// through this single wiring point.
package app

import (
	"database/sql"
	"fmt"

	"redress/internal/agent"
	"redress/internal/config"
	"redress/internal/db"
	"redress/internal/engine"
	"redress/internal/escalation"
	"redress/internal/finance"
	"redress/internal/ledger"
	"redress/internal/legal"
	"redress/internal/migrate"
	"redress/internal/repo"
)

type Options struct {
	Workspace string
	// SigningKey overrides the configured key when set (e.g. from env).
	SigningKey string
}

type App struct {
	DB      *sql.DB
	Config  *config.Config
	Repo    repo.Repo
	Ledger  *ledger.Ledger
	Queue   *escalation.Queue
	Legal   *legal.Evaluator
	Finance finance.Engine
	Engine  engine.Engine
}

// Open prepares the workspace, runs migrations and wires every component.
// A missing redress.yml falls back to the built-in defaults.
func Open(opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("redress")
	}
	signingKey := cfg.Signing.Key
	if opts.SigningKey != "" {
		signingKey = opts.SigningKey
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rules, err := legal.LoadRuleSet()
	if err != nil {
		conn.Close()
		return nil, err
	}
	evaluator := legal.NewEvaluator(rules)
	if cfg.Advisor.Enabled {
		evaluator.Advisor = legal.NewKeywordAdvisor()
	}

	led := ledger.New(conn, []byte(signingKey))
	queue := escalation.New(conn, led)
	fin := finance.New()

	return &App{
		DB:      conn,
		Config:  cfg,
		Repo:    repo.Repo{DB: conn},
		Ledger:  led,
		Queue:   queue,
		Legal:   evaluator,
		Finance: fin,
		Engine:  engine.New(conn, agent.NewRegistry(evaluator, fin, led), queue),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
