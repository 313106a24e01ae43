package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/executors"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/logging"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/recovery"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/safety"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/sandbox"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/schedule"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/secrets"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/streaming"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/validation"
)

// app holds the wired object graph for one process.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *history.Store
	vault     *secrets.AESVault
	engine    *engine.Engine
	validator *validation.PlanValidator
	hub       *streaming.MemoryHub
	scheduler *schedule.Scheduler
}

// buildApp constructs every component from config. The loop executor is
// registered after engine.New because it re-enters the engine for loop
// bodies.
func buildApp(ctx context.Context, cfg Config) (*app, error) {
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	if err := os.MkdirAll(angelaDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", angelaDir(), err)
	}

	store, err := history.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	var vault *secrets.AESVault
	var resolverVault secrets.Vault
	if cfg.VaultKey != "" {
		salt, err := loadOrCreateSalt()
		if err != nil {
			store.Close()
			return nil, err
		}
		vault, err = secrets.NewAESVault(store, secrets.VaultConfig{
			Passphrase: cfg.VaultKey,
			Salt:       salt,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		resolverVault = vault
	}

	resolver := expressions.NewResolver(resolverVault)

	sb := sandbox.New(logger)
	if cfg.SandboxTimeout > 0 {
		sb.SetDefaultTimeout(time.Duration(cfg.SandboxTimeout) * time.Second)
	}

	var cmdValidator safety.Validator = safety.NewPatternValidator()
	if cfg.UnsafeCommands {
		cmdValidator = safety.AllowAll{}
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		store.Close()
		return nil, err
	}
	jq := expressions.NewGoJQEngine()

	registry := executors.NewRegistry()
	for _, exec := range []executors.StepExecutor{
		executors.NewCommandExecutor(cmdValidator, cfg.WorkDir),
		executors.NewCodeExecutor(sb),
		executors.NewFileExecutor(),
		executors.NewAPIExecutor(nil, jq),
		executors.NewDecisionExecutor(expressions.NewExprEngine(), celEngine),
	} {
		if err := registry.Register(exec); err != nil {
			store.Close()
			return nil, err
		}
	}

	hub := streaming.NewMemoryHub()

	eng := engine.New(engine.Config{
		Registry:      registry,
		Resolver:      resolver,
		Recovery:      recovery.None{},
		Rollback:      store,
		Hub:           hub,
		Logger:        logger,
		MaxConcurrent: cfg.PoolSize,
	})

	if err := registry.Register(executors.NewLoopExecutor(eng, jq)); err != nil {
		store.Close()
		return nil, err
	}

	validator, err := validation.NewPlanValidator()
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		vault:     vault,
		engine:    eng,
		validator: validator,
		hub:       hub,
		scheduler: schedule.NewScheduler(store, eng, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// loadOrCreateSalt reads the PBKDF2 salt from ~/.angela/vault.salt,
// generating it on first use. Losing the salt makes stored secrets
// unrecoverable, hence a file rather than a fresh salt per process.
func loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(angelaDir(), "vault.salt")
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}
