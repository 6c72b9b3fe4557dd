// Package engine assembles the ledger, runtime, programs, API server and
// keeper into one process.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coldbell/options/backend/internal/apiserver"
	"github.com/coldbell/options/backend/internal/config"
	"github.com/coldbell/options/backend/internal/keeper"
	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/options"
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"golang.org/x/sync/errgroup"
)

type Engine struct {
	cfg     config.EngineConfig
	logger  *slog.Logger
	store   ledger.Store
	runtime *runtime.Runtime
	api     *apiserver.Service
	keeper  *keeper.Service
}

func New(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.Location())
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Ledger.Driver, err)
	}

	e, err := assemble(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

func assemble(cfg config.EngineConfig, store ledger.Store, logger *slog.Logger) (*Engine, error) {
	deriver, err := pda.NewDeriver(cfg.OptionsProgramID, cfg.PDACacheSize)
	if err != nil {
		return nil, fmt.Errorf("init pda deriver: %w", err)
	}

	broker := runtime.NewBroker(cfg.EventBuffer)
	rt, err := runtime.New(store, runtime.Config{
		BlockhashWindow:    cfg.BlockhashWindow,
		SignatureCacheSize: cfg.SignatureCacheSize,
		FaucetEnabled:      cfg.FaucetEnabled,
		FaucetMaxLamports:  cfg.FaucetMaxLamports,
		Logger:             logger.With("component", "runtime"),
		Broker:             broker,
	}, token.Program{}, options.NewProgram(deriver, logger.With("component", "options")))
	if err != nil {
		return nil, fmt.Errorf("init runtime: %w", err)
	}

	api, err := apiserver.New(cfg, rt, deriver, logger.With("component", "api"))
	if err != nil {
		return nil, fmt.Errorf("init api-server: %w", err)
	}

	e := &Engine{cfg: cfg, logger: logger, store: store, runtime: rt, api: api}
	if cfg.KeeperEnabled {
		e.keeper, err = keeper.New(keeper.Config{
			ProgramID:    cfg.OptionsProgramID,
			PollInterval: cfg.KeeperPollInterval,
		}, rt, broker, logger.With("component", "keeper"))
		if err != nil {
			return nil, fmt.Errorf("init keeper: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) Runtime() *runtime.Runtime {
	return e.runtime
}

// Run serves until ctx is cancelled or a component fails, then closes the
// ledger.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.store.Close(); err != nil {
			e.logger.Error("failed to close ledger", "err", err)
		}
	}()

	e.logger.Info("options engine starting",
		"options_program", e.cfg.OptionsProgramID,
		"ledger_driver", e.cfg.Ledger.Driver,
		"keeper_enabled", e.keeper != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.api.Run(gctx)
	})
	if e.keeper != nil {
		g.Go(func() error {
			return e.keeper.Run(gctx)
		})
	}
	return g.Wait()
}
