package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"

	"github.com/sparlo/report-engine/internal/chain"
	"github.com/sparlo/report-engine/internal/cost"
	"github.com/sparlo/report-engine/internal/guard"
	"github.com/sparlo/report-engine/internal/ledger"
	"github.com/sparlo/report-engine/internal/notify"
	"github.com/sparlo/report-engine/internal/resilience"
	"github.com/sparlo/report-engine/internal/step"
	"github.com/sparlo/report-engine/internal/store"
	anthropicpkg "github.com/sparlo/report-engine/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "reports.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

func initLedger(st store.Store) *ledger.Ledger {
	tiers := ledger.StaticTiers{
		Accounts:     cfg.Quota.AccountLimits,
		DefaultLimit: cfg.Quota.DefaultLimit,
	}
	admins := make(map[string]bool, len(cfg.Quota.Admins))
	for _, a := range cfg.Quota.Admins {
		admins[a] = true
	}
	return ledger.New(st, tiers, ledger.SelfOrAdmin{Admins: admins})
}

func initGuard(st store.Store) *guard.Guard {
	return guard.New(st, cfg.Rate.GuardLimits())
}

func stepRetryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if cfg.Step.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Step.MaxAttempts
	}
	if cfg.Step.InitialBackoffMS > 0 {
		rc.InitialBackoff = time.Duration(cfg.Step.InitialBackoffMS) * time.Millisecond
	}
	if cfg.Step.MaxBackoffSecs > 0 {
		rc.MaxBackoff = time.Duration(cfg.Step.MaxBackoffSecs) * time.Second
	}
	return rc
}

func initActivities(st store.Store) *chain.Activities {
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	tiers := step.ModelTiers{
		"haiku":  cfg.Anthropic.HaikuModel,
		"sonnet": cfg.Anthropic.SonnetModel,
		"opus":   cfg.Anthropic.OpusModel,
	}
	executor := step.New(anthropicClient, tiers, stepRetryConfig())

	return &chain.Activities{
		Store:    st,
		Ledger:   initLedger(st),
		Guard:    initGuard(st),
		Executor: executor,
		Calc:     cost.NewCalculator(cost.DefaultRates()),
		Notifier: notify.New(cfg.Webhook.URL, resilience.DefaultRetryConfig()),
	}
}
