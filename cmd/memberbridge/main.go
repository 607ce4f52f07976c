// Command memberbridge keeps payment-provider subscriptions and membership entitlements
// in step: it serves the billing HTTP endpoints and runs the daily expiry sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/memberbridge/modules/billing"
	"github.com/dmitrymomot/memberbridge/pkg/clientip"
	"github.com/dmitrymomot/memberbridge/pkg/config"
	"github.com/dmitrymomot/memberbridge/pkg/httpserver"
	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/memberstack"
	"github.com/dmitrymomot/memberbridge/pkg/paypal"
	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
	"github.com/dmitrymomot/memberbridge/pkg/requestid"
	"github.com/dmitrymomot/memberbridge/pkg/schedule"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}

	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return err
	}
	logOpts, err := logger.FromConfig(logCfg)
	if err != nil {
		return err
	}
	log := logger.New(append(logOpts, logger.WithContextExtractors(
		requestid.LogExtractor(),
		clientip.LogExtractor(),
	))...)

	var (
		appCfg     appConfig
		reconCfg   subscription.ReconcilerConfig
		sweepCfg   subscription.SweeperConfig
		billingCfg billing.Config
		serverCfg  httpserver.Config
		limitCfg   ratelimiter.Config
	)
	if err := errors.Join(
		config.Load(&appCfg),
		config.Load(&reconCfg),
		config.Load(&sweepCfg),
		config.Load(&billingCfg),
		config.Load(&serverCfg),
		config.Load(&limitCfg),
	); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, appCfg.StartupTimeout)
	defer cancel()

	deps, cleanup, err := buildStorage(startCtx, appCfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := buildProvider(appCfg, log)
	if err != nil {
		return err
	}

	var msCfg memberstack.Config
	if err := config.Load(&msCfg); err != nil {
		return err
	}
	members, err := memberstack.NewClient(msCfg)
	if err != nil {
		return err
	}

	reconcilerOpts := []subscription.ReconcilerOption{
		subscription.WithLogger(log.With(logger.Component("reconciler"))),
	}
	if deps.pending != nil {
		reconcilerOpts = append(reconcilerOpts, subscription.WithPendingCheckouts(deps.pending))
	}
	if deps.locker != nil {
		reconcilerOpts = append(reconcilerOpts, subscription.WithLocker(deps.locker))
	}
	reconciler := subscription.NewReconciler(reconCfg, provider,
		subscription.NewMemberResolver(members, log.With(logger.Component("member_resolver"))),
		deps.store, deps.catalog, reconcilerOpts...)

	ingester := subscription.NewIngester(provider, reconciler, deps.store, log.With(logger.Component("webhook")))

	sweeperOpts := []subscription.SweeperOption{
		subscription.WithSweeperLogger(log.With(logger.Component("sweeper"))),
	}
	if deps.locker != nil {
		sweeperOpts = append(sweeperOpts, subscription.WithSweeperLocker(deps.locker))
	}
	sweeper := subscription.NewSweeper(sweepCfg, deps.store, reconciler, sweeperOpts...)

	runner := schedule.NewRunner(schedule.WithLogger(log.With(logger.Component("scheduler"))))
	if err := runner.Add("expiry-sweep", schedule.DailyAt(sweepCfg.Hour, sweepCfg.Minute), sweeper.Run,
		schedule.RunOnStart(sweepCfg.RunOnStart)); err != nil {
		return err
	}

	billingOpts := []billing.Option{
		billing.WithLogger(log.With(logger.Component("billing"))),
		billing.WithWebhook(appCfg.PaymentProvider, ingester),
		billing.WithRequestIDHeaders(paypal.HeaderTransmissionID),
		billing.WithHealthChecks(deps.checks...),
	}
	if appCfg.RateLimit {
		limiter, err := ratelimiter.NewBucket(deps.limits, limitCfg)
		if err != nil {
			return err
		}
		billingOpts = append(billingOpts, billing.WithRateLimiter(limiter))
	}
	svc := billing.NewService(billingCfg, reconciler, billingOpts...)
	server := httpserver.NewFromConfig(serverCfg, httpserver.WithLogger(log.With(logger.Component("http"))))

	log.InfoContext(ctx, "memberbridge starting",
		slog.String("storage", appCfg.StorageDriver),
		slog.String("provider", appCfg.PaymentProvider),
		slog.String("addr", serverCfg.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, svc.Handle())
	})
	g.Go(func() error {
		if err := runner.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.InfoContext(context.WithoutCancel(ctx), "memberbridge stopped")
	return nil
}
