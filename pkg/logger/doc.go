// Package logger builds slog loggers for memberbridge processes and defines the
// attribute helpers used across the codebase, so that a subscription ID or member ID
// is always logged under the same key.
//
// New takes functional options; FromConfig turns the environment-driven Config into
// those options. Every logger is wrapped with LogHandlerDecorator, which appends
// attributes extracted from the call's context (for example the request ID).
//
//	cfg, err := config.Load[logger.Config]()
//	opts, err := logger.FromConfig(cfg)
//	log := logger.New(append(opts, logger.WithContextExtractors(requestid.LogExtractor()))...)
//	log.InfoContext(ctx, "subscription activated", logger.SubscriptionID(id))
package logger
