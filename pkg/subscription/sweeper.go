package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
)

// SweeperConfig controls the expiry sweep.
type SweeperConfig struct {
	Hour          int           `env:"SWEEP_HOUR" envDefault:"0"`
	Minute        int           `env:"SWEEP_MINUTE" envDefault:"0"`
	RunOnStart    bool          `env:"SWEEP_RUN_ON_START" envDefault:"false"`
	RecordTimeout time.Duration `env:"SWEEP_RECORD_TIMEOUT" envDefault:"30s"`
	// LockTTL is the lease of the sweep lock. Lockers with expiring leases renew it
	// while the sweep runs, so it only bounds how long a crashed replica blocks the next sweep.
	LockTTL time.Duration `env:"SWEEP_LOCK_TTL" envDefault:"1h"`
	LockKey string        `env:"SWEEP_LOCK_KEY" envDefault:"memberbridge:expiry-sweep"`
}

// Retirer retires a single finished subscription.
type Retirer interface {
	Retire(ctx context.Context, subscriptionID string) error
}

// Locker hands out named locks that keep sweeps and activations from overlapping.
type Locker interface {
	// TryLock reports acquired=false without error when another owner holds key.
	// Implementations whose locks expire after ttl must renew them until unlock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Found   int
	Retired int
	Failed  int
	Skipped int
}

// Sweeper completes revocations for subscriptions past their grace period.
// Each record is retired on its own: a failure is logged and retried on the next sweep
// without affecting the rest of the batch.
type Sweeper struct {
	cfg     SweeperConfig
	store   Store
	retirer Retirer
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger. Nil is ignored.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweeperLocker replaces the in-process lock, e.g. with a Redis lock shared by replicas.
func WithSweeperLocker(l Locker) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithSweeperClock overrides the time source.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig, store Store, retirer Retirer, opts ...SweeperOption) *Sweeper {
	if store == nil {
		panic("subscription: Store is required")
	}
	if retirer == nil {
		panic("subscription: Retirer is required")
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "memberbridge:expiry-sweep"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}

	s := &Sweeper{
		cfg:     cfg,
		store:   store,
		retirer: retirer,
		locker:  NewLocalLocker(),
		logger:  slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass. Returns ErrSweepInProgress if a previous pass still holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	unlock, acquired, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		return SweepReport{}, errors.Join(ErrStorage, err)
	}
	if !acquired {
		s.logger.WarnContext(ctx, "expiry sweep skipped, previous run still active")
		return SweepReport{}, ErrSweepInProgress
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.ErrorContext(ctx, "failed to release sweep lock", logger.Error(err))
		}
	}()

	started := time.Now()
	now := s.now()
	s.logger.InfoContext(ctx, "starting expired subscriptions check")

	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Found: len(expired)}
	s.logger.InfoContext(ctx, "found expired subscriptions", logger.Count(len(expired)))

	for _, sub := range expired {
		if ctx.Err() != nil {
			break
		}
		if !sub.DueForRetirement(now) {
			report.Skipped++
			continue
		}
		if err := s.retire(ctx, sub.SubscriptionID); err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "failed to retire subscription, will retry next sweep",
				logger.SubscriptionID(sub.SubscriptionID),
				logger.Error(err),
			)
			continue
		}
		report.Retired++
	}

	s.logger.InfoContext(ctx, "expired subscriptions check completed",
		slog.Int("retired", report.Retired),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		logger.Duration(time.Since(started)),
	)
	return report, ctx.Err()
}

// Run adapts Sweep to a scheduled job signature.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

func (s *Sweeper) retire(ctx context.Context, subscriptionID string) error {
	if s.cfg.RecordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RecordTimeout)
		defer cancel()
	}
	return s.retirer.Retire(ctx, subscriptionID)
}

// LocalLocker is an in-process Locker. It only prevents overlap within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns a ready LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock ignores ttl: the lock lives until unlocked.
func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}
