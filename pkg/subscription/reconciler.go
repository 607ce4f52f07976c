package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
)

// ReconcilerConfig holds the redirect targets handed to the payment provider.
type ReconcilerConfig struct {
	PublicURL    string `env:"PUBLIC_URL,required"`                                          // base URL of this service
	SuccessPath  string `env:"SUBSCRIPTION_SUCCESS_PATH" envDefault:"/subscription-success"` // approval callback path
	CancelURL    string `env:"CHECKOUT_CANCEL_URL"`                                          // where abandoned approvals land
	CancelReason string `env:"CANCEL_REASON" envDefault:"Cancelled by subscriber"`

	// ApprovalWindow is how long a created checkout blocks another Create for the same pair.
	ApprovalWindow time.Duration `env:"CHECKOUT_APPROVAL_WINDOW" envDefault:"3h"`

	// ActivationLockTTL bounds how long a crashed activation keeps others for the same
	// subscription waiting. ActivationLockWait is how long a concurrent call waits its turn.
	ActivationLockTTL  time.Duration `env:"ACTIVATION_LOCK_TTL" envDefault:"1m"`
	ActivationLockWait time.Duration `env:"ACTIVATION_LOCK_WAIT" envDefault:"10s"`
}

// Reconciler drives a subscription through its lifecycle:
// pending approval (remote only), active, finished (grace period) and deleted.
// It keeps the payment provider, the membership service and the local store convergent.
type Reconciler struct {
	cfg      ReconcilerConfig
	provider PaymentProvider
	members  *MemberResolver
	store    Store
	catalog  PlanCatalog
	pending  PendingCheckouts
	locker   Locker
	logger   *slog.Logger
	now      func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source, used by tests to pin grace-period boundaries.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPendingCheckouts replaces the in-process checkout registry, e.g. with a Redis one
// shared by replicas.
func WithPendingCheckouts(p PendingCheckouts) ReconcilerOption {
	return func(r *Reconciler) {
		if p != nil {
			r.pending = p
		}
	}
}

// WithLocker replaces the in-process activation lock, e.g. with a Redis lock so replicas
// handling the approval redirect and the webhook for one subscription take turns.
func WithLocker(l Locker) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
	}
}

// NewReconciler creates a Reconciler.
// Panics if any dependency is nil to fail fast during initialization.
func NewReconciler(cfg ReconcilerConfig, provider PaymentProvider, members *MemberResolver, store Store, catalog PlanCatalog, opts ...ReconcilerOption) *Reconciler {
	if provider == nil {
		panic("subscription: PaymentProvider is required")
	}
	if members == nil {
		panic("subscription: MemberResolver is required")
	}
	if store == nil {
		panic("subscription: Store is required")
	}
	if catalog == nil {
		panic("subscription: PlanCatalog is required")
	}

	r := &Reconciler{
		cfg:      cfg,
		provider: provider,
		members:  members,
		store:    store,
		catalog:  catalog,
		logger:   slog.New(slog.DiscardHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pending == nil {
		r.pending = NewMemoryPendingCheckouts(r.now)
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	if r.cfg.ApprovalWindow <= 0 {
		r.cfg.ApprovalWindow = 3 * time.Hour
	}
	if r.cfg.ActivationLockTTL <= 0 {
		r.cfg.ActivationLockTTL = time.Minute
	}
	if r.cfg.ActivationLockWait <= 0 {
		r.cfg.ActivationLockWait = 10 * time.Second
	}
	return r
}

// Create starts a checkout for planID. It refuses a second subscription for the same
// (email, plan) pair while one is active or still awaiting approval. No local record is
// written: the record appears only on Activate, so abandoned checkouts leave nothing behind.
func (r *Reconciler) Create(ctx context.Context, planID string, subscriber Subscriber) (*Checkout, error) {
	plan, err := r.catalog.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}

	member, err := r.members.Resolve(ctx, subscriber.MemberID, subscriber.Email)
	if err != nil {
		return nil, err
	}

	// Records are keyed by the member's email, which may differ from the one typed
	// into the checkout form. Either one holding the plan blocks the checkout.
	if err := r.ensureNoActive(ctx, plan.PlanID, member.Email, subscriber.Email); err != nil {
		return nil, err
	}

	pairEmail := member.Email
	if pairEmail == "" {
		pairEmail = subscriber.Email
	}
	reserved, err := r.pending.Reserve(ctx, pairEmail, plan.PlanID, r.cfg.ApprovalWindow)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	if !reserved {
		r.logger.InfoContext(ctx, "refusing checkout, another one awaits approval",
			logger.PlanID(plan.PlanID),
			logger.MemberID(member.ID),
		)
		return nil, ErrCheckoutPending
	}

	checkout, err := r.createRemote(ctx, plan, subscriber, member)
	if err != nil {
		r.releasePending(ctx, pairEmail, plan.PlanID)
		return nil, err
	}

	r.logger.InfoContext(ctx, "remote subscription created",
		logger.SubscriptionID(checkout.SubscriptionID),
		logger.PlanID(plan.PlanID),
		logger.MemberID(member.ID),
	)
	return checkout, nil
}

func (r *Reconciler) ensureNoActive(ctx context.Context, planID string, emails ...string) error {
	seen := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		email = NormalizeEmail(email)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}

		existing, err := r.store.FindActive(ctx, email, planID)
		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "refusing duplicate subscription",
				logger.SubscriptionID(existing.SubscriptionID),
				logger.PlanID(planID),
			)
			return ErrSubscriptionAlreadyActive
		case !errors.Is(err, ErrSubscriptionNotFound):
			return err
		}
	}
	return nil
}

func (r *Reconciler) createRemote(ctx context.Context, plan *Plan, subscriber Subscriber, member *Member) (*Checkout, error) {
	checkout, err := r.provider.CreateSubscription(ctx, CreateSubscriptionRequest{
		PlanID:     plan.PlanID,
		Subscriber: subscriber,
		CustomID:   member.ID,
		ReturnURL:  r.returnURL(member.ID),
		CancelURL:  r.cfg.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote subscription: %w", err)
	}
	if checkout.ApprovalURL == "" {
		return nil, ErrNoCheckoutURL
	}
	return checkout, nil
}

// ActivateRequest identifies an approved subscription.
type ActivateRequest struct {
	SubscriptionID string
	MemberID       string // optional hint carried through the approval redirect
}

// Activate records an approved subscription and grants its entitlement.
// Repeated calls for the same subscription succeed without a second grant or record.
// Concurrent calls for one subscription run one at a time; a call that cannot get its
// turn within ActivationLockWait fails with ErrActivationInProgress.
func (r *Reconciler) Activate(ctx context.Context, req ActivateRequest) (*Subscription, error) {
	unlock, err := r.lockActivation(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.WarnContext(ctx, "failed to release activation lock",
				logger.SubscriptionID(req.SubscriptionID),
				logger.Error(err),
			)
		}
	}()

	existing, err := r.store.FindBySubscriptionID(ctx, req.SubscriptionID)
	switch {
	case err == nil:
		return r.reassertEntitlement(ctx, existing)
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	}

	remote, err := r.provider.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !remote.Status.IsApproved() {
		return nil, ErrSubscriptionNotApproved
	}

	plan, err := r.catalog.Plan(ctx, remote.PlanID)
	if err != nil {
		return nil, err
	}

	primaryID := req.MemberID
	if primaryID == "" {
		primaryID = remote.CustomID
	}
	member, err := r.members.Resolve(ctx, primaryID, remote.Email)
	if err != nil {
		return nil, err
	}
	memberEmail := NormalizeEmail(member.Email)
	if memberEmail == "" {
		memberEmail = NormalizeEmail(remote.Email)
	}

	if other, err := r.store.FindActive(ctx, memberEmail, plan.PlanID); err == nil {
		return nil, r.rejectDuplicate(ctx, remote.ID, other)
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	member, granted, err := r.members.Grant(ctx, member.ID, memberEmail, plan.EntitlementID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	sub := &Subscription{
		SubscriptionID: remote.ID,
		PlanID:         plan.PlanID,
		MemberID:       member.ID,
		MemberEmail:    memberEmail,
		PayerEmail:     remote.Email,
		EntitlementID:  plan.EntitlementID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Insert(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionExists) {
			// Lost a race with a concurrent callback for the same subscription.
			return r.store.FindBySubscriptionID(ctx, remote.ID)
		}
		return nil, err
	}

	r.releasePending(ctx, memberEmail, plan.PlanID)
	if remote.Email != "" && !strings.EqualFold(remote.Email, memberEmail) {
		r.releasePending(ctx, remote.Email, plan.PlanID)
	}

	r.logger.InfoContext(ctx, "subscription activated",
		logger.SubscriptionID(sub.SubscriptionID),
		logger.PlanID(sub.PlanID),
		logger.MemberID(sub.MemberID),
		slog.Bool("granted", granted),
	)
	return sub, nil
}

// Cancel records the cancellation of a subscription. Access stays until the end of the
// billing cycle the subscriber already paid for, as reported by the provider.
// A user-initiated cancellation also stops billing at the provider.
// Cancelling a finished subscription is a no-op.
func (r *Reconciler) Cancel(ctx context.Context, subscriptionID string, trigger Trigger) (*Subscription, error) {
	if !trigger.Valid() {
		return nil, ErrInvalidTrigger
	}

	sub, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Finished {
		return sub, nil
	}

	remote, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if trigger == TriggerUserInitiated && !remote.Status.IsTerminated() {
		if err := r.provider.CancelSubscription(ctx, subscriptionID, r.cfg.CancelReason); err != nil {
			return nil, fmt.Errorf("failed to cancel remote subscription: %w", err)
		}
	}

	finishDate, err := r.paidThrough(ctx, sub.PlanID, remote)
	if err != nil {
		return nil, err
	}

	changed, err := r.store.MarkFinished(ctx, subscriptionID, finishDate, r.now())
	if err != nil {
		return nil, err
	}
	if changed {
		attrs := []any{
			logger.SubscriptionID(subscriptionID),
			logger.Trigger(string(trigger)),
		}
		if finishDate != nil {
			attrs = append(attrs, slog.Time("finish_date", *finishDate))
		}
		r.logger.InfoContext(ctx, "subscription finished", attrs...)
	}

	return r.store.FindBySubscriptionID(ctx, subscriptionID)
}

// paidThrough is the end of the cycle the subscriber paid for. PayPal stops reporting the
// next billing time once a subscription is cancelled, so the last payment plus one plan
// interval stands in for it. Nil means no grace period.
func (r *Reconciler) paidThrough(ctx context.Context, planID string, remote *RemoteSubscription) (*time.Time, error) {
	if remote.NextBillingTime != nil || remote.LastPaymentTime == nil {
		return remote.NextBillingTime, nil
	}

	plan, err := r.catalog.Plan(ctx, planID)
	switch {
	case errors.Is(err, ErrPlanNotFound):
		r.logger.WarnContext(ctx, "plan no longer in catalog, finishing without grace period",
			logger.SubscriptionID(remote.ID),
			logger.PlanID(planID),
		)
		return nil, nil
	case err != nil:
		return nil, err
	}

	end, ok := plan.Interval.Advance(*remote.LastPaymentTime)
	if !ok {
		return nil, nil
	}
	end = end.UTC()
	return &end, nil
}

// Retire revokes the entitlement of a finished subscription and marks it deleted.
// A member that no longer exists counts as revoked. Any other failure leaves the record
// finished but not deleted so the next sweep retries it.
// Retire does not look at the finish date; callers only pass records that are due.
func (r *Reconciler) Retire(ctx context.Context, subscriptionID string) error {
	sub, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Deleted {
		return nil
	}
	if !sub.Finished {
		return ErrSubscriptionNotFinished
	}

	revoked, err := r.members.Revoke(ctx, sub.MemberID, sub.MemberEmail, sub.EntitlementID)
	switch {
	case errors.Is(err, ErrMemberNotFound):
		r.logger.WarnContext(ctx, "member not found, nothing to revoke",
			logger.SubscriptionID(subscriptionID),
			logger.MemberID(sub.MemberID),
		)
	case err != nil:
		return err
	}

	if _, err := r.store.MarkDeleted(ctx, subscriptionID, r.now()); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "subscription retired",
		logger.SubscriptionID(subscriptionID),
		logger.MemberID(sub.MemberID),
		slog.Bool("revoked", revoked),
	)
	return nil
}

// CancelNow cancels a subscription without a grace period: billing stops, the entitlement
// is revoked and the record is removed. If revocation fails the record is kept intact.
func (r *Reconciler) CancelNow(ctx context.Context, subscriptionID string) error {
	sub, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if !sub.Finished {
		remote, err := r.provider.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !remote.Status.IsTerminated() {
			if err := r.provider.CancelSubscription(ctx, subscriptionID, r.cfg.CancelReason); err != nil {
				return fmt.Errorf("failed to cancel remote subscription: %w", err)
			}
		}
	}

	if !sub.Deleted {
		if _, err := r.members.Revoke(ctx, sub.MemberID, sub.MemberEmail, sub.EntitlementID); err != nil && !errors.Is(err, ErrMemberNotFound) {
			return err
		}
	}

	if err := r.store.Delete(ctx, subscriptionID); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return err
	}

	r.logger.InfoContext(ctx, "subscription cancelled immediately",
		logger.SubscriptionID(subscriptionID),
		logger.MemberID(sub.MemberID),
	)
	return nil
}

// Sync compares an unfinished record with the provider and records a cancellation the
// webhook path missed, e.g. when the notification arrived before the record existed.
func (r *Reconciler) Sync(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Finished {
		return sub, nil
	}

	remote, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !remote.Status.IsTerminated() {
		return sub, nil
	}

	r.logger.InfoContext(ctx, "remote subscription terminated, catching up",
		logger.SubscriptionID(subscriptionID),
		slog.String("remote_status", string(remote.Status)),
	)
	return r.Cancel(ctx, subscriptionID, TriggerProviderWebhook)
}

// Lookup finds the record to unsubscribe: by subscription ID when given, otherwise the
// member's current unfinished subscription.
func (r *Reconciler) Lookup(ctx context.Context, memberID, subscriptionID string) (*Subscription, error) {
	if subscriptionID != "" {
		return r.store.FindBySubscriptionID(ctx, subscriptionID)
	}
	if memberID != "" {
		return r.store.FindActiveByMember(ctx, memberID)
	}
	return nil, ErrSubscriptionNotFound
}

func (r *Reconciler) lockActivation(ctx context.Context, subscriptionID string) (func(context.Context) error, error) {
	var unlock func(context.Context) error
	backoff := retry.WithMaxDuration(r.cfg.ActivationLockWait, retry.NewConstant(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, acquired, err := r.locker.TryLock(ctx, "activate:"+subscriptionID, r.cfg.ActivationLockTTL)
		if err != nil {
			return errors.Join(ErrStorage, err)
		}
		if !acquired {
			return retry.RetryableError(ErrActivationInProgress)
		}
		unlock = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// reassertEntitlement handles a repeated activation. An active record gets an idempotent
// grant so a manually removed entitlement is restored; finished records are left alone.
func (r *Reconciler) reassertEntitlement(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub.Finished {
		return sub, nil
	}
	_, granted, err := r.members.Grant(ctx, sub.MemberID, sub.MemberEmail, sub.EntitlementID)
	if err != nil {
		return nil, err
	}
	if granted {
		r.logger.WarnContext(ctx, "entitlement was missing on active subscription, granted again",
			logger.SubscriptionID(sub.SubscriptionID),
			logger.MemberID(sub.MemberID),
		)
	}
	return sub, nil
}

// rejectDuplicate stops billing of a second approved subscription for a pair that already
// has an active one. The subscriber keeps the access of the first.
func (r *Reconciler) rejectDuplicate(ctx context.Context, subscriptionID string, active *Subscription) error {
	r.logger.WarnContext(ctx, "duplicate approved subscription, cancelling it",
		logger.SubscriptionID(subscriptionID),
		slog.String("active_subscription_id", active.SubscriptionID),
		logger.PlanID(active.PlanID),
	)
	if err := r.provider.CancelSubscription(ctx, subscriptionID, "Duplicate subscription"); err != nil {
		r.logger.ErrorContext(ctx, "failed to cancel duplicate subscription",
			logger.SubscriptionID(subscriptionID),
			logger.Error(err),
		)
	}
	return ErrSubscriptionAlreadyActive
}

// Status returns the lifecycle state of the local record.
func (r *Reconciler) Status(ctx context.Context, subscriptionID string) (State, error) {
	sub, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	return sub.State(), nil
}

func (r *Reconciler) releasePending(ctx context.Context, email, planID string) {
	if err := r.pending.Release(ctx, email, planID); err != nil {
		r.logger.WarnContext(ctx, "failed to release pending checkout",
			logger.PlanID(planID),
			logger.Error(err),
		)
	}
}

func (r *Reconciler) returnURL(memberID string) string {
	u, err := url.Parse(r.cfg.PublicURL)
	if err != nil {
		return r.cfg.PublicURL
	}
	u = u.JoinPath(r.cfg.SuccessPath)
	q := u.Query()
	q.Set("memberId", memberID)
	u.RawQuery = q.Encode()
	return u.String()
}
