// Package subscription keeps paid plans, membership entitlements and local
// subscription records in agreement.
//
// A subscription moves through four states. It is pending approval while it exists
// only at the payment provider. Activate records it locally and grants the plan's
// entitlement to the member. Cancel marks it finished and stores the end of the
// already paid billing cycle; the member keeps access until then. Retire revokes the
// entitlement and marks the record deleted once that date has passed. The Sweeper
// calls Retire once a day for every record that is due.
//
// Three external systems are involved and none of them share a transaction:
//
//   - PaymentProvider (PayPal or Paddle) owns billing and approval
//   - MembershipService (Memberstack) owns entitlements
//   - Store persists the local records (memory, MongoDB or Postgres)
//
// Every operation is written so that calling it again after a partial failure
// converges: grants and revokes are skipped when the member already has the expected
// state, and store updates are compare-and-set, so concurrent callers cannot
// double-apply a transition.
//
// # Usage
//
//	members := subscription.NewMemberResolver(memberstackClient, log)
//	rec := subscription.NewReconciler(cfg, paypalClient, members, store, catalog,
//		subscription.WithLogger(log),
//	)
//
//	checkout, err := rec.Create(ctx, planID, subscriber)   // redirect to checkout.ApprovalURL
//	sub, err := rec.Activate(ctx, subscription.ActivateRequest{SubscriptionID: id})
//	sub, err = rec.Cancel(ctx, id, subscription.TriggerUserInitiated)
//
//	sweeper := subscription.NewSweeper(sweepCfg, store, rec, subscription.WithSweeperLogger(log))
//	report, err := sweeper.Sweep(ctx)
//
// # Errors
//
// Errors are classified by ErrAuth, ErrConflict, ErrNotFound, ErrRemoteUnavailable and
// ErrStorage. Specific errors such as ErrSubscriptionAlreadyActive wrap a class, so
// transport layers can map a whole class with a single errors.Is check.
package subscription
