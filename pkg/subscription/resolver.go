package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
)

// MemberResolver locates a membership identity by its stable member ID first and falls
// back to the email address. The stored member ID goes stale when an account is
// re-provisioned, while the email stays a usable natural key.
type MemberResolver struct {
	members MembershipService
	logger  *slog.Logger
}

// NewMemberResolver creates a resolver over the membership service.
// Panics if members is nil to fail fast on miswiring.
func NewMemberResolver(members MembershipService, log *slog.Logger) *MemberResolver {
	if members == nil {
		panic("subscription: MembershipService is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MemberResolver{members: members, logger: log}
}

// Resolve returns the member for primaryID, or for fallbackEmail if the ID lookup fails
// for any reason. Returns ErrMemberNotFound when neither stage finds a member.
func (r *MemberResolver) Resolve(ctx context.Context, primaryID, fallbackEmail string) (*Member, error) {
	if primaryID != "" {
		member, err := r.members.ResolveByID(ctx, primaryID)
		if err == nil {
			return member, nil
		}
		r.logger.WarnContext(ctx, "member lookup by id failed, trying email",
			logger.MemberID(primaryID),
			logger.Error(err),
		)
	}
	return r.resolveByEmail(ctx, fallbackEmail)
}

// Grant attaches entitlementID to the member unless it is already attached.
// The returned flag reports whether a grant call was issued.
func (r *MemberResolver) Grant(ctx context.Context, primaryID, fallbackEmail, entitlementID string) (*Member, bool, error) {
	if primaryID != "" {
		member, granted, err := r.grantTo(ctx, func(ctx context.Context) (*Member, error) {
			return r.members.ResolveByID(ctx, primaryID)
		}, entitlementID)
		if err == nil {
			return member, granted, nil
		}
		r.logger.WarnContext(ctx, "grant by member id failed, trying email",
			logger.MemberID(primaryID),
			logger.Entitlement(entitlementID),
			logger.Error(err),
		)
	}

	return r.grantTo(ctx, func(ctx context.Context) (*Member, error) {
		return r.resolveByEmail(ctx, fallbackEmail)
	}, entitlementID)
}

// Revoke detaches entitlementID from the member. A member that no longer holds the
// entitlement is left alone. The returned flag reports whether a revoke call was issued.
// Returns ErrMemberNotFound when the member cannot be found by ID nor by email.
func (r *MemberResolver) Revoke(ctx context.Context, primaryID, fallbackEmail, entitlementID string) (bool, error) {
	if primaryID != "" {
		revoked, err := r.revokeFrom(ctx, func(ctx context.Context) (*Member, error) {
			return r.members.ResolveByID(ctx, primaryID)
		}, entitlementID)
		if err == nil {
			return revoked, nil
		}
		r.logger.WarnContext(ctx, "revoke by member id failed, trying email",
			logger.MemberID(primaryID),
			logger.Entitlement(entitlementID),
			logger.Error(err),
		)
	}

	return r.revokeFrom(ctx, func(ctx context.Context) (*Member, error) {
		return r.resolveByEmail(ctx, fallbackEmail)
	}, entitlementID)
}

func (r *MemberResolver) grantTo(ctx context.Context, lookup func(context.Context) (*Member, error), entitlementID string) (*Member, bool, error) {
	member, err := lookup(ctx)
	if err != nil {
		return nil, false, err
	}
	if member.HasEntitlement(entitlementID) {
		return member, false, nil
	}
	if err := r.members.GrantEntitlement(ctx, member.ID, entitlementID); err != nil {
		return nil, false, fmt.Errorf("failed to grant entitlement %s to member %s: %w", entitlementID, member.ID, err)
	}
	member.Entitlements = append(member.Entitlements, entitlementID)
	return member, true, nil
}

func (r *MemberResolver) revokeFrom(ctx context.Context, lookup func(context.Context) (*Member, error), entitlementID string) (bool, error) {
	member, err := lookup(ctx)
	if err != nil {
		return false, err
	}
	if !member.HasEntitlement(entitlementID) {
		return false, nil
	}
	if err := r.members.RevokeEntitlement(ctx, member.ID, entitlementID); err != nil {
		return false, fmt.Errorf("failed to revoke entitlement %s from member %s: %w", entitlementID, member.ID, err)
	}
	return true, nil
}

func (r *MemberResolver) resolveByEmail(ctx context.Context, email string) (*Member, error) {
	if email == "" {
		return nil, ErrMemberNotFound
	}
	member, err := r.members.ResolveByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	if member == nil || member.ID == "" {
		return nil, ErrMemberNotFound
	}
	return member, nil
}
