// Package trial tracks an organization's plan, trial window and usage
// counters, and gates mutating actions against them.
package trial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/plans"
	"mailroom/internal/store"
)

var (
	ErrOrgNotFound = errors.New("organization not found")
	ErrUnknownPlan = errors.New("unknown plan")
)

// Store is the slice of the organization record store the trial subsystem
// reads and writes. *store.Store satisfies it.
type Store interface {
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	CountMembers(ctx context.Context, orgID string) (int, error)
	ResetMonthlyUsageIfStale(ctx context.Context, orgID string, now time.Time) (bool, error)
	IncrementPackageUsage(ctx context.Context, orgID string) error
	DecrementPackageUsage(ctx context.Context, orgID string) error
	InitTrial(ctx context.Context, orgID string, start, end time.Time, maxUsers, maxPackages int) error
	ApplySubscriptionState(ctx context.Context, state store.SubscriptionState) error
}

// UsageLimits is the per-resource quota view inside a TrialInfo snapshot.
// A ceiling of plans.Unlimited (-1) means no cap.
type UsageLimits struct {
	MaxUsers            int  `json:"max_users"`
	MaxPackagesPerMonth int  `json:"max_packages_per_month"`
	CurrentUsers        int  `json:"current_users"`
	CurrentPackages     int  `json:"current_packages"`
	CanAddUsers         bool `json:"can_add_users"`
	CanAddPackages      bool `json:"can_add_packages"`
}

// TrialInfo is a point-in-time view of an organization's subscription state.
// DaysRemaining is display-only; gating decisions use IsExpired and the
// CanAddX flags, never DaysRemaining.
type TrialInfo struct {
	IsTrialActive      bool        `json:"is_trial_active"`
	DaysRemaining      int         `json:"days_remaining"`
	IsExpired          bool        `json:"is_expired"`
	PlanType           string      `json:"plan_type"`
	SubscriptionStatus string      `json:"subscription_status"`
	UsageLimits        UsageLimits `json:"usage_limits"`
}

type Service struct {
	Config config.Config
	Store  Store
	Now    func() time.Time
}

func NewService(cfg config.Config, st Store) *Service {
	return &Service{
		Config: cfg,
		Store:  st,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate derives the current TrialInfo for an organization. Reading status
// may write: when the stored usage window's calendar month no longer matches
// now, the monthly counter is rolled over first via a conditional update.
func (s *Service) Evaluate(ctx context.Context, orgID string) (TrialInfo, error) {
	org, err := s.getOrganization(ctx, orgID)
	if err != nil {
		return TrialInfo{}, err
	}

	now := s.Now()
	if monthChanged(org.UsageResetDate, now) {
		if _, err := s.Store.ResetMonthlyUsageIfStale(ctx, orgID, now); err != nil {
			return TrialInfo{}, fmt.Errorf("roll usage window: %w", err)
		}
		// Re-read so the snapshot reflects whichever caller won the rollover.
		if org, err = s.getOrganization(ctx, orgID); err != nil {
			return TrialInfo{}, err
		}
	}

	memberCount, err := s.Store.CountMembers(ctx, orgID)
	if err != nil {
		return TrialInfo{}, fmt.Errorf("count members: %w", err)
	}

	info := TrialInfo{
		PlanType:           org.PlanType,
		SubscriptionStatus: org.SubscriptionStatus,
		UsageLimits: UsageLimits{
			MaxUsers:            org.MaxUsers,
			MaxPackagesPerMonth: org.MaxPackagesPerMonth,
			CurrentUsers:        memberCount,
			CurrentPackages:     org.CurrentMonthPackages,
			CanAddUsers:         underCeiling(memberCount, org.MaxUsers),
			CanAddPackages:      underCeiling(org.CurrentMonthPackages, org.MaxPackagesPerMonth),
		},
	}

	if org.SubscriptionStatus == store.StatusTrial && org.TrialEndDate.Valid {
		end := org.TrialEndDate.Time
		info.IsTrialActive = now.Before(end)
		info.IsExpired = now.After(end)
		info.DaysRemaining = daysRemaining(now, end)
	}
	return info, nil
}

// InitializeTrial stamps the fixed trial window and default ceilings onto a
// freshly registered organization. Called exactly once after the row exists.
func (s *Service) InitializeTrial(ctx context.Context, orgID string) error {
	now := s.Now()
	end := now.Add(time.Duration(s.Config.Trial.LengthDays) * 24 * time.Hour)
	if err := s.Store.InitTrial(ctx, orgID, now, end, s.Config.Trial.MaxUsers, s.Config.Trial.MaxPackagesMonth); err != nil {
		return fmt.Errorf("initialize trial: %w", err)
	}
	return nil
}

// UpgradeToPaidPlan moves an organization onto a paid plan, resolving the
// ceilings from the plan catalog. Provider references are optional; the
// webhook reconciler fills them in when the upgrade originated in checkout.
func (s *Service) UpgradeToPaidPlan(ctx context.Context, orgID, planKey, customerRef, subscriptionRef string) error {
	plan, ok := plans.Get(planKey)
	if !ok || !plan.Paid() {
		return fmt.Errorf("%w: %q", ErrUnknownPlan, planKey)
	}
	if _, err := s.getOrganization(ctx, orgID); err != nil {
		return err
	}
	return s.Store.ApplySubscriptionState(ctx, store.SubscriptionState{
		OrgID:                orgID,
		PlanType:             string(plan.Type),
		SubscriptionStatus:   store.StatusActive,
		MaxUsers:             plan.MaxUsers,
		MaxPackagesPerMonth:  plan.MaxPackagesPerMonth,
		StripeCustomerID:     customerRef,
		StripeSubscriptionID: subscriptionRef,
	})
}

// IncrementPackageUsage counts one created package. Callers invoke this once
// per successful package insert, never speculatively before the insert.
func (s *Service) IncrementPackageUsage(ctx context.Context, orgID string) error {
	return s.Store.IncrementPackageUsage(ctx, orgID)
}

// DecrementPackageUsage releases one counted package when a creation is
// rolled back after the counter was already bumped.
func (s *Service) DecrementPackageUsage(ctx context.Context, orgID string) error {
	return s.Store.DecrementPackageUsage(ctx, orgID)
}

func (s *Service) getOrganization(ctx context.Context, orgID string) (store.Organization, error) {
	org, err := s.Store.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Organization{}, fmt.Errorf("%w: %s", ErrOrgNotFound, orgID)
		}
		return store.Organization{}, fmt.Errorf("load organization: %w", err)
	}
	return org, nil
}

func underCeiling(current, ceiling int) bool {
	if ceiling == plans.Unlimited {
		return true
	}
	return current < ceiling
}

func daysRemaining(now, end time.Time) int {
	if !now.Before(end) {
		return 0
	}
	remaining := end.Sub(now)
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

func monthChanged(resetDate, now time.Time) bool {
	resetDate = resetDate.UTC()
	now = now.UTC()
	return resetDate.Month() != now.Month() || resetDate.Year() != now.Year()
}
