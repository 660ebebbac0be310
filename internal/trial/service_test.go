package trial

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/plans"
	"mailroom/internal/store"
)

// fakeStore is an in-memory Store with the same rollover semantics as the
// SQL implementation: the conditional reset only fires when the stored reset
// date is in a different calendar month than now.
type fakeStore struct {
	orgs        map[string]store.Organization
	memberCount map[string]int
	resetCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:        make(map[string]store.Organization),
		memberCount: make(map[string]int),
	}
}

func (f *fakeStore) GetOrganization(_ context.Context, orgID string) (store.Organization, error) {
	org, ok := f.orgs[orgID]
	if !ok {
		return store.Organization{}, sql.ErrNoRows
	}
	return org, nil
}

func (f *fakeStore) CountMembers(_ context.Context, orgID string) (int, error) {
	return f.memberCount[orgID], nil
}

func (f *fakeStore) ResetMonthlyUsageIfStale(_ context.Context, orgID string, now time.Time) (bool, error) {
	org, ok := f.orgs[orgID]
	if !ok {
		return false, nil
	}
	if org.UsageResetDate.UTC().Month() == now.UTC().Month() && org.UsageResetDate.UTC().Year() == now.UTC().Year() {
		return false, nil
	}
	org.CurrentMonthPackages = 0
	org.UsageResetDate = now
	f.orgs[orgID] = org
	f.resetCalls++
	return true, nil
}

func (f *fakeStore) IncrementPackageUsage(_ context.Context, orgID string) error {
	org := f.orgs[orgID]
	org.CurrentMonthPackages++
	f.orgs[orgID] = org
	return nil
}

func (f *fakeStore) DecrementPackageUsage(_ context.Context, orgID string) error {
	org := f.orgs[orgID]
	if org.CurrentMonthPackages > 0 {
		org.CurrentMonthPackages--
	}
	f.orgs[orgID] = org
	return nil
}

func (f *fakeStore) InitTrial(_ context.Context, orgID string, start, end time.Time, maxUsers, maxPackages int) error {
	org := f.orgs[orgID]
	org.ID = orgID
	org.PlanType = "trial"
	org.SubscriptionStatus = store.StatusTrial
	org.TrialStartDate = sql.NullTime{Time: start, Valid: true}
	org.TrialEndDate = sql.NullTime{Time: end, Valid: true}
	org.MaxUsers = maxUsers
	org.MaxPackagesPerMonth = maxPackages
	org.CurrentMonthPackages = 0
	org.UsageResetDate = start
	f.orgs[orgID] = org
	return nil
}

func (f *fakeStore) ApplySubscriptionState(_ context.Context, state store.SubscriptionState) error {
	org := f.orgs[state.OrgID]
	org.PlanType = state.PlanType
	org.SubscriptionStatus = state.SubscriptionStatus
	org.MaxUsers = state.MaxUsers
	org.MaxPackagesPerMonth = state.MaxPackagesPerMonth
	if state.StripeCustomerID != "" {
		org.StripeCustomerID = sql.NullString{String: state.StripeCustomerID, Valid: true}
	}
	if state.StripeSubscriptionID != "" {
		org.StripeSubscriptionID = sql.NullString{String: state.StripeSubscriptionID, Valid: true}
	}
	f.orgs[state.OrgID] = org
	return nil
}

func newTestService(st Store, now time.Time) *Service {
	svc := NewService(config.Default(), st)
	svc.Now = func() time.Time { return now }
	return svc
}

func TestEvaluateTrialWindow(t *testing.T) {
	t0 := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{ID: "org-1"}

	svc := newTestService(fs, t0)
	if err := svc.InitializeTrial(context.Background(), "org-1"); err != nil {
		t.Fatalf("initialize trial: %v", err)
	}

	// Three days in: active, four display days remaining.
	svc.Now = func() time.Time { return t0.Add(3 * 24 * time.Hour) }
	info, err := svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !info.IsTrialActive || info.IsExpired {
		t.Fatalf("expected active trial at day 3: %+v", info)
	}
	if info.DaysRemaining != 4 {
		t.Fatalf("expected 4 days remaining, got %d", info.DaysRemaining)
	}
	if info.UsageLimits.MaxUsers != 5 || info.UsageLimits.MaxPackagesPerMonth != 500 {
		t.Fatalf("unexpected trial ceilings: %+v", info.UsageLimits)
	}

	// One day past the window: expired, zero days remaining.
	svc.Now = func() time.Time { return t0.Add(8 * 24 * time.Hour) }
	info, err = svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if info.IsTrialActive || !info.IsExpired {
		t.Fatalf("expected expired trial at day 8: %+v", info)
	}
	if info.DaysRemaining != 0 {
		t.Fatalf("expected 0 days remaining, got %d", info.DaysRemaining)
	}
}

func TestExpiryIsMonotonicUntilStatusChanges(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{ID: "org-1"}

	svc := newTestService(fs, t0)
	if err := svc.InitializeTrial(context.Background(), "org-1"); err != nil {
		t.Fatalf("initialize trial: %v", err)
	}

	for _, offset := range []time.Duration{8, 9, 30, 400} {
		svc.Now = func() time.Time { return t0.Add(offset * 24 * time.Hour) }
		info, err := svc.Evaluate(context.Background(), "org-1")
		if err != nil {
			t.Fatalf("evaluate at +%dd: %v", offset, err)
		}
		if !info.IsExpired {
			t.Fatalf("expected expiry to hold at +%dd", offset)
		}
	}

	if err := svc.UpgradeToPaidPlan(context.Background(), "org-1", "starter", "", ""); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	info, err := svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate after upgrade: %v", err)
	}
	if info.IsExpired {
		t.Fatalf("expiry must clear once status leaves trial: %+v", info)
	}
}

func TestUnlimitedSentinelAlwaysAllows(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                   "org-1",
		PlanType:             "enterprise",
		SubscriptionStatus:   store.StatusActive,
		MaxUsers:             plans.Unlimited,
		MaxPackagesPerMonth:  plans.Unlimited,
		CurrentMonthPackages: 250000,
		UsageResetDate:       now,
	}
	fs.memberCount["org-1"] = 10000

	svc := newTestService(fs, now)
	info, err := svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !info.UsageLimits.CanAddUsers || !info.UsageLimits.CanAddPackages {
		t.Fatalf("sentinel ceilings must never deny: %+v", info.UsageLimits)
	}
}

func TestEvaluateRollsUsageWindowAcrossMonthBoundary(t *testing.T) {
	resetAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                   "org-1",
		PlanType:             "starter",
		SubscriptionStatus:   store.StatusActive,
		MaxUsers:             10,
		MaxPackagesPerMonth:  1000,
		CurrentMonthPackages: 847,
		UsageResetDate:       resetAt,
	}

	svc := newTestService(fs, now)
	info, err := svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if info.UsageLimits.CurrentPackages != 0 {
		t.Fatalf("expected counter reset to 0, got %d", info.UsageLimits.CurrentPackages)
	}
	if got := fs.orgs["org-1"].UsageResetDate; !got.Equal(now) {
		t.Fatalf("expected usage reset date %s, got %s", now, got)
	}
	if fs.resetCalls != 1 {
		t.Fatalf("expected exactly one reset, got %d", fs.resetCalls)
	}
}

func TestEvaluateIsIdempotentWithinOneMonth(t *testing.T) {
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                   "org-1",
		PlanType:             "starter",
		SubscriptionStatus:   store.StatusActive,
		MaxUsers:             10,
		MaxPackagesPerMonth:  1000,
		CurrentMonthPackages: 12,
		UsageResetDate:       now.Add(-5 * 24 * time.Hour),
	}

	svc := newTestService(fs, now)
	for i := 0; i < 3; i++ {
		info, err := svc.Evaluate(context.Background(), "org-1")
		if err != nil {
			t.Fatalf("evaluate #%d: %v", i, err)
		}
		if info.UsageLimits.CurrentPackages != 12 {
			t.Fatalf("evaluate #%d changed the counter: %d", i, info.UsageLimits.CurrentPackages)
		}
	}
	if fs.resetCalls != 0 {
		t.Fatalf("expected no resets within the same month, got %d", fs.resetCalls)
	}

	if err := svc.IncrementPackageUsage(context.Background(), "org-1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	info, err := svc.Evaluate(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("evaluate after increment: %v", err)
	}
	if info.UsageLimits.CurrentPackages != 13 {
		t.Fatalf("expected counter 13 after explicit increment, got %d", info.UsageLimits.CurrentPackages)
	}
}

func TestEvaluateUnknownOrg(t *testing.T) {
	svc := newTestService(newFakeStore(), time.Now())
	_, err := svc.Evaluate(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected org-not-found, got %v", err)
	}
}

func TestUpgradeToPaidPlanResolvesCatalogCeilings(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                 "org-1",
		PlanType:           "trial",
		SubscriptionStatus: store.StatusTrial,
		UsageResetDate:     now,
	}

	svc := newTestService(fs, now)
	if err := svc.UpgradeToPaidPlan(context.Background(), "org-1", "professional", "cus_42", "sub_42"); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	org := fs.orgs["org-1"]
	if org.PlanType != "professional" || org.SubscriptionStatus != store.StatusActive {
		t.Fatalf("unexpected plan state after upgrade: %+v", org)
	}
	if org.MaxUsers != 50 || org.MaxPackagesPerMonth != plans.Unlimited {
		t.Fatalf("ceilings not resolved from catalog: %+v", org)
	}
	if !org.StripeCustomerID.Valid || org.StripeCustomerID.String != "cus_42" {
		t.Fatalf("expected customer ref recorded: %+v", org.StripeCustomerID)
	}

	if err := svc.UpgradeToPaidPlan(context.Background(), "org-1", "trial", "", ""); err == nil {
		t.Fatalf("expected upgrade to trial to be rejected")
	}
	if err := svc.UpgradeToPaidPlan(context.Background(), "org-1", "platinum", "", ""); err == nil {
		t.Fatalf("expected unknown plan to be rejected")
	}
}

func TestDaysRemainingCeiling(t *testing.T) {
	end := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want int
	}{
		{end.Add(-7 * 24 * time.Hour), 7},
		{end.Add(-25 * time.Hour), 2},
		{end.Add(-24 * time.Hour), 1},
		{end.Add(-time.Hour), 1},
		{end, 0},
		{end.Add(time.Hour), 0},
	}
	for _, tc := range tests {
		if got := daysRemaining(tc.now, end); got != tc.want {
			t.Fatalf("daysRemaining(%s) = %d, want %d", tc.now, got, tc.want)
		}
	}
}
