package trial

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"mailroom/internal/observability"
	"mailroom/internal/store"
)

func newTestGate(svc *Service, allowOnError bool) *Gate {
	return NewGate(svc, observability.NewLimitObserver(nil), FailurePolicy{AllowOnError: allowOnError})
}

func TestExpiredTrialIsAbsoluteLock(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{ID: "org-1"}

	svc := newTestService(fs, t0)
	if err := svc.InitializeTrial(context.Background(), "org-1"); err != nil {
		t.Fatalf("initialize trial: %v", err)
	}
	// Well under both ceilings: the lock must still deny everything.
	fs.memberCount["org-1"] = 1

	svc.Now = func() time.Time { return t0.Add(8 * 24 * time.Hour) }
	gate := newTestGate(svc, true)

	for _, action := range []Action{ActionAddUser, ActionAddPackage} {
		allowed, info, err := gate.Check(context.Background(), "org-1", action)
		if err != nil {
			t.Fatalf("check %s: %v", action, err)
		}
		if allowed {
			t.Fatalf("expected %s denied for expired trial", action)
		}
		if info == nil || !info.IsExpired {
			t.Fatalf("expected snapshot with expiry on denial, got %+v", info)
		}
		if action == ActionAddUser && !info.UsageLimits.CanAddUsers {
			t.Fatalf("per-resource headroom should still report true: %+v", info.UsageLimits)
		}
	}
}

func TestGateDeniesAtCeilingAndRecoversAfterUpgrade(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                   "org-1",
		PlanType:             "trial",
		SubscriptionStatus:   store.StatusTrial,
		TrialEndDate:         nullTime(now.Add(3 * 24 * time.Hour)),
		MaxUsers:             5,
		MaxPackagesPerMonth:  500,
		CurrentMonthPackages: 500,
		UsageResetDate:       now,
	}

	svc := newTestService(fs, now)
	gate := newTestGate(svc, true)

	if gate.CanPerformAction(context.Background(), "org-1", ActionAddPackage) {
		t.Fatalf("expected add_package denied at ceiling")
	}
	if !gate.CanPerformAction(context.Background(), "org-1", ActionAddUser) {
		t.Fatalf("expected add_user still allowed under its ceiling")
	}

	if err := svc.UpgradeToPaidPlan(context.Background(), "org-1", "professional", "", ""); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !gate.CanPerformAction(context.Background(), "org-1", ActionAddPackage) {
		t.Fatalf("expected add_package allowed on unlimited professional plan")
	}
	if got := fs.orgs["org-1"].CurrentMonthPackages; got != 500 {
		t.Fatalf("gate must not mutate the counter, got %d", got)
	}
}

func TestGateDeniesCancelledSubscription(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{
		ID:                  "org-1",
		PlanType:            "professional",
		SubscriptionStatus:  store.StatusCancelled,
		MaxUsers:            50,
		MaxPackagesPerMonth: -1,
		UsageResetDate:      now,
	}

	gate := newTestGate(newTestService(fs, now), true)
	for _, action := range []Action{ActionAddUser, ActionAddPackage} {
		if gate.CanPerformAction(context.Background(), "org-1", action) {
			t.Fatalf("expected %s denied for cancelled subscription", action)
		}
	}
}

type failingStore struct {
	fakeStore
}

func (f *failingStore) GetOrganization(context.Context, string) (store.Organization, error) {
	return store.Organization{}, errors.New("store unavailable")
}

func TestGateFailurePolicy(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	st := &failingStore{fakeStore: *newFakeStore()}

	open := newTestGate(newTestService(st, now), true)
	allowed, info, err := open.Check(context.Background(), "org-1", ActionAddPackage)
	if !allowed {
		t.Fatalf("fail-open policy must allow on evaluation failure")
	}
	if info != nil {
		t.Fatalf("no snapshot expected on evaluation failure")
	}
	if err == nil {
		t.Fatalf("expected the evaluation error to be surfaced")
	}

	closed := newTestGate(newTestService(st, now), false)
	if closed.CanPerformAction(context.Background(), "org-1", ActionAddPackage) {
		t.Fatalf("fail-closed policy must deny on evaluation failure")
	}
}

func TestGateUnknownOrgDeniesEvenFailOpen(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	gate := newTestGate(newTestService(newFakeStore(), now), true)

	allowed, info, err := gate.Check(context.Background(), "nope", ActionAddUser)
	if allowed || info != nil {
		t.Fatalf("missing org must deny without a snapshot, got allowed=%v info=%+v", allowed, info)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestValidateSubscriptionAccess(t *testing.T) {
	tests := []struct {
		name  string
		info  TrialInfo
		allow bool
	}{
		{"active trial", TrialInfo{SubscriptionStatus: store.StatusTrial, IsTrialActive: true}, true},
		{"expired trial", TrialInfo{SubscriptionStatus: store.StatusTrial, IsExpired: true}, false},
		{"active paid", TrialInfo{SubscriptionStatus: store.StatusActive}, true},
		{"cancelled", TrialInfo{SubscriptionStatus: store.StatusCancelled}, false},
		{"expired paid", TrialInfo{SubscriptionStatus: store.StatusExpired}, false},
		{"unknown status", TrialInfo{SubscriptionStatus: "weird"}, false},
	}
	for _, tc := range tests {
		err := ValidateSubscriptionAccess(tc.info)
		if tc.allow && err != nil {
			t.Fatalf("%s: expected access, got %v", tc.name, err)
		}
		if !tc.allow && !errors.Is(err, ErrSubscriptionInactive) {
			t.Fatalf("%s: expected ErrSubscriptionInactive, got %v", tc.name, err)
		}
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
