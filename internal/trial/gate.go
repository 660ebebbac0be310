package trial

import (
	"context"
	"errors"

	"mailroom/internal/observability"
	"mailroom/internal/store"
)

type Action string

const (
	ActionAddUser    Action = "add_user"
	ActionAddPackage Action = "add_package"
)

// FailurePolicy is the one documented rule for what a gate does when the
// evaluation itself fails: with AllowOnError the gate fails open, keeping
// the product available through transient store outages at the cost of
// briefly unenforced limits. Denials for business reasons are unaffected.
type FailurePolicy struct {
	AllowOnError bool
}

// Gate answers "may action X happen now for organization O". It has no side
// effects beyond those inherited from Evaluate (the usage-window rollover).
type Gate struct {
	Service  *Service
	Observer *observability.LimitObserver
	Policy   FailurePolicy
}

func NewGate(svc *Service, observer *observability.LimitObserver, policy FailurePolicy) *Gate {
	return &Gate{Service: svc, Observer: observer, Policy: policy}
}

// Check evaluates the gate and returns the TrialInfo snapshot alongside the
// decision so rejections can carry accurate remaining-quota detail. The
// snapshot is nil only when evaluation itself failed; in that case the
// returned error describes the failure and the decision follows the failure
// policy, except for unknown organizations, which are always denied so the
// caller can surface a 404.
func (g *Gate) Check(ctx context.Context, orgID string, action Action) (bool, *TrialInfo, error) {
	info, err := g.Service.Evaluate(ctx, orgID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil, err
		}
		g.Observer.RecordFailure(orgID, g.Policy.AllowOnError, err)
		return g.Policy.AllowOnError, nil, err
	}

	if err := ValidateSubscriptionAccess(info); err != nil {
		g.Observer.RecordDeny(orgID, denyReason(info))
		return false, &info, nil
	}

	switch action {
	case ActionAddUser:
		if !info.UsageLimits.CanAddUsers {
			g.Observer.RecordDeny(orgID, "max_users_reached")
			return false, &info, nil
		}
		g.Observer.RecordAllow(orgID, string(action), info.UsageLimits.CurrentUsers, info.UsageLimits.MaxUsers)
		return true, &info, nil
	case ActionAddPackage:
		if !info.UsageLimits.CanAddPackages {
			g.Observer.RecordDeny(orgID, "max_packages_reached")
			return false, &info, nil
		}
		g.Observer.RecordAllow(orgID, string(action), info.UsageLimits.CurrentPackages, info.UsageLimits.MaxPackagesPerMonth)
		return true, &info, nil
	default:
		g.Observer.RecordDeny(orgID, "unknown_action")
		return false, &info, nil
	}
}

// CanPerformAction is the boolean form of Check.
func (g *Gate) CanPerformAction(ctx context.Context, orgID string, action Action) bool {
	allowed, _, _ := g.Check(ctx, orgID, action)
	return allowed
}

func denyReason(info TrialInfo) string {
	if info.SubscriptionStatus == store.StatusTrial && info.IsExpired {
		return "trial_expired"
	}
	return "subscription_" + info.SubscriptionStatus
}

// IsNotFound reports whether an evaluation error means the organization does
// not exist, which callers surface as a 404 rather than applying the gate's
// failure policy.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrgNotFound)
}
