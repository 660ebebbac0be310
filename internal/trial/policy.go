package trial

import (
	"errors"
	"strings"

	"mailroom/internal/store"
)

var ErrSubscriptionInactive = errors.New("subscription inactive")

// ValidateSubscriptionAccess is the absolute-lock rule: when it fails, every
// gated action is denied regardless of per-resource headroom. An expired
// trial locks the organization; cancelled and expired paid subscriptions are
// denied by default as well.
func ValidateSubscriptionAccess(info TrialInfo) error {
	switch strings.ToLower(strings.TrimSpace(info.SubscriptionStatus)) {
	case store.StatusTrial:
		if info.IsExpired {
			return ErrSubscriptionInactive
		}
		return nil
	case store.StatusActive:
		return nil
	case store.StatusCancelled, store.StatusExpired:
		return ErrSubscriptionInactive
	default:
		return ErrSubscriptionInactive
	}
}
