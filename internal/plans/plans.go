// Package plans is the canonical catalog of subscription plans. Ceilings and
// prices are defined here and nowhere else; upgrade paths and the billing
// reconciler resolve per-organization ceilings from this table at transition
// time.
package plans

import "strings"

// Unlimited is the sentinel ceiling meaning "no cap". Callers comparing a
// usage counter against a ceiling must special-case it before any numeric
// comparison.
const Unlimited = -1

type PlanType string

const (
	PlanTrial        PlanType = "trial"
	PlanStarter      PlanType = "starter"
	PlanProfessional PlanType = "professional"
	PlanEnterprise   PlanType = "enterprise"
)

type Plan struct {
	Type                PlanType `json:"type"`
	DisplayName         string   `json:"display_name"`
	PricePerSeatCents   int      `json:"price_per_seat_cents"`
	MaxUsers            int      `json:"max_users"`
	MaxPackagesPerMonth int      `json:"max_packages_per_month"`
	Features            []string `json:"features"`
}

var catalog = map[PlanType]Plan{
	PlanTrial: {
		Type:                PlanTrial,
		DisplayName:         "Trial",
		PricePerSeatCents:   0,
		MaxUsers:            5,
		MaxPackagesPerMonth: 500,
		Features:            []string{"package_logging", "email_notifications"},
	},
	PlanStarter: {
		Type:                PlanStarter,
		DisplayName:         "Starter",
		PricePerSeatCents:   1200,
		MaxUsers:            10,
		MaxPackagesPerMonth: 1000,
		Features:            []string{"package_logging", "email_notifications", "storage_locations"},
	},
	PlanProfessional: {
		Type:                PlanProfessional,
		DisplayName:         "Professional",
		PricePerSeatCents:   2900,
		MaxUsers:            50,
		MaxPackagesPerMonth: Unlimited,
		Features:            []string{"package_logging", "email_notifications", "storage_locations", "recipient_portal", "reporting"},
	},
	PlanEnterprise: {
		Type:                PlanEnterprise,
		DisplayName:         "Enterprise",
		PricePerSeatCents:   4900,
		MaxUsers:            Unlimited,
		MaxPackagesPerMonth: Unlimited,
		Features:            []string{"package_logging", "email_notifications", "storage_locations", "recipient_portal", "reporting", "sso", "audit_log"},
	},
}

// Get resolves a plan by its key. Keys are matched case-insensitively since
// they arrive both from our own API and from Stripe price lookup keys.
func Get(key string) (Plan, bool) {
	plan, ok := catalog[PlanType(strings.ToLower(strings.TrimSpace(key)))]
	return plan, ok
}

// Paid reports whether the plan is billable. Trial is the only unpaid plan.
func (p Plan) Paid() bool {
	return p.Type != PlanTrial
}

// List returns all plans in a stable display order.
func List() []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, key := range []PlanType{PlanTrial, PlanStarter, PlanProfessional, PlanEnterprise} {
		out = append(out, catalog[key])
	}
	return out
}
