package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscription statuses stored on the organization row.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Organization is the single mutable root for an org's trial and billing
// state. All writes to its trial/usage/billing fields go through the
// operations in this package; route handlers never update fields ad hoc.
type Organization struct {
	ID                   string
	Name                 string
	PlanType             string // "trial", "starter", "professional", "enterprise"
	SubscriptionStatus   string // "trial", "active", "expired", "cancelled"
	TrialStartDate       sql.NullTime
	TrialEndDate         sql.NullTime
	MaxUsers             int // -1 means unlimited
	MaxPackagesPerMonth  int // -1 means unlimited
	CurrentMonthPackages int
	UsageResetDate       time.Time
	StripeCustomerID     sql.NullString
	StripeSubscriptionID sql.NullString
	LastPaymentDate      sql.NullTime
	LastPaymentAmount    sql.NullInt64 // cents
	NextBillingDate      sql.NullTime
	BillingCycle         sql.NullString
	BillingEmail         sql.NullString
	CreatedAt            time.Time
}

const organizationColumns = `id, name, plan_type, subscription_status, trial_start_date, trial_end_date,
	max_users, max_packages_per_month, current_month_packages, usage_reset_date,
	stripe_customer_id, stripe_subscription_id, last_payment_date, last_payment_amount,
	next_billing_date, billing_cycle, billing_email, created_at`

func scanOrganization(row interface{ Scan(...any) error }) (Organization, error) {
	var org Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.PlanType, &org.SubscriptionStatus, &org.TrialStartDate, &org.TrialEndDate,
		&org.MaxUsers, &org.MaxPackagesPerMonth, &org.CurrentMonthPackages, &org.UsageResetDate,
		&org.StripeCustomerID, &org.StripeSubscriptionID, &org.LastPaymentDate, &org.LastPaymentAmount,
		&org.NextBillingDate, &org.BillingCycle, &org.BillingEmail, &org.CreatedAt,
	)
	return org, err
}

func (s *Store) CreateOrganization(ctx context.Context, name string, billingEmail string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, plan_type, subscription_status, max_users, max_packages_per_month, current_month_packages, usage_reset_date, billing_email)
		VALUES ($1, $2, 'trial', 'trial', 0, 0, 0, now(), $3)
	`, id, strings.TrimSpace(name), nullIfEmpty(billingEmail))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, orgID)
	return scanOrganization(row)
}

// InitTrial stamps the fixed trial window and default ceilings onto a freshly
// created organization. Called exactly once, right after the row is inserted.
func (s *Store) InitTrial(ctx context.Context, orgID string, start, end time.Time, maxUsers, maxPackages int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET plan_type = 'trial',
		    subscription_status = 'trial',
		    trial_start_date = $2,
		    trial_end_date = $3,
		    max_users = $4,
		    max_packages_per_month = $5,
		    current_month_packages = 0,
		    usage_reset_date = $2
		WHERE id = $1
	`, orgID, start, end, maxUsers, maxPackages)
	return err
}

// SubscriptionState is the reconciler's view of provider truth applied onto
// the organization row. Billing fields and usage-counter fields are disjoint
// writers; this update deliberately never touches the usage counters.
type SubscriptionState struct {
	OrgID                string
	PlanType             string
	SubscriptionStatus   string
	MaxUsers             int
	MaxPackagesPerMonth  int
	StripeCustomerID     string
	StripeSubscriptionID string
	NextBillingDate      sql.NullTime
	BillingCycle         string
}

func (s *Store) ApplySubscriptionState(ctx context.Context, state SubscriptionState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET plan_type = $2,
		    subscription_status = $3,
		    max_users = $4,
		    max_packages_per_month = $5,
		    stripe_customer_id = COALESCE($6, stripe_customer_id),
		    stripe_subscription_id = COALESCE($7, stripe_subscription_id),
		    next_billing_date = $8,
		    billing_cycle = COALESCE($9, billing_cycle)
		WHERE id = $1
	`, state.OrgID, state.PlanType, state.SubscriptionStatus, state.MaxUsers, state.MaxPackagesPerMonth,
		nullIfEmpty(state.StripeCustomerID), nullIfEmpty(state.StripeSubscriptionID),
		state.NextBillingDate, nullIfEmpty(state.BillingCycle))
	return err
}

// CancelSubscription marks the org cancelled and records when the paid period
// ends. Plan ceilings are left in place until a later transition changes them.
func (s *Store) CancelSubscription(ctx context.Context, orgID string, periodEnd sql.NullTime) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET subscription_status = 'cancelled',
		    next_billing_date = COALESCE($2, next_billing_date)
		WHERE id = $1
	`, orgID, periodEnd)
	return err
}

func (s *Store) RecordInvoicePayment(ctx context.Context, orgID string, paidAt time.Time, amountCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET last_payment_date = $2,
		    last_payment_amount = $3
		WHERE id = $1
	`, orgID, paidAt, amountCents)
	return err
}

// LinkStripeRefs records the provider identifiers for an organization,
// typically from a completed checkout session. Empty refs never overwrite
// existing ones.
func (s *Store) LinkStripeRefs(ctx context.Context, orgID, customerID, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET stripe_customer_id = COALESCE($2, stripe_customer_id),
		    stripe_subscription_id = COALESCE($3, stripe_subscription_id)
		WHERE id = $1
	`, orgID, nullIfEmpty(customerID), nullIfEmpty(subscriptionID))
	return err
}

func (s *Store) FindOrgByStripeCustomerID(ctx context.Context, customerID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM organizations WHERE stripe_customer_id = $1`, customerID)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) FindOrgByStripeSubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM organizations WHERE stripe_subscription_id = $1`, subscriptionID)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) FindStripeCustomerByOrg(ctx context.Context, orgID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT stripe_customer_id FROM organizations WHERE id = $1 AND stripe_customer_id IS NOT NULL`, orgID)
	var customerID string
	if err := row.Scan(&customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
