// Package billing applies the payment provider's view of subscription truth
// onto organization records, driven by verified Stripe webhook events.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailroom/internal/config"
	"mailroom/internal/plans"
	"mailroom/internal/store"
)

const stripeProvider = "stripe"

// ErrOrgNotLinked means the event's customer reference matched no local
// organization. Possibly a transient race between checkout completion and
// local linkage, so callers retry a bounded number of times before dropping.
var ErrOrgNotLinked = errors.New("no organization linked to stripe reference")

// Store is the slice of the organization record store the reconciler writes.
// *store.Store satisfies it.
type Store interface {
	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, detail string) error
	FindOrgByStripeCustomerID(ctx context.Context, customerID string) (string, error)
	FindOrgByStripeSubscriptionID(ctx context.Context, subscriptionID string) (string, error)
	ApplySubscriptionState(ctx context.Context, state store.SubscriptionState) error
	CancelSubscription(ctx context.Context, orgID string, periodEnd sql.NullTime) error
	RecordInvoicePayment(ctx context.Context, orgID string, paidAt time.Time, amountCents int64) error
	LinkStripeRefs(ctx context.Context, orgID, customerID, subscriptionID string) error
	FindStripeCustomerByOrg(ctx context.Context, orgID string) (string, error)
}

// RetryQueue defers events whose organization linkage is not visible yet.
type RetryQueue interface {
	Enqueue(ctx context.Context, payload []byte, attempt int) error
}

type StripeService struct {
	Config config.Config
	Store  Store
	Retry  RetryQueue
	Logger *zap.Logger
	Now    func() time.Time
}

func NewStripeService(cfg config.Config, st Store, retry RetryQueue, logger *zap.Logger) *StripeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeService{
		Config: cfg,
		Store:  st,
		Retry:  retry,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
	Recurring struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	Created      int64  `json:"created"`
}

// ProcessWebhook verifies, deduplicates and applies one provider event.
// Replaying an already-processed event id is a no-op.
func (s *StripeService) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s == nil || s.Store == nil {
		return errors.New("stripe service not configured")
	}
	if err := s.verifySignature(payload, signatureHeader); err != nil {
		return err
	}
	if err := validateEventPayload(payload); err != nil {
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}

	payloadHash := sha256Hex(payload)
	inserted, existingStatus, err := s.Store.InsertWebhookEventIfAbsent(ctx, stripeProvider, event.ID, event.Type, payloadHash)
	if err != nil {
		return err
	}
	if !inserted && existingStatus == "processed" {
		return nil
	}

	if err := s.applyEvent(ctx, event); err != nil {
		if errors.Is(err, ErrOrgNotLinked) {
			return s.deferEvent(ctx, event, payload)
		}
		_ = s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	return s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "processed", "")
}

// ProcessRetry re-applies a deferred event. Signature and dedup were already
// handled on first delivery.
func (s *StripeService) ProcessRetry(ctx context.Context, payload []byte, attempt int) error {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	if err := s.applyEvent(ctx, event); err != nil {
		if errors.Is(err, ErrOrgNotLinked) {
			if attempt+1 < s.retryAttempts() {
				return s.Retry.Enqueue(ctx, payload, attempt+1)
			}
			s.Logger.Error("dropping stripe event with no linked organization",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Int("attempts", attempt+1),
			)
			return s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", "no linked organization")
		}
		_ = s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	return s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "processed", "")
}

func (s *StripeService) deferEvent(ctx context.Context, event stripeEvent, payload []byte) error {
	if s.Retry == nil || s.retryAttempts() <= 0 {
		s.Logger.Error("dropping stripe event with no linked organization",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", "no linked organization")
	}
	s.Logger.Warn("deferring stripe event pending organization linkage",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	if err := s.Retry.Enqueue(ctx, payload, 0); err != nil {
		return err
	}
	// Acknowledge to the provider; the retry queue owns redelivery now.
	return nil
}

func (s *StripeService) applyEvent(ctx context.Context, event stripeEvent) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return err
		}
		orgID := strings.TrimSpace(session.ClientReferenceID)
		if orgID == "" {
			orgID = strings.TrimSpace(session.Metadata["org_id"])
		}
		if orgID == "" {
			return errors.New("checkout session missing org reference")
		}
		// Record the provider linkage so later customer/subscription events
		// resolve without metadata.
		return s.Store.LinkStripeRefs(ctx, orgID, session.Customer, session.Subscription)
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return err
		}
		return s.applySubscriptionSnapshot(ctx, sub)
	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return err
		}
		orgID, err := s.resolveOrgID(ctx, sub.Metadata["org_id"], sub.Customer, sub.ID)
		if err != nil {
			return err
		}
		return s.Store.CancelSubscription(ctx, orgID, unixNullTime(sub.CurrentPeriodEnd))
	case "invoice.paid", "invoice.payment_succeeded":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return err
		}
		orgID, err := s.resolveOrgID(ctx, "", invoice.Customer, invoice.Subscription)
		if err != nil {
			return err
		}
		paidAt := s.Now()
		if invoice.Created > 0 {
			paidAt = time.Unix(invoice.Created, 0).UTC()
		}
		return s.Store.RecordInvoicePayment(ctx, orgID, paidAt, invoice.AmountPaid)
	case "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return err
		}
		// No state transition on payment failure; Stripe's dunning will send
		// a subscription update if the subscription lapses.
		s.Logger.Warn("invoice payment failed",
			zap.String("invoice_id", invoice.ID),
			zap.String("customer", invoice.Customer),
			zap.String("subscription", invoice.Subscription),
		)
		return nil
	default:
		return nil
	}
}

func (s *StripeService) applySubscriptionSnapshot(ctx context.Context, sub stripeSubscription) error {
	orgID, err := s.resolveOrgID(ctx, sub.Metadata["org_id"], sub.Customer, sub.ID)
	if err != nil {
		return err
	}
	planKey := extractPlanKey(sub)
	if planKey == "" {
		return errors.New("subscription event missing plan key")
	}
	plan, ok := plans.Get(planKey)
	if !ok {
		return errors.New("subscription event references unknown plan " + strconv.Quote(planKey))
	}

	status := normalizeSubscriptionStatus(sub.Status)
	if status == store.StatusCancelled {
		return s.Store.CancelSubscription(ctx, orgID, unixNullTime(sub.CurrentPeriodEnd))
	}

	return s.Store.ApplySubscriptionState(ctx, store.SubscriptionState{
		OrgID:                orgID,
		PlanType:             string(plan.Type),
		SubscriptionStatus:   status,
		MaxUsers:             plan.MaxUsers,
		MaxPackagesPerMonth:  plan.MaxPackagesPerMonth,
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		NextBillingDate:      unixNullTime(sub.CurrentPeriodEnd),
		BillingCycle:         billingCycle(sub),
	})
}

func (s *StripeService) resolveOrgID(ctx context.Context, directOrgID, customerID, subscriptionID string) (string, error) {
	if orgID := strings.TrimSpace(directOrgID); orgID != "" {
		return orgID, nil
	}
	if subscriptionID != "" {
		orgID, err := s.Store.FindOrgByStripeSubscriptionID(ctx, subscriptionID)
		if err == nil {
			return orgID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	if customerID != "" {
		orgID, err := s.Store.FindOrgByStripeCustomerID(ctx, customerID)
		if err == nil {
			return orgID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return "", ErrOrgNotLinked
}

func (s *StripeService) verifySignature(payload []byte, signatureHeader string) error {
	secret := strings.TrimSpace(s.Config.Billing.StripeWebhookSecret)
	if secret == "" {
		return errors.New("stripe webhook secret not configured")
	}

	timestamp, signature, err := parseStripeSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	signedPayload := []byte(timestamp + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid stripe signature")
	}

	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return err
	}
	if delta := s.Now().Sub(time.Unix(tsInt, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return errors.New("stripe signature timestamp outside tolerance")
	}
	return nil
}

func (s *StripeService) retryAttempts() int {
	if s.Retry == nil {
		return 0
	}
	return s.Config.Billing.RetryAttempts
}

func parseStripeSignatureHeader(header string) (string, string, error) {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return "", "", errors.New("invalid stripe signature header")
	}
	return ts, sig, nil
}

func extractPlanKey(sub stripeSubscription) string {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	price := sub.Items.Data[0].Price
	if strings.TrimSpace(price.LookupKey) != "" {
		return strings.TrimSpace(price.LookupKey)
	}
	return strings.TrimSpace(price.ID)
}

// normalizeSubscriptionStatus maps Stripe's subscription statuses onto the
// values stored on the organization row. A past_due subscription stays
// active here; Stripe follows up with a terminal status once dunning ends.
func normalizeSubscriptionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return store.StatusTrial
	case "active", "past_due":
		return store.StatusActive
	case "canceled", "unpaid", "incomplete_expired":
		return store.StatusCancelled
	default:
		return store.StatusExpired
	}
}

func billingCycle(sub stripeSubscription) string {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	switch sub.Items.Data[0].Price.Recurring.Interval {
	case "year":
		return "yearly"
	case "month":
		return "monthly"
	default:
		return sub.Items.Data[0].Price.Recurring.Interval
	}
}

func unixNullTime(raw int64) sql.NullTime {
	if raw <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(raw, 0).UTC(), Valid: true}
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
