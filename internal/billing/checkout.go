package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Stripe price lookup keys per paid plan. The keys double as the plan
// resolution key when subscription events come back through the webhook.
var stripePriceLookupKeys = map[string]string{
	"starter":      "starter",
	"professional": "professional",
	"enterprise":   "enterprise",
}

type CheckoutResult struct {
	CheckoutURL       string `json:"checkout_url"`
	ClientReferenceID string `json:"client_reference_id"`
}

// CreateCheckoutSession starts a Stripe-hosted subscription checkout for an
// organization. The org id rides along as client_reference_id and metadata
// so the webhook reconciler can link the resulting customer back to us.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, orgID, planKey, successURL, cancelURL string) (*CheckoutResult, error) {
	sk := strings.TrimSpace(s.Config.Billing.StripeSecretKey)
	if sk == "" {
		return nil, errors.New("stripe secret key not configured")
	}
	lookupKey, ok := stripePriceLookupKeys[strings.ToLower(strings.TrimSpace(planKey))]
	if !ok {
		return nil, errors.New("no stripe price for plan " + planKey)
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("client_reference_id", orgID)
	form.Set("line_items[0][price]", lookupKey)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[org_id]", orgID)
	form.Set("subscription_data[metadata][org_id]", orgID)
	if successURL == "" {
		successURL = "https://app.mailroom.dev/billing?checkout=success"
	}
	if cancelURL == "" {
		cancelURL = "https://app.mailroom.dev/billing?checkout=cancel"
	}
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)

	body, err := s.stripePost(ctx, "https://api.stripe.com/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, err
	}
	return &CheckoutResult{
		CheckoutURL:       session.URL,
		ClientReferenceID: orgID,
	}, nil
}

type PortalResult struct {
	URL string `json:"url"`
}

// CreateBillingPortalSession opens the Stripe billing portal for an org that
// already has a linked customer.
func (s *StripeService) CreateBillingPortalSession(ctx context.Context, orgID string) (*PortalResult, error) {
	sk := strings.TrimSpace(s.Config.Billing.StripeSecretKey)
	if sk == "" {
		return nil, errors.New("stripe secret key not configured")
	}

	customerID, err := s.Store.FindStripeCustomerByOrg(ctx, orgID)
	if err != nil {
		return nil, errors.New("no billing account found for this organization")
	}

	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", "https://app.mailroom.dev/billing")

	body, err := s.stripePost(ctx, "https://api.stripe.com/v1/billing_portal/sessions", form)
	if err != nil {
		return nil, err
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, err
	}
	return &PortalResult{URL: session.URL}, nil
}

func (s *StripeService) stripePost(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(strings.TrimSpace(s.Config.Billing.StripeSecretKey), "")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("stripe error: " + string(body))
	}
	return body, nil
}
