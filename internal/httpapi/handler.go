package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailroom/internal/auth"
	"mailroom/internal/billing"
	"mailroom/internal/config"
	"mailroom/internal/plans"
	"mailroom/internal/store"
	"mailroom/internal/trial"
)

type BillingWebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

// CheckoutProvider covers the Stripe-hosted surfaces: starting a checkout
// session and opening the customer billing portal.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, orgID, planKey, successURL, cancelURL string) (*billing.CheckoutResult, error)
	CreateBillingPortalSession(ctx context.Context, orgID string) (*billing.PortalResult, error)
}

type Handler struct {
	Config config.Config
	Store  *store.Store
	Auth   *auth.Service
	Trial  *trial.Service
	Gate   *trial.Gate

	Billing  BillingWebhookProcessor
	Checkout CheckoutProvider
	Logger   *zap.Logger

	// Queue is optional; readiness only reports it when configured.
	Queue interface {
		Ping(ctx context.Context) error
	}
}

func NewHandler(cfg config.Config, st *store.Store, authSvc *auth.Service, trialSvc *trial.Service, gate *trial.Gate, billingSvc BillingWebhookProcessor, checkout CheckoutProvider, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Config:   cfg,
		Store:    st,
		Auth:     authSvc,
		Trial:    trialSvc,
		Gate:     gate,
		Billing:  billingSvc,
		Checkout: checkout,
		Logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/orgs", h.handleCreateOrg)
	mux.HandleFunc("GET /v1/orgs/{id}/trial", h.handleTrialStatus)
	mux.HandleFunc("POST /v1/orgs/{id}/members", h.handleAddMember)
	mux.HandleFunc("POST /v1/orgs/{id}/packages", h.handleReceivePackage)
	mux.HandleFunc("POST /v1/orgs/{id}/upgrade", h.handleUpgrade)
	mux.HandleFunc("GET /v1/plans", h.handleListPlans)
	mux.HandleFunc("POST /v1/billing/webhook/stripe", h.handleStripeWebhook)
	mux.HandleFunc("POST /v1/billing/checkout", h.handleCheckoutSession)
	mux.HandleFunc("POST /v1/billing/portal", h.handleBillingPortal)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
}

func (h *Handler) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireBillingAdmin(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Name         string `json:"name"`
		BillingEmail string `json:"billing_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	orgID, err := h.Store.CreateOrganization(r.Context(), req.Name, strings.TrimSpace(req.BillingEmail))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.Trial.InitializeTrial(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	info, err := h.Trial.Evaluate(r.Context(), orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": orgID, "trial": info})
}

func (h *Handler) handleTrialStatus(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	if _, err := h.requireOrgAccess(r, orgID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := h.Trial.Evaluate(r.Context(), orgID)
	if err != nil {
		if trial.IsNotFound(err) {
			http.Error(w, "organization not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	if _, err := h.requireOrgAccess(r, orgID, auth.ScopeMembersWrite); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		http.Error(w, "missing email", http.StatusBadRequest)
		return
	}

	if !h.checkGate(w, r, orgID, trial.ActionAddUser) {
		return
	}

	member, err := h.Store.AddMember(r.Context(), orgID, req.Email, strings.TrimSpace(req.Role))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleReceivePackage(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	if _, err := h.requireOrgAccess(r, orgID, auth.ScopePackagesWrite); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		TrackingNumber  string `json:"tracking_number"`
		Carrier         string `json:"carrier"`
		RecipientName   string `json:"recipient_name"`
		StorageLocation string `json:"storage_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
	if req.TrackingNumber == "" {
		http.Error(w, "missing tracking_number", http.StatusBadRequest)
		return
	}

	if !h.checkGate(w, r, orgID, trial.ActionAddPackage) {
		return
	}

	pkgID, err := h.Store.InsertPackage(r.Context(), store.Package{
		OrgID:           orgID,
		TrackingNumber:  req.TrackingNumber,
		Carrier:         strings.TrimSpace(req.Carrier),
		RecipientName:   strings.TrimSpace(req.RecipientName),
		StorageLocation: strings.TrimSpace(req.StorageLocation),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The counter only moves after the row exists. A failed increment is
	// logged and left to the reconcile job rather than failing the intake.
	if err := h.Trial.IncrementPackageUsage(r.Context(), orgID); err != nil {
		h.Logger.Error("increment package usage",
			zap.String("org_id", orgID),
			zap.String("package_id", pkgID),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"package_id": pkgID})
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	if _, err := h.requireBillingAdmin(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Plan                 string `json:"plan"`
		StripeCustomerID     string `json:"stripe_customer_id"`
		StripeSubscriptionID string `json:"stripe_subscription_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	err := h.Trial.UpgradeToPaidPlan(r.Context(), orgID, req.Plan, req.StripeCustomerID, req.StripeSubscriptionID)
	if err != nil {
		switch {
		case trial.IsNotFound(err):
			http.Error(w, "organization not found", http.StatusNotFound)
		case errors.Is(err, trial.ErrUnknownPlan):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	info, err := h.Trial.Evaluate(r.Context(), orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans.List()})
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		http.Error(w, "billing not configured", http.StatusInternalServerError)
		return
	}
	payload, err := ioReadAll(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if err := h.Billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireBillingAdmin(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.Checkout == nil {
		http.Error(w, "checkout not configured", http.StatusInternalServerError)
		return
	}

	var req struct {
		OrgID      string `json:"org_id"`
		Plan       string `json:"plan"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.OrgID = strings.TrimSpace(req.OrgID)
	if req.OrgID == "" {
		http.Error(w, "missing org_id", http.StatusBadRequest)
		return
	}

	result, err := h.Checkout.CreateCheckoutSession(r.Context(), req.OrgID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireBillingAdmin(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.Checkout == nil {
		http.Error(w, "billing portal not configured", http.StatusInternalServerError)
		return
	}

	var req struct {
		OrgID string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.OrgID = strings.TrimSpace(req.OrgID)
	if req.OrgID == "" {
		http.Error(w, "missing org_id", http.StatusBadRequest)
		return
	}

	result, err := h.Checkout.CreateBillingPortalSession(r.Context(), req.OrgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	components, err := h.Store.HealthSummary(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	if h.Queue != nil {
		if err := h.Queue.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		components["queue"] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "components": components})
}

// checkGate runs the action gate and writes the denial response itself. It
// returns true when the caller may proceed with the mutation.
func (h *Handler) checkGate(w http.ResponseWriter, r *http.Request, orgID string, action trial.Action) bool {
	allowed, info, err := h.Gate.Check(r.Context(), orgID, action)
	if err != nil && trial.IsNotFound(err) {
		http.Error(w, "organization not found", http.StatusNotFound)
		return false
	}
	if allowed {
		return true
	}
	if info == nil {
		// Evaluation failed and the policy came down on the deny side.
		http.Error(w, "subscription check unavailable", http.StatusServiceUnavailable)
		return false
	}
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":  "subscription_limit",
		"action": string(action),
		"trial":  info,
	})
	return false
}

func (h *Handler) requireBillingAdmin(r *http.Request) (auth.Principal, error) {
	principal, err := h.Auth.AuthenticateRequest(r)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := h.Auth.ValidateScopes(principal, auth.ScopeBillingAdmin); err != nil {
		return auth.Principal{}, err
	}
	return principal, nil
}

func (h *Handler) requireOrgAccess(r *http.Request, orgID string, scopes ...string) (auth.Principal, error) {
	principal, err := h.Auth.AuthenticateRequest(r)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := h.Auth.RequireOrg(principal, orgID); err != nil {
		return auth.Principal{}, err
	}
	if len(scopes) > 0 {
		if err := h.Auth.ValidateScopes(principal, scopes...); err != nil {
			return auth.Principal{}, err
		}
	}
	return principal, nil
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
