package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailroom/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Scopes understood by the API surface.
const (
	ScopeBillingAdmin  = "mailroom:admin.billing"
	ScopeMembersWrite  = "mailroom:members.write"
	ScopePackagesWrite = "mailroom:packages.write"
)

type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// AuthenticateRequest resolves a principal from either the bootstrap API key
// or a bearer JWT. The bootstrap key carries every scope and no org binding;
// JWTs are org-scoped.
func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	if bootstrap := strings.TrimSpace(s.Config.Security.APIKey); bootstrap != "" {
		if strings.TrimSpace(r.Header.Get("X-API-Key")) == bootstrap {
			return Principal{
				ActorID:    "bootstrap_admin",
				Scopes:     []string{ScopeBillingAdmin, ScopeMembersWrite, ScopePackagesWrite},
				AuthMethod: "bootstrap_key",
			}, nil
		}
	}
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		return s.VerifyJWT(authHeader)
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.Config.Security.TokenSigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.Now),
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	}, parserOpts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	principal := Principal{AuthMethod: "jwt"}
	if sub, _ := claims["sub"].(string); sub != "" {
		principal.ActorID = sub
	}
	if orgID, _ := claims["org_id"].(string); orgID != "" {
		principal.OrgID = orgID
	}
	principal.Scopes = claimScopes(claims)
	return principal, nil
}

// ValidateScopes requires every listed scope on the principal.
func (s *Service) ValidateScopes(principal Principal, required ...string) error {
	held := make(map[string]bool, len(principal.Scopes))
	for _, scope := range principal.Scopes {
		held[scope] = true
	}
	for _, scope := range required {
		if !held[scope] {
			return fmt.Errorf("%w: missing scope %s", ErrForbidden, scope)
		}
	}
	return nil
}

// RequireOrg ensures the principal may act on the given organization. The
// bootstrap key may act on any org.
func (s *Service) RequireOrg(principal Principal, orgID string) error {
	if principal.AuthMethod == "bootstrap_key" {
		return nil
	}
	if principal.OrgID == "" || principal.OrgID != orgID {
		return fmt.Errorf("%w: org mismatch", ErrForbidden)
	}
	return nil
}

func claimScopes(claims jwt.MapClaims) []string {
	switch v := claims["scopes"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if scope, ok := item.(string); ok && scope != "" {
				out = append(out, scope)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}
