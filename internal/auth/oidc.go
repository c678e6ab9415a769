package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/maraichr/gdr/internal/config"
)

// Verifier validates JWTs using OIDC discovery and JWKS.
type Verifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	audience string
}

// NewVerifier discovers the issuer and verifies tokens issued for the
// configured audience. PublicIssuer is accepted as the token issuer when
// discovery runs against an internal address.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (*Verifier, error) {
	if cfg.PublicIssuer != "" && cfg.PublicIssuer != cfg.IssuerURL {
		ctx = oidc.InsecureIssuerURLContext(ctx, cfg.PublicIssuer)
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &Verifier{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Audience}),
		audience: cfg.Audience,
	}, nil
}

type claims struct {
	Sub         string      `json:"sub"`
	Email       string      `json:"email"`
	Scope       string      `json:"scope"`
	GDRScopes   string      `json:"gdr_scopes"`
	Azp         string      `json:"azp"`
	RealmAccess realmAccess `json:"realm_access"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// VerifyToken verifies a raw bearer token and maps its claims to a Principal.
func (v *Verifier) VerifyToken(ctx context.Context, rawToken string) (*Principal, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	var c claims
	if err := token.Claims(&c); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if c.Sub == "" {
		return nil, fmt.Errorf("missing sub claim")
	}
	p := c.principal()
	p.Issuer = token.Issuer
	return p, nil
}

func (c claims) principal() *Principal {
	scopes := make(map[string]bool)
	for _, s := range strings.Fields(c.Scope + " " + c.GDRScopes) {
		scopes[s] = true
	}
	roles := make(map[string]bool, len(c.RealmAccess.Roles))
	for _, r := range c.RealmAccess.Roles {
		roles[r] = true
	}
	return &Principal{
		Sub:      c.Sub,
		Scopes:   scopes,
		Roles:    roles,
		ClientID: c.Azp,
		Email:    c.Email,
	}
}

// VerifyRequest extracts and verifies the bearer token from the request.
func (v *Verifier) VerifyRequest(r *http.Request) (*Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return v.VerifyToken(r.Context(), token)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return token, nil
}
