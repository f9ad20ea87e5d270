package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the "role" claim.
const (
	RoleTrader = "trader"
	RoleAdmin  = "admin"
)

// Principal is the authenticated caller. Actor is recorded on trades,
// audit rows and market creation.
type Principal struct {
	Actor string
	Role  string
}

// IsAdmin reports whether p may create, close and resolve markets.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by Auth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// AuthConfig configures an Authenticator.
type AuthConfig struct {
	Secret        []byte
	Issuer        string
	APIKey        string
	AdminSubjects []string
}

// Claims are the bearer token claims. The subject is the actor.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves bearer tokens and the operator API key to a
// Principal.
type Authenticator struct {
	secret []byte
	issuer string
	apiKey string
	admins map[string]bool
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. Without a secret only the
// API key is accepted.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	admins := make(map[string]bool, len(cfg.AdminSubjects))
	for _, s := range cfg.AdminSubjects {
		admins[s] = true
	}
	return &Authenticator{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		apiKey: cfg.APIKey,
		admins: admins,
		now:    time.Now,
	}
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: subject must not be empty")
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Authenticate resolves the request's credentials. The API key maps to the
// "operator" admin; a bearer token maps to its subject.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := extractToken(r)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing authentication token", domain.ErrUnauthorized)
	}
	if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
		return Principal{Actor: "operator", Role: RoleAdmin}, nil
	}
	if len(a.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: invalid authentication token", domain.ErrUnauthorized)
	}
	return a.parse(token)
}

func (a *Authenticator) parse(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.ExpiresAt == nil {
		return Principal{}, fmt.Errorf("%w: token has no expiry", domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}

	role := RoleTrader
	if claims.Role == RoleAdmin || a.admins[claims.Subject] {
		role = RoleAdmin
	}
	return Principal{Actor: claims.Subject, Role: role}, nil
}

// Auth returns middleware that attaches the caller's Principal to the
// request context. Paths in public skip authentication. A nil
// Authenticator disables auth and every caller acts as an admin named by
// the X-Actor header.
func Auth(a *Authenticator, public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if a == nil {
				actor := strings.TrimSpace(r.Header.Get("X-Actor"))
				if actor == "" {
					actor = "anonymous"
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Actor: actor, Role: RoleAdmin})))
				return
			}

			p, err := a.Authenticate(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers without role with 403.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
			return
		}
		if p.Role != role {
			writeJSONError(w, http.StatusForbidden, fmt.Sprintf("%s: requires role %s", domain.ErrForbidden, role))
			return
		}
		next(w, r)
	}
}

// extractToken looks for a token in the Authorization header (Bearer
// scheme), the X-API-Key header, or on websocket upgrades the token query
// parameter, since browsers cannot set headers there.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
