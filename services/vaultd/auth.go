package vaultd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyCaller contextKey = "vault_caller"

var (
	errMissingToken   = errors.New("bearer token required")
	errSubjectMissing = errors.New("token subject missing")
	errSubjectFormat  = errors.New("token subject must be a hex address")
	errAudience       = errors.New("token audience mismatch")
)

// Authenticator verifies HS256 bearer tokens and resolves the caller
// identity from the subject claim. It does not authorise: privileges are
// decided by the vault at call time.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HSSecret)
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must be configured")
	}
	audience := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: audience,
		leeway:   cfg.Leeway.Duration,
		now:      time.Now,
	}, nil
}

// Verify validates token and returns the caller address carried in sub.
func (a *Authenticator) Verify(token string) (common.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.leeway))
	}
	if a.now != nil {
		opts = append(opts, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	if !parsed.Valid {
		return common.Address{}, errors.New("token validation failed")
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return common.Address{}, errSubjectMissing
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, errSubjectFormat
	}

	if len(a.audience) > 0 {
		tokenAud, err := claims.GetAudience()
		if err != nil {
			return common.Address{}, err
		}
		if !audienceMatches(a.audience, tokenAud) {
			return common.Address{}, errAudience
		}
	}
	return common.HexToAddress(subject), nil
}

// Issue signs a token naming subject as the caller, valid for ttl.
func (a *Authenticator) Issue(subject common.Address, ttl time.Duration) (string, error) {
	if (subject == common.Address{}) {
		return "", errSubjectMissing
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if len(a.audience) > 0 {
		claims.Audience = jwt.ClaimStrings(a.audience)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "internal", "authentication unavailable")
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", errMissingToken.Error())
			return
		}
		caller, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller attaches the authenticated caller to ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFromContext extracts the caller attached by the authentication middleware.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok
}

func audienceMatches(expected, actual []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(strings.TrimSpace(got), want) {
				return true
			}
		}
	}
	return false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
