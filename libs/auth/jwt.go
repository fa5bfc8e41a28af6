package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultLeeway = 30 * time.Second

// Claims are the identity-provider claims this service relies on. Sub is the
// opaque identity reference an account is keyed by.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type VerifierConfig struct {
	// HS256Secret verifies symmetric tokens (e.g. a hosted auth provider's project JWT secret).
	HS256Secret string
	// JWKSURL verifies asymmetric tokens against a published key set.
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type Verifier struct {
	secret []byte
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.HS256Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if secret == "" && jwksURL == "" {
		return nil, errors.New("auth: either an HS256 secret or a JWKS url is required")
	}

	v := &Verifier{secret: []byte(secret)}
	var methods []string
	if secret != "" {
		methods = append(methods, jwt.SigningMethodHS256.Name)
	}
	if jwksURL != "" {
		k, err := keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("auth: init JWKS keyfunc: %w", err)
		}
		v.jwks = k
		methods = append(methods, jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name)
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify parses and validates a token, returning its claims. Every failure is
// reported as ErrInvalidToken so callers cannot leak the reason.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.key)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	default:
		if v.jwks == nil {
			return nil, ErrInvalidToken
		}
		return v.jwks.Keyfunc(t)
	}
}

// SignHS256 issues a symmetric token; used by local tooling and tests.
func SignHS256(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
