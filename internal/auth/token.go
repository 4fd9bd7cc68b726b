package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"collabsphere.org/internal/authz"
)

const defaultIssuerName = "collabsphere"

// Issuer signs and verifies gate tokens with a symmetric secret handed in at
// construction. No ambient state: the secret, TTL, and clock are all explicit.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) {
		if strings.TrimSpace(name) != "" {
			i.issuer = name
		}
	}
}

// WithIssuerClock overrides the time source, useful for tests.
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer. The TTL unit is whatever the caller's
// configuration resolved it to; configuration owns the seconds decision.
func NewIssuer(secret string, ttl time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("gate token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("gate token ttl must be positive")
	}
	i := &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: defaultIssuerName,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Sign mints a gate token for the user operating in the given context.
func (i *Issuer) Sign(user User, c Context) (string, error) {
	now := i.now().UTC()
	claims := GateClaims{
		Email: user.Email,
		Role:  user.PlatformRole,
		Ctx:   gateContext(c),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify checks signature and expiry. Malformed, expired, and badly signed
// tokens all collapse to ErrInvalidToken; the caller never learns which
// check failed.
func (i *Issuer) Verify(token string) (*GateClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &GateClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*GateClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	// mode=ORG iff an organisation id is present.
	if (claims.Ctx.Mode == authz.ModeOrg) != (claims.Ctx.OrgID != nil) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewVaultToken generates the opaque long-lived session handle.
func NewVaultToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
