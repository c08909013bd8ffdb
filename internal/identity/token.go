package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"canteiro.app/internal/security"
)

// ErrInvalidToken indicates the bearer token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims minted by the auth service.
type Claims struct {
	TenantID  string `json:"tid,omitempty"`
	ActorType string `json:"act,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the external auth service.
// This core never issues credentials for end users; Sign exists for operator
// tooling and tests.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a Verifier. An empty secret disables authentication.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), issuer: strings.TrimSpace(issuer), now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || !v.Enabled() {
		return Identity{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	actor := security.ActorType(claims.ActorType)
	if actor == "" {
		actor = security.ActorTenantUser
	}
	if !actor.Valid() {
		return Identity{}, ErrInvalidToken
	}
	if actor == security.ActorTenantUser && strings.TrimSpace(claims.TenantID) == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{UserID: claims.Subject, TenantID: claims.TenantID, ActorType: actor}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}

// Sign mints a token for id valid for ttl.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("token secret is not configured")
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := v.now().UTC()
	claims := Claims{
		TenantID:  id.TenantID,
		ActorType: string(id.ActorType),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
