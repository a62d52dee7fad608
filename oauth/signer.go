package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// minSigningSecretLength is the minimum HMAC secret size. HS256 security
// degrades with short keys, so anything under 32 bytes is refused outright.
const minSigningSecretLength = 32

// TokenClaims are the claims carried by a signed access token.
type TokenClaims struct {
	// Scope is the space-separated scope granted to the token
	Scope string `json:"scope,omitempty"`

	jwt.RegisteredClaims
}

// TokenSigner mints and verifies HS256-signed access tokens. Tokens are also
// recorded server-side, so verification proves integrity while the store
// lookup resolves the admin session reference.
type TokenSigner struct {
	secret []byte
	issuer string
}

// NewTokenSigner creates a signer for the given issuer.
func NewTokenSigner(secret []byte, issuer string) (*TokenSigner, error) {
	if len(secret) < minSigningSecretLength {
		return nil, fmt.Errorf("token signing secret must be at least %d bytes", minSigningSecretLength)
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	return &TokenSigner{secret: secret, issuer: issuer}, nil
}

// Mint creates a signed token for the given client and scope.
func (s *TokenSigner) Mint(clientID, scope string, issuedAt, expiresAt time.Time) (string, error) {
	claims := TokenClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   clientID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify checks the token's signature, issuer, and expiry and returns its
// claims. Called on every bearer-token use.
func (s *TokenSigner) Verify(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token signature invalid")
	}
	return claims, nil
}
