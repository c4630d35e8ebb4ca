package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/models"
)

// Reason codes reported when a token is rejected
const (
	ReasonMissing          = "TOKEN_MISSING"
	ReasonMalformed        = "TOKEN_MALFORMED"
	ReasonSignatureInvalid = "TOKEN_SIGNATURE_INVALID"
	ReasonExpired          = "TOKEN_EXPIRED"
)

// TokenError explains why a token was rejected
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// UserClaim is the identity part of the token payload
type UserClaim struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// OrganizationClaim is the tenant snapshot taken at issuance
type OrganizationClaim struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Tier       string      `json:"tier"`
	MemberRole models.Role `json:"member_role"`
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	User         UserClaim         `json:"user"`
	Organization OrganizationClaim `json:"organization"`
}

// TokenManager issues and verifies HS256 session tokens
type TokenManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(cfg *config.JWTConfig) *TokenManager {
	return &TokenManager{
		config: cfg,
		now:    time.Now,
	}
}

// WithClock returns a copy of the manager that reads time from now
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	return &TokenManager{config: m.config, now: now}
}

// TTL returns the lifetime of issued tokens
func (m *TokenManager) TTL() time.Duration {
	return m.config.TokenTTL
}

// Issue signs a token for the user bound to the given membership
func (m *TokenManager) Issue(user *models.User, org *models.OrganizationMembership) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.NewString(),
		},
		User: UserClaim{
			ID:    user.ID,
			Email: user.Email,
		},
		Organization: OrganizationClaim{
			ID:         org.TenantID,
			Name:       org.TenantName,
			Tier:       models.DefaultTier,
			MemberRole: org.Role,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry. It never touches the store.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, &TokenError{Reason: ReasonMissing}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, &TokenError{Reason: classify(err), Err: err}
	}
	if !token.Valid {
		return nil, &TokenError{Reason: ReasonMalformed, Err: errors.New("invalid token")}
	}
	if claims.User.ID == uuid.Nil || claims.Organization.ID == uuid.Nil {
		return nil, &TokenError{Reason: ReasonMalformed, Err: errors.New("token payload incomplete")}
	}

	return claims, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	default:
		return ReasonMalformed
	}
}
