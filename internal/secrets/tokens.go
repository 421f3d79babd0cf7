package secrets

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// ErrExpired is returned by Verify when the token's expiry (plus skew
// tolerance) has passed.
var ErrExpired = errors.New("token expired")

// ErrInvalid is returned by Verify for a bad signature, malformed token, or
// missing required claim.
var ErrInvalid = errors.New("token invalid")

// PrincipalAttrs are the claims minted into a new token.
type PrincipalAttrs struct {
	ClientID      string
	Role          domain.Role
	Permissions   domain.PermissionSet
	ApplicationID string
	Metadata      map[string]any
}

// Principal is the authenticated identity derived from a verified token.
type Principal struct {
	ClientID      string
	Role          domain.Role
	Permissions   domain.PermissionSet
	ApplicationID string
	Metadata      map[string]any
	TokenID       string
}

type claims struct {
	jwt.RegisteredClaims
	ClientID      string           `json:"client_id"`
	Role          domain.Role      `json:"role"`
	Permissions   []domain.Permission `json:"permissions"`
	ApplicationID string           `json:"application_id,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// TokenMinter mints and verifies compact signed principal tokens.
// Default TTL is 15 minutes; clock skew tolerance applies only to expiry.
type TokenMinter struct {
	ring       *Keyring
	ttl        time.Duration
	skew       time.Duration
	nowFunc    func() time.Time
}

// NewTokenMinter creates a minter backed by the given keyring.
func NewTokenMinter(ring *Keyring, ttl, skew time.Duration) *TokenMinter {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenMinter{ring: ring, ttl: ttl, skew: skew, nowFunc: time.Now}
}

// Mint creates a new signed token for the given principal attributes.
func (m *TokenMinter) Mint(attrs PrincipalAttrs) (string, error) {
	key := m.ring.Current()
	if len(key) == 0 {
		return "", errors.New("token minter: no signing key configured")
	}
	now := m.nowFunc().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		ClientID:      attrs.ClientID,
		Role:          attrs.Role,
		Permissions:   attrs.Permissions.Slice(),
		ApplicationID: attrs.ApplicationID,
		Metadata:      attrs.Metadata,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(key)
}

// Verify validates a token against every key in the keyring (current, then
// previous), accounting for clock skew tolerance on expiry only. Returns
// ErrExpired or ErrInvalid (wrapped) on failure.
func (m *TokenMinter) Verify(tokenStr string) (*Principal, error) {
	keys := m.ring.All()
	if len(keys) == 0 {
		return nil, errors.Wrap(ErrInvalid, "no verification keys configured")
	}

	var lastErr error
	for _, key := range keys {
		p, err := m.verifyWithKey(tokenStr, key)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if errors.Is(err, ErrExpired) {
			// Expired under this key is decisive; a different key in the
			// ring would not change the timestamp claims.
			return nil, err
		}
	}
	return nil, lastErr
}

func (m *TokenMinter) verifyWithKey(tokenStr string, key []byte) (*Principal, error) {
	var c claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	_, err := parser.ParseWithClaims(tokenStr, &c, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if !errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
		if !withinSkew(c, m.skew) {
			return nil, ErrExpired
		}
		// Within tolerance: fall through and build the principal below.
	}

	if c.ClientID == "" || !c.Role.Valid() {
		return nil, errors.Wrap(ErrInvalid, "missing required claim")
	}

	return &Principal{
		ClientID:      c.ClientID,
		Role:          c.Role,
		Permissions:   domain.NewPermissionSet(c.Permissions...),
		ApplicationID: c.ApplicationID,
		Metadata:      c.Metadata,
		TokenID:       c.ID,
	}, nil
}

// withinSkew reports whether an expired token's exp claim is still within
// the configured clock skew tolerance of now.
func withinSkew(c claims, skew time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Since(c.ExpiresAt.Time) <= skew
}
