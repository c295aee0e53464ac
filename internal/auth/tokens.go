package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"famsave.org/internal/account"
	"famsave.org/internal/ids"
	"famsave.org/internal/obs"
)

const (
	defaultAccessTTL  = 7 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "famsave"

	// MinSecretLength is the shortest accepted HMAC secret, in bytes.
	MinSecretLength = 32
)

// TokenType distinguishes access from refresh tokens inside the claims.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims is the JWT payload of both token types. Claims are signed, not
// encrypted, and carry no secrets.
type Claims struct {
	Type TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RefreshStore keeps the hash of the single active refresh token per
// account. Implementations return account.ErrNotFound for unknown accounts.
type RefreshStore interface {
	RefreshTokenHash(ctx context.Context, accountID string) (string, error)
	SetRefreshTokenHash(ctx context.Context, accountID, hash string) error
	SwapRefreshTokenHash(ctx context.Context, accountID, expected, next string) (bool, error)
}

// TokenService issues, verifies and rotates signed tokens. Access tokens are
// verified statelessly; refresh tokens must also match the account's
// recorded active token.
type TokenService struct {
	store         RefreshStore
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithAccessSecret sets the HS256 secret for access tokens.
func WithAccessSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if len(secret) < MinSecretLength {
			return fmt.Errorf("auth: access secret must be at least %d bytes", MinSecretLength)
		}
		s.accessSecret = []byte(secret)
		return nil
	}
}

// WithRefreshSecret sets the HS256 secret for refresh tokens.
func WithRefreshSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if len(secret) < MinSecretLength {
			return fmt.Errorf("auth: refresh secret must be at least %d bytes", MinSecretLength)
		}
		s.refreshSecret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. Both secrets are required and
// must differ.
func NewTokenService(store RefreshStore, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: refresh store is required")
	}
	s := &TokenService{
		store:      store,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.accessSecret) == 0 || len(s.refreshSecret) == 0 {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if subtle.ConstantTimeCompare(s.accessSecret, s.refreshSecret) == 1 {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	return s, nil
}

// IssuePair signs a fresh pair for accountID and records the refresh token
// as the account's only valid one.
func (s *TokenService) IssuePair(ctx context.Context, accountID string) (TokenPair, error) {
	pair, err := s.mint(accountID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.SetRefreshTokenHash(ctx, accountID, HashToken(pair.RefreshToken)); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, ErrAccountNotFound
		}
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// VerifyAccess checks an access token's signature and expiry without any
// store lookup. It fails with ErrTokenExpired, ErrTokenSignature or
// ErrTokenMalformed.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.parse(token, TypeAccess, s.accessSecret)
}

// Rotate exchanges a refresh token for a new pair. The presented token must
// be the account's active one; replacing it is a single compare-and-swap,
// so of two concurrent rotations with the same token exactly one succeeds
// and the other gets ErrTokenRevoked.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := s.rotate(ctx, refreshToken)
	obs.TokenRotations.WithLabelValues(rotationOutcome(err)).Inc()
	return pair, err
}

func (s *TokenService) rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parse(refreshToken, TypeRefresh, s.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	accountID := claims.Subject
	presented := HashToken(refreshToken)

	current, err := s.store.RefreshTokenHash(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, ErrAccountNotFound
		}
		return TokenPair{}, fmt.Errorf("load refresh token: %w", err)
	}
	if current == "" || !subtleCompare(current, presented) {
		return TokenPair{}, ErrTokenRevoked
	}

	pair, err := s.mint(accountID)
	if err != nil {
		return TokenPair{}, err
	}
	swapped, err := s.store.SwapRefreshTokenHash(ctx, accountID, presented, HashToken(pair.RefreshToken))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, ErrAccountNotFound
		}
		return TokenPair{}, fmt.Errorf("swap refresh token: %w", err)
	}
	if !swapped {
		return TokenPair{}, ErrTokenRevoked
	}
	return pair, nil
}

// Revoke clears the account's active refresh token. Access tokens already
// issued stay valid until they expire.
func (s *TokenService) Revoke(ctx context.Context, accountID string) error {
	if err := s.store.SetRefreshTokenHash(ctx, accountID, ""); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *TokenService) mint(accountID string) (TokenPair, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return TokenPair{}, errors.New("auth: account id is required")
	}
	now := s.now().UTC().Truncate(time.Second)

	access, accessExp, err := s.sign(accountID, TypeAccess, s.accessSecret, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(accountID, TypeRefresh, s.refreshSecret, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	obs.TokensIssued.WithLabelValues(string(TypeAccess)).Inc()
	obs.TokensIssued.WithLabelValues(string(TypeRefresh)).Inc()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(accountID string, typ TokenType, secret []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

func (s *TokenService) parse(raw string, typ TokenType, secret []byte) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Type != typ || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// classify maps jwt errors onto this package's sentinels. Expiry is checked
// first so a correctly signed but stale token is always ErrTokenExpired.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func rotationOutcome(err error) string {
	switch {
	case err == nil:
		return "rotated"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}

// HashToken returns the hex SHA-256 of a token. Only hashes are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
