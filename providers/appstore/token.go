package appstore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies bearer tokens for the App Store Server API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// KeyTokenSource signs ES256 API tokens with an App Store Connect key and
// reuses each token until a minute before it expires.
type KeyTokenSource struct {
	issuerID string
	keyID    string
	bundleID string
	key      *ecdsa.PrivateKey
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

func NewKeyTokenSource(cfg Config) (*KeyTokenSource, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("appstore: parse signing key: %w", err)
	}
	return &KeyTokenSource{
		issuerID: strings.TrimSpace(cfg.IssuerID),
		keyID:    strings.TrimSpace(cfg.KeyID),
		bundleID: strings.TrimSpace(cfg.BundleID),
		key:      key,
		ttl:      cfg.TokenTTL,
		now:      time.Now,
	}, nil
}

func (s *KeyTokenSource) Token(ctx context.Context) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if s.cached != "" && now.Add(time.Minute).Before(s.expiresAt) {
		return s.cached, nil
	}

	expiresAt := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.issuerID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"aud": TokenAudience,
		"bid": s.bundleID,
	})
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("appstore: sign api token: %w", err)
	}
	s.cached = signed
	s.expiresAt = expiresAt
	return signed, nil
}

func (s *KeyTokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// StaticTokenSource returns a fixed token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("appstore: static token is empty")
	}
	return string(s), nil
}

func (StaticTokenSource) Invalidate() {}
