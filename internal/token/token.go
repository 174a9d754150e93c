// Package token issues and verifies the signed session credentials handed to
// players when they join a campaign.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	ErrExpiredToken = fmt.Errorf("%w: token expired", apperr.ErrUnauthenticated)
)

const DefaultTTL = 24 * time.Hour

// Claims is the identity embedded in a token.
type Claims struct {
	PlayerID   string
	PlayerName string
	CampaignID string
	IsDM       bool
	SessionID  string
	ExpiresAt  time.Time
}

type jwtClaims struct {
	Name       string `json:"name"`
	CampaignID string `json:"campaign_id"`
	IsDM       bool   `json:"is_dm"`
	SessionID  string `json:"session_id"`
	jwt.RegisteredClaims
}

// Codec holds no mutable state and is safe for concurrent use.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(secret []byte, ttl time.Duration, opts ...Option) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Codec{secret: secret, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs claims with HS256. A zero ExpiresAt is set to now plus the
// codec's TTL.
func (c *Codec) Issue(cl Claims) (string, error) {
	if cl.PlayerID == "" || cl.CampaignID == "" || cl.SessionID == "" {
		return "", fmt.Errorf("%w: token claims need player, campaign and session ids", apperr.ErrInvalidArgument)
	}
	now := c.now()
	exp := cl.ExpiresAt
	if exp.IsZero() {
		exp = now.Add(c.ttl)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Name:       cl.PlayerName,
		CampaignID: cl.CampaignID,
		IsDM:       cl.IsDM,
		SessionID:  cl.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cl.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry. Any failure is reported as
// ErrExpiredToken or ErrInvalidToken; no claims are returned on failure.
func (c *Codec) Verify(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	var jc jwtClaims
	_, err := jwt.ParseWithClaims(raw, &jc, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if jc.Subject == "" || jc.CampaignID == "" || jc.SessionID == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		PlayerID:   jc.Subject,
		PlayerName: jc.Name,
		CampaignID: jc.CampaignID,
		IsDM:       jc.IsDM,
		SessionID:  jc.SessionID,
		ExpiresAt:  jc.ExpiresAt.Time,
	}, nil
}
