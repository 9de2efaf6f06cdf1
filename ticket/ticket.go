// Package ticket issues and verifies resume tickets. A ticket is an HS256 JWT
// naming the game a client joined; presenting it on reconnect rebinds the new
// connection to that game without another backend join.
package ticket

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultTTL is how long an issued ticket stays valid.
const DefaultTTL = 2 * time.Hour

const issuer = "connectfour-relay"

var (
	ErrDisabled = errors.New("resume tickets disabled")
	ErrInvalid  = errors.New("invalid ticket")
)

type Claims struct {
	GameID string `json:"game_id"`
	jwt.RegisteredClaims
}

// Issuer signs and checks tickets. The zero value and an Issuer built with an
// empty secret are disabled: Issue and Verify both return ErrDisabled.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

func (i *Issuer) Issue(gameID string) (string, error) {
	if !i.Enabled() {
		return "", ErrDisabled
	}
	if gameID == "" {
		return "", errors.New("ticket needs a game id")
	}

	now := i.now()
	claims := Claims{
		GameID: gameID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign ticket")
	}
	return signed, nil
}

func (i *Issuer) Verify(token string) (*Claims, error) {
	if !i.Enabled() {
		return nil, ErrDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.GameID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
