// Package session issues and verifies room-scoped session credentials. The
// credential is self-certifying: it is signed with a key derived from the
// room's own connect password, so verification requires the verifier to
// already possess the password. The credential binds a session to a room the
// holder can already reach, it never grants access on its own.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vaultroom/vaultroom/keys"
)

const DefaultTTL = 14 * 24 * time.Hour

var ErrInvalidCredential = errors.New("session: invalid credential")

type Claims struct {
	jwt.RegisteredClaims
	RoomName        string `json:"roomName"`
	UserName        string `json:"userName"`
	ConnectPassword string `json:"connectPassword"`
	CreatedAt       int64  `json:"createdAt"`
}

type Service struct {
	ttl time.Duration
}

func NewService(ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{ttl: ttl}
}

// Issue signs a credential for the given room and display name. The signing
// key is derived from the connect password, which is itself part of the
// payload.
func (s *Service) Issue(roomName, userName, connectPassword string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		RoomName:        roomName,
		UserName:        userName,
		ConnectPassword: connectPassword,
		CreatedAt:       now.Unix(),
	})
	signed, err := token.SignedString(keys.SigningKey(connectPassword))
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

// Verify recomputes the signing key from connectPassword and checks the
// token. Any tampering, password mismatch or expiry fails closed.
func (s *Service) Verify(token, connectPassword string) (*Claims, error) {
	if connectPassword == "" {
		return nil, ErrInvalidCredential
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return keys.SigningKey(connectPassword), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// Decode parses a token without verifying it. The password is both payload
// and key material, so the verifier first decodes to find the key, then
// calls Verify with it. Never trust a decoded-but-unverified credential.
func (s *Service) Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}
	return claims, nil
}
