// Package auth issues signed access tokens for provisioned devices.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims ties a token to one device on one station.
type Claims struct {
	Device    string `json:"device"`
	StationID string `json:"station_id"`
	jwt.RegisteredClaims
}

// Service signs and validates device access tokens (HS256).
type Service struct {
	secret []byte
	issuer string
}

// NewService creates a token service.
func NewService(secret []byte, issuer string) *Service {
	return &Service{secret: secret, issuer: issuer}
}

// Generate creates a signed token valid until expiry.
func (s *Service) Generate(device, stationID string, expiry time.Time) (string, error) {
	now := time.Now()
	claims := &Claims{
		Device:    device,
		StationID: stationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   device,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies a token and returns the claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
