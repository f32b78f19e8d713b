// Package auth issues and verifies the signed access tokens handed to
// clients after login.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/justincihi/cognisync/internal/common"
)

// Claims carries the user and the session token id. The server keeps only
// HashTokenID(TokenID), so a leaked database row cannot be replayed.
type Claims struct {
	jwt.RegisteredClaims
	UserID  int64  `json:"uid"`
	Role    string `json:"role"`
	TokenID string `json:"tid"`
}

func GenerateToken(userID int64, role, tokenID string, secretKey []byte, issuedAt time.Time, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(validity)),
		},
		UserID:  userID,
		Role:    role,
		TokenID: tokenID,
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies the signature and expiry at time now. An expired
// token yields common.ErrSessionExpired, anything else common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte, now time.Time) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrSessionExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.TokenID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}

// HashTokenID is the form in which a token id is stored.
func HashTokenID(tokenID string) string {
	sum := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(sum[:])
}
