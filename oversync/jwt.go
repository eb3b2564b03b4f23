// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Isna13/BarManagerPro-sub001/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: "overpos",
	}
}

// JWTClaims identifies a user working on one terminal of one branch
type JWTClaims struct {
	DeviceID string `json:"did"`           // Terminal ID
	BranchID string `json:"bid,omitempty"` // Branch the terminal belongs to
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for a terminal session
func (j *JWTAuth) GenerateToken(userID, deviceID, branchID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		BranchID: branchID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.DeviceID == "" {
			return nil, errors.New("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, errors.New("missing sub (user ID) in token")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Identify extracts the caller identity from the bearer token (implements ClientAuthenticator)
func (j *JWTAuth) Identify(r *http.Request) (Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Identity{}, errors.New("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return Identity{}, errors.New("bearer token required")
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	return Identity{UserID: claims.Subject, DeviceID: claims.DeviceID, BranchID: claims.BranchID}, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := j.Identify(r)
		if err != nil {
			slog.Debug("JWT validation failed", "error", err, "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		ctx := auth.SetAuthContext(r.Context(), id.UserID, id.DeviceID, id.BranchID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
