// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wmorrison76/LucccaHosp-sub003/internal/auth"
)

// JWTAuth mints and verifies the bearer tokens the sync endpoints accept.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth builds an authenticator around a shared HS256 secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims carries tenant-scoped sync identity. The actor (a user on a
// specific device) goes in the standard 'sub' claim; the tenant in 'tid'.
type JWTClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token scoping one actor to one tenant for the
// given lifetime.
func (j *JWTAuth) GenerateToken(tenantID, actorID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "opsync",
			Subject:   actorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken parses and verifies a token, rejecting anything without
// both a tenant and an actor identity.
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
		if claims.TenantID == "" {
			return nil, fmt.Errorf("missing tid (tenant ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (actor ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// GetTenantID resolves the tenant identity for a request (implements
// ClientAuthenticator). Identity already validated by Middleware is
// reused from the request context; otherwise the bearer token is parsed
// here.
func (j *JWTAuth) GetTenantID(r *http.Request) (string, error) {
	if tenantID, ok := auth.GetTenantID(r.Context()); ok {
		return tenantID, nil
	}
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.TenantID, nil
}

// GetActorID resolves the actor identity (the 'sub' claim), preferring
// what Middleware already stored in the request context.
func (j *JWTAuth) GetActorID(r *http.Request) (string, error) {
	if actorID, ok := auth.GetActorID(r.Context()); ok {
		return actorID, nil
	}
	claims, err := j.claimsFromRequest(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (j *JWTAuth) claimsFromRequest(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware returns an HTTP middleware that validates the bearer token and
// stores tenant and actor identity in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := j.claimsFromRequest(r)
		if err != nil {
			slog.Debug("Rejected unauthenticated sync request", "path", r.URL.Path, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetTenantID(r.Context(), claims.TenantID)
		ctx = auth.SetActorID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
