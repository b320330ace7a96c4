// Package auth verifies the opaque access token a client presents when
// opening a sync connection. Verification failure is a hard authentication
// error, never a retryable condition.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/open-game-collective/OGS/internal/platform/errors"
)

// verifierEnv holds raw env values before post-parse validation.
type verifierEnv struct {
	Issuer    string `env:"OGS_ACCESS_TOKEN_ISSUER"`
	Audience  string `env:"OGS_ACCESS_TOKEN_AUDIENCE"`
	PublicKey string `env:"OGS_ACCESS_TOKEN_PUBLIC_KEY"`
}

// Config defines how access tokens are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims captures the validated identity behind a connection.
type Claims struct {
	SubjectID         string
	SessionID         string
	DeviceID          string
	InitialRouteProps map[string]any
}

// accessClaims is the internal claims type used for JWT parsing.
type accessClaims struct {
	jwt.RegisteredClaims
	SessionID         string         `json:"session_id"`
	DeviceID          string         `json:"device_id"`
	InitialRouteProps map[string]any `json:"initial_route_props,omitempty"`
}

// LoadConfigFromEnv reads access token verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw verifierEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse access token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("OGS_ACCESS_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("OGS_ACCESS_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("OGS_ACCESS_TOKEN_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode access token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("access token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Verify checks an access token's signature and claims and returns the
// connection identity.
func Verify(token string, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.E(apperrors.CodeUnauthenticated, "access token is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, stderrors.New("access token verifier is not configured")
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, apperrors.E(apperrors.CodeUnauthenticated, "access token sub is required")
	}
	if strings.TrimSpace(parsed.SessionID) == "" {
		return Claims{}, apperrors.E(apperrors.CodeUnauthenticated, "access token session_id is required")
	}

	return Claims{
		SubjectID:         parsed.Subject,
		SessionID:         parsed.SessionID,
		DeviceID:          parsed.DeviceID,
		InitialRouteProps: parsed.InitialRouteProps,
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid), stderrors.Is(err, jwt.ErrEd25519Verification):
		return apperrors.E(apperrors.CodeUnauthenticated, "access token signature is invalid")
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return apperrors.E(apperrors.CodeUnauthenticated, "access token is expired")
	case stderrors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.E(apperrors.CodeUnauthenticated, "access token alg is invalid")
	default:
		return apperrors.E(apperrors.CodeUnauthenticated, "access token is invalid")
	}
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, stderrors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
