package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/open-game-collective/OGS/internal/platform/errors"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testConfig(pub ed25519.PublicKey) Config {
	return Config{
		Issuer:   "https://auth.example.com",
		Audience: "ogs-sync",
		Key:      pub,
		Now:      func() time.Time { return testNow },
	}
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims accessClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims() accessClaims {
	return accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.example.com",
			Audience:  jwt.ClaimStrings{"ogs-sync"},
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
		},
		SessionID: "session-1",
		DeviceID:  "device-1",
		InitialRouteProps: map[string]any{
			"roomSlug": "lobby",
		},
	}
}

func TestVerifyAcceptsSignedToken(t *testing.T) {
	pub, priv := newKeyPair(t)
	token := signToken(t, priv, validClaims())

	claims, err := Verify(token, testConfig(pub))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SubjectID != "user-1" {
		t.Fatalf("expected subject user-1, got %q", claims.SubjectID)
	}
	if claims.SessionID != "session-1" {
		t.Fatalf("expected session session-1, got %q", claims.SessionID)
	}
	if claims.DeviceID != "device-1" {
		t.Fatalf("expected device device-1, got %q", claims.DeviceID)
	}
	if claims.InitialRouteProps["roomSlug"] != "lobby" {
		t.Fatalf("expected route props carried through, got %v", claims.InitialRouteProps)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	pub, _ := newKeyPair(t)
	_, err := Verify("  ", testConfig(pub))
	if !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub, _ := newKeyPair(t)
	_, otherPriv := newKeyPair(t)
	token := signToken(t, otherPriv, validClaims())

	_, err := Verify(token, testConfig(pub))
	if !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for wrong key, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	pub, priv := newKeyPair(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	token := signToken(t, priv, claims)

	_, err := Verify(token, testConfig(pub))
	if !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuerOrAudience(t *testing.T) {
	pub, priv := newKeyPair(t)

	claims := validClaims()
	claims.Issuer = "https://other.example.com"
	if _, err := Verify(signToken(t, priv, claims), testConfig(pub)); err == nil {
		t.Fatal("expected error for wrong issuer")
	}

	claims = validClaims()
	claims.Audience = jwt.ClaimStrings{"other-service"}
	if _, err := Verify(signToken(t, priv, claims), testConfig(pub)); err == nil {
		t.Fatal("expected error for wrong audience")
	}
}

func TestVerifyRequiresSubjectAndSession(t *testing.T) {
	pub, priv := newKeyPair(t)

	claims := validClaims()
	claims.Subject = ""
	if _, err := Verify(signToken(t, priv, claims), testConfig(pub)); !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for missing sub, got %v", err)
	}

	claims = validClaims()
	claims.SessionID = ""
	if _, err := Verify(signToken(t, priv, claims), testConfig(pub)); !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for missing session_id, got %v", err)
	}
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	pub, _ := newKeyPair(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	_, err = Verify(token, testConfig(pub))
	if !apperrors.HasCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for none alg, got %v", err)
	}
}

func encodeKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func TestLoadConfigFromEnv(t *testing.T) {
	pub, _ := newKeyPair(t)
	t.Setenv("OGS_ACCESS_TOKEN_ISSUER", "https://auth.example.com")
	t.Setenv("OGS_ACCESS_TOKEN_AUDIENCE", "ogs-sync")
	t.Setenv("OGS_ACCESS_TOKEN_PUBLIC_KEY", encodeKey(pub))

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Issuer != "https://auth.example.com" || cfg.Audience != "ogs-sync" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Key.Equal(pub) {
		t.Fatal("expected decoded public key to match")
	}
}

func TestLoadConfigFromEnvRequiresKey(t *testing.T) {
	t.Setenv("OGS_ACCESS_TOKEN_ISSUER", "https://auth.example.com")
	t.Setenv("OGS_ACCESS_TOKEN_AUDIENCE", "ogs-sync")
	t.Setenv("OGS_ACCESS_TOKEN_PUBLIC_KEY", "")

	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for missing public key")
	}
}
