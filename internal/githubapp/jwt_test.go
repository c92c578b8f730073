package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func generateTestKeyPEM(t *testing.T, pkcs8 bool) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}

	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func TestNewJWTGenerator_PKCS1AndPKCS8(t *testing.T) {
	for _, pkcs8 := range []bool{false, true} {
		pemData := generateTestKeyPEM(t, pkcs8)
		gen, err := NewJWTGenerator("app-123", pemData)
		if err != nil {
			t.Fatalf("NewJWTGenerator failed (pkcs8=%v): %v", pkcs8, err)
		}
		if gen == nil {
			t.Fatal("expected non-nil generator")
		}
	}
}

func TestNewJWTGenerator_InvalidPEMFails(t *testing.T) {
	_, err := NewJWTGenerator("app-123", []byte("not a pem"))
	if err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestGenerateToken_ValidForTenMinutes(t *testing.T) {
	pemData := generateTestKeyPEM(t, false)
	gen, err := NewJWTGenerator("app-123", pemData)
	if err != nil {
		t.Fatalf("NewJWTGenerator failed: %v", err)
	}

	signed, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part JWT, got %d parts", len(parts))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		return &gen.privateKey.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("failed to parse signed token: %v", err)
	}

	if claims.Issuer != "app-123" {
		t.Errorf("Issuer = %q, want app-123", claims.Issuer)
	}

	wantExpiry := time.Now().Add(10 * time.Minute)
	if claims.ExpiresAt.Time.Sub(wantExpiry) > 5*time.Second {
		t.Errorf("ExpiresAt = %v, want close to %v", claims.ExpiresAt.Time, wantExpiry)
	}
}
