package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": 42,
		"exp":     time.Now().Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAccessBeforeSetFails(t *testing.T) {
	p := NewProvider()
	if _, err := p.Access(); err != ErrNoToken {
		t.Errorf("Access() error = %v, want ErrNoToken", err)
	}
}

func TestSetAndAccess(t *testing.T) {
	p := NewProvider()
	access := signedToken(t, time.Hour)
	if err := p.Set(access, "refresh-opaque"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := p.Access()
	if err != nil {
		t.Fatalf("Access failed: %v", err)
	}
	if got != access {
		t.Error("Access returned a different token")
	}
	if p.Refresh() != "refresh-opaque" {
		t.Error("refresh token not stored")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	p := NewProvider()
	if err := p.Set(signedToken(t, -time.Minute), ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := p.Access(); err != ErrTokenExpired {
		t.Errorf("Access() error = %v, want ErrTokenExpired", err)
	}
}

func TestNearExpiryTokenRejectedWithinLeeway(t *testing.T) {
	p := NewProvider()
	if err := p.Set(signedToken(t, 5*time.Second), ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := p.Access(); err != ErrTokenExpired {
		t.Errorf("token inside the leeway window should read expired, got %v", err)
	}
}

func TestMalformedTokenRejectedAtSet(t *testing.T) {
	p := NewProvider()
	if err := p.Set("not.a.jwt", ""); err == nil {
		t.Error("Set must reject a malformed token")
	}
}

func TestClear(t *testing.T) {
	p := NewProvider()
	if err := p.Set(signedToken(t, time.Hour), "r"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	p.Clear()
	if _, err := p.Access(); err != ErrNoToken {
		t.Errorf("Access after Clear = %v, want ErrNoToken", err)
	}
	if p.Refresh() != "" {
		t.Error("refresh token survived Clear")
	}
}
