package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret   = "test-secret"
	testIssuer   = "drone-platform"
	testAudience = "drone-api"
)

func testClaims() *Claims {
	c := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	c.User.ID = "7"
	c.User.Username = "pilot7"
	c.User.Active = true
	c.Grants.Roles = []string{"operator"}
	c.Grants.Permissions = []string{"drone:read", "drone:command"}
	c.Session.SessionID = "sess-1"
	return c
}

func newTestVerifier(rev RevocationSet) *Verifier {
	return NewVerifier(testSecret, testIssuer, testAudience, rev)
}

func mustSign(t *testing.T, v *Verifier, c *Claims) string {
	t.Helper()
	raw, err := v.Sign(c)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func category(t *testing.T, err error) Category {
	t.Helper()
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("error %v is not a VerifyError", err)
	}
	return ve.Category
}

func TestVerifyValid(t *testing.T) {
	v := newTestVerifier(nil)
	raw := mustSign(t, v, testClaims())

	ac, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ac.SubjectID != "7" {
		t.Errorf("subject = %q", ac.SubjectID)
	}
	if ac.Username != "pilot7" {
		t.Errorf("username = %q", ac.Username)
	}
	if !ac.HasPermission("drone:read") {
		t.Error("missing drone:read permission")
	}
	if ac.HasPermission("fleet:admin") {
		t.Error("unexpected fleet:admin permission")
	}
	if ac.SessionID != "sess-1" {
		t.Errorf("session = %q", ac.SessionID)
	}
}

func TestVerifyCategories(t *testing.T) {
	v := newTestVerifier(StaticRevocationSet{"revoked-sess": {}})

	tests := []struct {
		name string
		raw  func(t *testing.T) string
		want Category
	}{
		{"malformed", func(t *testing.T) string { return "not.a.token" }, CategoryMalformed},
		{"bad signature", func(t *testing.T) string {
			other := NewVerifier("other-secret", testIssuer, testAudience, nil)
			return mustSign(t, other, testClaims())
		}, CategoryBadSignature},
		{"expired", func(t *testing.T) string {
			c := testClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return mustSign(t, v, c)
		}, CategoryExpired},
		{"wrong issuer", func(t *testing.T) string {
			c := testClaims()
			c.Issuer = "someone-else"
			return mustSign(t, v, c)
		}, CategoryBadSignature},
		{"wrong audience", func(t *testing.T) string {
			c := testClaims()
			c.Audience = jwt.ClaimStrings{"other-api"}
			return mustSign(t, v, c)
		}, CategoryBadSignature},
		{"inactive subject", func(t *testing.T) string {
			c := testClaims()
			c.User.Active = false
			return mustSign(t, v, c)
		}, CategoryInactiveSubject},
		{"revoked session", func(t *testing.T) string {
			c := testClaims()
			c.Session.SessionID = "revoked-sess"
			return mustSign(t, v, c)
		}, CategoryRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.raw(t))
			if err == nil {
				t.Fatal("expected verification failure")
			}
			if got := category(t, err); got != tt.want {
				t.Errorf("category = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVerifyRequestMissing(t *testing.T) {
	v := newTestVerifier(nil)
	_, err := v.VerifyRequest(httptest.NewRequest("GET", "/", nil))
	if got := category(t, err); got != CategoryMissing {
		t.Errorf("category = %s, want missing", got)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := ExtractToken(r); got != "abc" {
		t.Errorf("bearer extract = %q", got)
	}
}

func TestExtractTokenFromCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	if got := ExtractToken(r); got != "cookie-token" {
		t.Errorf("cookie extract = %q", got)
	}

	// Header wins over cookie.
	r.Header.Set("Authorization", "bearer header-token")
	if got := ExtractToken(r); got != "header-token" {
		t.Errorf("header precedence = %q", got)
	}
}

func TestDecodeUnverified(t *testing.T) {
	v := newTestVerifier(nil)
	other := NewVerifier("other-secret", testIssuer, testAudience, nil)
	raw := mustSign(t, other, testClaims())

	// Wrong signature, but decode still succeeds for diagnostics.
	claims, err := v.DecodeUnverified(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.User.Username != "pilot7" {
		t.Errorf("username = %q", claims.User.Username)
	}
}
