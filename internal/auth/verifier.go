package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie a browser client may deliver the credential in.
const CookieName = "auth_token"

// Category classifies a verification failure.
type Category string

const (
	CategoryMissing         Category = "missing"
	CategoryMalformed       Category = "malformed"
	CategoryBadSignature    Category = "bad-signature"
	CategoryExpired         Category = "expired"
	CategoryInactiveSubject Category = "inactive-subject"
	CategoryRevoked         Category = "revoked"
)

// VerifyError carries the failure category alongside the cause.
type VerifyError struct {
	Category Category
	cause    error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("credential %s: %v", e.Category, e.cause)
	}
	return fmt.Sprintf("credential %s", e.Category)
}

func (e *VerifyError) Unwrap() error { return e.cause }

func verifyErr(cat Category, cause error) *VerifyError {
	return &VerifyError{Category: cat, cause: cause}
}

// Claims is the platform credential shape. The registered claims carry
// subject/issuer/audience/expiry; the nested objects carry the user record,
// the permission grant, and the session the token was minted for.
type Claims struct {
	jwt.RegisteredClaims

	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Active   bool   `json:"active"`
	} `json:"user"`

	Grants struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
		Scopes      []string `json:"scopes"`
	} `json:"permissions"`

	Session struct {
		SessionID  string `json:"session_id"`
		IP         string `json:"ip"`
		UserAgent  string `json:"user_agent"`
		RememberMe bool   `json:"remember_me"`
	} `json:"session"`

	Metadata struct {
		LastLogin  string `json:"last_login"`
		LoginCount int    `json:"login_count"`
	} `json:"metadata"`
}

// RevocationSet answers whether a session id has been invalidated before
// its natural expiry. Implementations must be safe for concurrent use and
// must not block the request path.
type RevocationSet interface {
	IsRevoked(sessionID string) bool
}

// Verifier validates bearer credentials. It never mutates state.
type Verifier struct {
	secret     []byte
	issuer     string
	audience   string
	revocation RevocationSet
	keyFunc    jwt.Keyfunc
	parser     *jwt.Parser
}

// NewVerifier creates a verifier for HS256 tokens signed with the shared
// secret. revocation may be nil, in which case no session is revoked.
func NewVerifier(secret, issuer, audience string, revocation RevocationSet) *Verifier {
	v := &Verifier{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		revocation: revocation,
	}
	v.keyFunc = func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}
	v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	return v
}

// ExtractToken pulls the raw bearer from the Authorization header or the
// auth_token cookie. Returns "" when neither is present.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return h[7:]
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// VerifyRequest extracts and verifies the credential on a request.
func (v *Verifier) VerifyRequest(r *http.Request) (*AuthContext, error) {
	raw := ExtractToken(r)
	if raw == "" {
		return nil, verifyErr(CategoryMissing, nil)
	}
	return v.Verify(raw)
}

// Verify validates a raw token and produces the AuthContext.
func (v *Verifier) Verify(raw string) (*AuthContext, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, verifyErr(CategoryExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, verifyErr(CategoryBadSignature, err)
		default:
			return nil, verifyErr(CategoryMalformed, err)
		}
	}
	if !token.Valid {
		return nil, verifyErr(CategoryMalformed, nil)
	}

	if v.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != v.issuer {
			return nil, verifyErr(CategoryBadSignature, fmt.Errorf("issuer %q", iss))
		}
	}
	if v.audience != "" {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, v.audience) {
			return nil, verifyErr(CategoryBadSignature, fmt.Errorf("audience %v", []string(aud)))
		}
	}

	if !claims.User.Active {
		return nil, verifyErr(CategoryInactiveSubject, nil)
	}

	if v.revocation != nil && claims.Session.SessionID != "" && v.revocation.IsRevoked(claims.Session.SessionID) {
		return nil, verifyErr(CategoryRevoked, nil)
	}

	return claims.authContext(), nil
}

// DecodeUnverified decodes the claims without signature verification.
// Diagnostic paths only; never used for authorization.
func (v *Verifier) DecodeUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, verifyErr(CategoryMalformed, err)
	}
	return claims, nil
}

func (c *Claims) authContext() *AuthContext {
	ac := &AuthContext{
		SubjectID:   c.Subject,
		Username:    c.User.Username,
		Roles:       c.Grants.Roles,
		Permissions: c.Grants.Permissions,
		Scopes:      c.Grants.Scopes,
		SessionID:   c.Session.SessionID,
		Issuer:      c.Issuer,
		Active:      c.User.Active,
	}
	if ac.SubjectID == "" {
		ac.SubjectID = c.User.ID
	}
	if len(c.Audience) > 0 {
		ac.Audience = c.Audience[0]
	}
	if c.IssuedAt != nil {
		ac.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		ac.ExpiresAt = c.ExpiresAt.Time
	}
	return ac
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// Sign mints a token from claims (tests and development tooling only; the
// platform's token service is the production issuer).
func (v *Verifier) Sign(claims *Claims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
