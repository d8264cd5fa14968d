package integration

import (
	"crypto/rand"
	"encoding/json"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://auth.test.bandflow.dev"

// TestClaims describes the caller a token is minted for.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// bandClaims is the token payload the API expects.
type bandClaims struct {
	jwt.RegisteredClaims
	Email string         `json:"email,omitempty"`
	Roles []string       `json:"roles,omitempty"`
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top-level claim set.
func (c bandClaims) MarshalJSON() ([]byte, error) {
	type plain bandClaims
	base, err := json.Marshal(plain(c))
	if err != nil || len(c.Extra) == 0 {
		return base, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	maps.Copy(merged, c.Extra)
	return json.Marshal(merged)
}

// tokenIssuer mints HS256 tokens under a per-harness random secret, so a
// token from one harness is rejected by another.
type tokenIssuer struct {
	secret []byte
}

func newTokenIssuer() *tokenIssuer {
	ti := &tokenIssuer{secret: make([]byte, 32)}
	_, _ = rand.Read(ti.secret)
	return ti
}

func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.mint(c, time.Now(), time.Hour)
}

// GenerateExpiredToken mints a token whose validity ended an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.mint(c, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) mint(c TestClaims, issued time.Time, ttl time.Duration) string {
	claims := bandClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		Email: c.Email,
		Roles: c.Roles,
		Extra: c.Extra,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) Secret() []byte { return ti.secret }

func (ti *tokenIssuer) Issuer() string { return testIssuer }
