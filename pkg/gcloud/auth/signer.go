package auth

import (
	"crypto/rsa"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenURL string        = "https://accounts.google.com/o/oauth2/token"
	AssertionTTL    time.Duration = time.Hour
)

// Signer produces RS256 signed JWT bearer assertions for a service account.
type Signer struct {
	issuer   string
	audience string
	key      *rsa.PrivateKey
	now      func() time.Time
}

func NewSigner(creds Credentials, audience string, now func() time.Time) (*Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %s (%w)", err.Error(), errors.ErrAuth)
	}

	if audience == "" {
		audience = DefaultTokenURL
	}

	if now == nil {
		now = time.Now
	}

	return &Signer{
		issuer:   creds.ClientEmail,
		audience: audience,
		key:      key,
		now:      now,
	}, nil
}

// Assertion returns a signed assertion requesting the supplied scopes.
func (s *Signer) Assertion(scopes []string) (string, error) {
	issuedAt := s.now().UTC()

	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"scope": ScopeKey(scopes),
		"aud":   s.audience,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(AssertionTTL).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %s (%w)", err.Error(), errors.ErrAuth)
	}

	return signed, nil
}

// ScopeKey joins a sorted copy of scopes with single spaces. Two scope sets with
// the same members always produce the same key.
func ScopeKey(scopes []string) string {
	sorted := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			sorted = append(sorted, s)
		}
	}

	sort.Strings(sorted)

	return strings.Join(sorted, " ")
}
