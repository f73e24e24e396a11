package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matryer/is"
)

const (
	datastoreScope string = "https://www.googleapis.com/auth/datastore"
	platformScope  string = "https://www.googleapis.com/auth/cloud-platform"
)

func TestTokenIsReusedWithinValidityWindow(t *testing.T) {
	is, _, creds := setupAuthTest(t)

	calls := &atomic.Int32{}
	s := tokenServer(calls, http.StatusOK, `{"access_token":"tok-1","expires_in":3600,"token_type":"Bearer"}`)
	defer s.Close()

	tc, err := NewTokenCache(*creds, TokenURL(s.URL))
	is.NoErr(err)

	first, err := tc.Token(context.Background(), []string{datastoreScope, platformScope})
	is.NoErr(err)
	second, err := tc.Token(context.Background(), []string{platformScope, datastoreScope})
	is.NoErr(err)

	is.Equal(first.AccessToken, "tok-1")
	is.Equal(second.AccessToken, "tok-1")
	is.Equal(first.ValidFor, time.Hour)
	is.Equal(calls.Load(), int32(1)) // second call should be served from the cache
}

func TestExpiredTokenTriggersExactlyOneRefresh(t *testing.T) {
	is, _, creds := setupAuthTest(t)

	calls := &atomic.Int32{}
	s := tokenServer(calls, http.StatusOK, `{"access_token":"tok","expires_in":60}`)
	defer s.Close()

	now := time.Now()
	tc, err := NewTokenCache(*creds, TokenURL(s.URL), Now(func() time.Time { return now }))
	is.NoErr(err)

	_, err = tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err)

	now = now.Add(61 * time.Second)

	_, err = tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err)
	_, err = tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err)

	is.Equal(calls.Load(), int32(2))
}

func TestDifferentScopeSetsAreCachedSeparately(t *testing.T) {
	is, _, creds := setupAuthTest(t)

	calls := &atomic.Int32{}
	s := tokenServer(calls, http.StatusOK, `{"access_token":"tok","expires_in":3600}`)
	defer s.Close()

	tc, err := NewTokenCache(*creds, TokenURL(s.URL))
	is.NoErr(err)

	_, err = tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err)
	_, err = tc.Token(context.Background(), []string{platformScope})
	is.NoErr(err)

	is.Equal(calls.Load(), int32(2))
}

func TestRejectedExchangeCachesNullTokenAndRetries(t *testing.T) {
	is, _, creds := setupAuthTest(t)

	calls := &atomic.Int32{}
	s := tokenServer(calls, http.StatusUnauthorized, `{"error":"invalid_grant"}`)
	defer s.Close()

	tc, err := NewTokenCache(*creds, TokenURL(s.URL))
	is.NoErr(err)

	tok, err := tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err) // a rejected exchange should not be reported as an error
	is.True(tok.IsNull())
	is.True(tok.Expiry.IsZero())

	_, err = tc.Token(context.Background(), []string{datastoreScope})
	is.NoErr(err)

	is.Equal(calls.Load(), int32(2)) // null token should never be reused
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	is, _, creds := setupAuthTest(t)

	calls := &atomic.Int32{}
	release := make(chan struct{})

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"access_token":"shared","expires_in":3600}`))
	}))
	defer s.Close()

	tc, err := NewTokenCache(*creds, TokenURL(s.URL))
	is.NoErr(err)

	wg := sync.WaitGroup{}
	results := make([]string, 8)

	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, _ := tc.Token(context.Background(), []string{datastoreScope})
			results[idx] = tok.AccessToken
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	is.Equal(calls.Load(), int32(1))
	for _, r := range results {
		is.Equal(r, "shared")
	}
}

func TestAssertionCarriesExpectedClaims(t *testing.T) {
	is, key, creds := setupAuthTest(t)

	var grantType, assertion string

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		grantType = r.PostForm.Get("grant_type")
		assertion = r.PostForm.Get("assertion")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer s.Close()

	issuedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tc, err := NewTokenCache(*creds, TokenURL(s.URL), Now(func() time.Time { return issuedAt }))
	is.NoErr(err)

	_, err = tc.Token(context.Background(), []string{platformScope, datastoreScope})
	is.NoErr(err)

	is.Equal(grantType, JWTBearerGrantType)

	token, err := jwt.Parse(assertion, func(t *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithoutClaimsValidation())
	is.NoErr(err)

	is.Equal(token.Header["alg"], "RS256")
	is.Equal(token.Header["typ"], "JWT")

	claims := token.Claims.(jwt.MapClaims)
	is.Equal(claims["iss"], "svc@example.iam.gserviceaccount.com")
	is.Equal(claims["scope"], platformScope+" "+datastoreScope)
	is.Equal(claims["aud"], s.URL)
	is.Equal(claims["iat"], float64(issuedAt.Unix()))
	is.Equal(claims["exp"], float64(issuedAt.Add(time.Hour).Unix()))
}

func TestScopeKeyIsOrderIndependent(t *testing.T) {
	is := is.New(t)
	is.Equal(ScopeKey([]string{"b", " a", "c"}), ScopeKey([]string{"c", "b", "a"}))
	is.Equal(ScopeKey([]string{"b", "a"}), "a b")
}

func TestCredentialsRequireIssuerAndKey(t *testing.T) {
	is := is.New(t)

	_, err := NewCredentialsFromJSON([]byte(`{"private_key":"x"}`))
	is.True(err != nil)

	_, err = NewCredentialsFromJSON([]byte(`{"client_email":"a@b"}`))
	is.True(err != nil)

	creds, err := NewCredentialsFromJSON([]byte(`{"client_email":"a@b","private_key":"k","project_id":"p"}`))
	is.NoErr(err)
	is.Equal(creds.ProjectID, "p")
}

func tokenServer(calls *atomic.Int32, code int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
}

func setupAuthTest(t *testing.T) (*is.I, *rsa.PrivateKey, *Credentials) {
	is := is.New(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	is.NoErr(err)

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	creds := &Credentials{
		ClientEmail: "svc@example.iam.gserviceaccount.com",
		PrivateKey:  string(keyPEM),
	}

	return is, key, creds
}
