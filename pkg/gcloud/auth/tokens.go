package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const JWTBearerGrantType string = "urn:ietf:params:oauth:grant-type:jwt-bearer"

var tracer = otel.Tracer("gcloud-auth")

// Token is an access token together with its validity. A Token with an empty
// AccessToken and a zero Expiry is the null token cached after a failed exchange.
type Token struct {
	AccessToken string
	ValidFor    time.Duration
	Expiry      time.Time
}

func (t Token) IsNull() bool {
	return t.AccessToken == ""
}

// Valid reports whether the token may be reused at the given instant.
func (t Token) Valid(now time.Time) bool {
	return !t.IsNull() && !t.Expiry.IsZero() && now.Before(t.Expiry)
}

func TokenURL(tokenURL string) func(*TokenCache) {
	return func(tc *TokenCache) {
		if tokenURL != "" {
			tc.tokenURL = tokenURL
		}
	}
}

func HTTPClient(client *http.Client) func(*TokenCache) {
	return func(tc *TokenCache) {
		tc.httpClient = client
	}
}

func Now(now func() time.Time) func(*TokenCache) {
	return func(tc *TokenCache) {
		tc.now = now
	}
}

// TokenCache exchanges signed assertions for access tokens and caches the result
// per scope set. Concurrent refreshes of the same scope set share one exchange.
type TokenCache struct {
	creds      Credentials
	signer     *Signer
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	tokens map[string]Token

	group singleflight.Group
}

func NewTokenCache(creds Credentials, options ...func(*TokenCache)) (*TokenCache, error) {
	tc := &TokenCache{
		creds:    creds,
		tokenURL: DefaultTokenURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now:    time.Now,
		tokens: map[string]Token{},
	}

	for _, option := range options {
		option(tc)
	}

	signer, err := NewSigner(creds, tc.tokenURL, tc.now)
	if err != nil {
		return nil, err
	}
	tc.signer = signer

	return tc, nil
}

// Token returns a cached token for scopes while it is valid and otherwise
// performs a synchronous refresh. A rejected exchange is not an error: the null
// token is cached and returned so that callers end up with an unauthenticated
// response, and the next call retries the exchange.
func (tc *TokenCache) Token(ctx context.Context, scopes []string) (Token, error) {
	key := ScopeKey(scopes)

	if t, ok := tc.lookup(key); ok {
		return t, nil
	}

	ch := tc.group.DoChan(key, func() (any, error) {
		return tc.refresh(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Token{}, r.Err
		}
		return r.Val.(Token), nil
	}
}

func (tc *TokenCache) lookup(key string) (Token, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	t, ok := tc.tokens[key]
	if !ok || !t.Valid(tc.now()) {
		return Token{}, false
	}

	return t, true
}

func (tc *TokenCache) store(key string, t Token) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.tokens[key] = t
}

func (tc *TokenCache) refresh(ctx context.Context, scopeKey string) (t Token, err error) {
	ctx, span := tracer.Start(ctx, "refresh-token",
		trace.WithAttributes(attribute.String("gcloud-scopes", scopeKey)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	assertion, err := tc.signer.Assertion(strings.Split(scopeKey, " "))
	if err != nil {
		return Token{}, err
	}

	form := url.Values{}
	form.Set("grant_type", JWTBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error("token exchange rejected", slog.Int("status_code", resp.StatusCode), slog.String("issuer", tc.creds.ClientEmail))
		tc.store(scopeKey, Token{})
		return Token{}, nil
	}

	tokenResponse := struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}{}

	err = json.Unmarshal(respBody, &tokenResponse)
	if err != nil || tokenResponse.AccessToken == "" {
		log.Error("token exchange returned an unusable response", slog.Int("status_code", resp.StatusCode))
		tc.store(scopeKey, Token{})
		return Token{}, nil
	}

	validFor := time.Duration(tokenResponse.ExpiresIn) * time.Second

	t = Token{
		AccessToken: tokenResponse.AccessToken,
		ValidFor:    validFor,
		Expiry:      tc.now().Add(validFor),
	}

	tc.store(scopeKey, t)

	return t, nil
}
