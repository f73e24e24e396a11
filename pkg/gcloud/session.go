package gcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/auth"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/config"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	APIVersion string = "2"

	HeaderAPIVersion string = "x-goog-api-version"
	HeaderProjectID  string = "x-goog-project-id"

	TraceAttributeProject string = "gcloud-project"
	TraceAttributeURL     string = "gcloud-url"
)

var tracer = otel.Tracer("gcloud-session")

type TokenSource interface {
	Token(ctx context.Context, scopes []string) (auth.Token, error)
}

// Request describes a single call. An empty ContentType with a non empty Body
// defaults to application/json.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string][]string
}

func Debug(enabled string) func(*Session) {
	return func(s *Session) {
		s.debug = (enabled == "true")
	}
}

func WithHTTPClient(client *http.Client) func(*Session) {
	return func(s *Session) {
		s.httpClient = client
	}
}

// Session owns the token source and http client shared by every call made on
// behalf of one set of credentials.
type Session struct {
	tokens     TokenSource
	httpClient *http.Client
	userAgent  string
	debug      bool
}

func NewSession(tokens TokenSource, options ...func(*Session)) *Session {
	s := &Session{
		tokens: tokens,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: "gcloud-datastore/" + buildinfo.SourceVersion(),
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// NewSessionFromConfig creates a session backed by a token cache for creds.
func NewSessionFromConfig(cfg *config.Config, creds auth.Credentials) (*Session, error) {
	tc, err := auth.NewTokenCache(creds, auth.TokenURL(cfg.TokenEndpoint))
	if err != nil {
		return nil, err
	}

	debug := "false"
	if cfg.Debug {
		debug = "true"
	}

	return NewSession(tc, Debug(debug)), nil
}

// APICall resolves a token for scopes, performs req and wraps the outcome in an
// Envelope. Only failures to obtain a token or to complete the round trip are
// returned as errors; API errors are carried by the envelope.
func (s *Session) APICall(ctx context.Context, req Request, scopes []string, projectID string) (env *Envelope, err error) {
	ctx, span := tracer.Start(ctx, "api-call",
		trace.WithAttributes(attribute.String(TraceAttributeProject, projectID)),
		trace.WithAttributes(attribute.String(TraceAttributeURL, req.URL)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	token, err := s.tokens.Token(ctx, scopes)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	for header, headerValue := range req.Headers {
		for _, val := range headerValue {
			httpReq.Header.Add(header, val)
		}
	}

	if req.Body != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}

	httpReq.Header.Set(HeaderAPIVersion, APIVersion)
	httpReq.Header.Set(HeaderProjectID, projectID)
	httpReq.Header.Set("User-Agent", s.userAgent)

	if !token.IsNull() {
		httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if s.debug && resp.StatusCode >= http.StatusBadRequest {
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed",
			slog.String("method", method),
			slog.String("url", req.URL),
			slog.String("response", string(respbytes)),
			slog.String("body", string(respBody)),
		)
	}

	return NewEnvelope(resp.StatusCode, respBody), nil
}

// PostJSON marshals payload and posts it to url.
func (s *Session) PostJSON(ctx context.Context, url string, payload any, scopes []string, projectID string) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %s (%w)", err.Error(), errors.ErrInternal)
	}

	return s.APICall(ctx, Request{Method: http.MethodPost, URL: url, Body: body}, scopes, projectID)
}
