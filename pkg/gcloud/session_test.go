package gcloud

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/auth"
	gcerrors "github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var path = expects.RequestPath
var body = expects.RequestBody

func header(name, value string) func(*is.I, *http.Request) {
	return func(is *is.I, r *http.Request) {
		is.Equal(r.Header.Get(name), value)
	}
}

type staticTokens struct {
	token auth.Token
	err   error
}

func (st staticTokens) Token(ctx context.Context, scopes []string) (auth.Token, error) {
	return st.token, st.err
}

var validToken = staticTokens{token: auth.Token{AccessToken: "secret"}}

func TestAPICallInjectsHeadersAndParsesBody(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			path("/datasets/proj/lookup"),
			body(`{"keys":[]}`),
			header(HeaderAPIVersion, "2"),
			header(HeaderProjectID, "proj"),
			header("Authorization", "Bearer secret"),
			header("Content-Type", "application/json"),
		),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"found":[]}`)),
		),
	)
	defer s.Close()

	session := NewSession(validToken)
	env, err := session.PostJSON(context.Background(), s.URL()+"/datasets/proj/lookup", map[string]any{"keys": []any{}}, nil, "proj")

	is.NoErr(err)
	is.Equal(env.StatusCode, http.StatusOK)
	is.True(env.Errors == nil)
	is.Equal(env.Body, map[string]any{"found": []any{}})
}

func TestAPICallCarriesStructuredErrors(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusBadRequest),
			response.Body([]byte(`{"error":{"errors":[{"domain":"global","reason":"INVALID_ARGUMENT","message":"bad key"}],"code":400,"message":"bad key"}}`)),
		),
	)
	defer s.Close()

	env, err := NewSession(validToken).APICall(context.Background(), Request{URL: s.URL()}, nil, "proj")

	is.NoErr(err) // api errors should not be returned as errors
	is.True(env.Body == nil)
	is.Equal(env.StatusCode, http.StatusBadRequest)

	errs, ok := env.Errors.([]any)
	is.True(ok)
	is.Equal(len(errs), 1)
	is.Equal(errs[0].(map[string]any)["reason"], "INVALID_ARGUMENT")
}

func TestAPICallCarriesUnstructuredErrors(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.Code(http.StatusServiceUnavailable),
			response.Body([]byte("upstream unavailable")),
		),
	)
	defer s.Close()

	env, err := NewSession(validToken, Debug("true")).APICall(context.Background(), Request{URL: s.URL()}, nil, "proj")

	is.NoErr(err)
	is.Equal(env.Errors, "upstream unavailable")
	is.True(!env.OK())
}

func TestAPICallDegradesToRawStringOnUnparsableBody(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte("not json")),
		),
	)
	defer s.Close()

	env, err := NewSession(validToken).APICall(context.Background(), Request{URL: s.URL()}, nil, "proj")

	is.NoErr(err)
	is.Equal(env.Body, "not json")
	is.True(env.Errors == nil)
}

func TestAPICallOmitsAuthorizationForNullToken(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, header("Authorization", "")),
		Returns(
			response.Code(http.StatusUnauthorized),
			response.Body([]byte(`{"error":{"errors":[{"reason":"required"}]}}`)),
		),
	)
	defer s.Close()

	env, err := NewSession(staticTokens{}).APICall(context.Background(), Request{URL: s.URL()}, nil, "proj")

	is.NoErr(err)
	is.Equal(env.StatusCode, http.StatusUnauthorized)
}

func TestAPICallReturnsTransportFailures(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(Expects(is, anyInput()), Returns(response.Code(http.StatusOK)))
	url := s.URL()
	s.Close()

	_, err := NewSession(validToken).APICall(context.Background(), Request{URL: url}, nil, "proj")

	is.True(err != nil)
	is.True(errors.Is(err, gcerrors.ErrRequest))
}

func TestAPICallReturnsTokenSourceFailures(t *testing.T) {
	is := is.New(t)

	tokenErr := gcerrors.NewAuthError("no key")
	_, err := NewSession(staticTokens{err: tokenErr}).APICall(context.Background(), Request{URL: "http://localhost"}, nil, "proj")

	is.True(errors.Is(err, gcerrors.ErrAuth))
}

func TestEnvelopeDecode(t *testing.T) {
	is := is.New(t)

	env := NewEnvelope(http.StatusOK, []byte(`{"transaction":"abc"}`))

	result := struct {
		Transaction string `json:"transaction"`
	}{}

	is.NoErr(env.Decode(&result))
	is.Equal(result.Transaction, "abc")

	failed := NewEnvelope(http.StatusConflict, []byte(`{}`))
	is.True(errors.Is(failed.Decode(&result), gcerrors.ErrBadResponse))
	is.Equal(failed.Errors, "{}")
}
