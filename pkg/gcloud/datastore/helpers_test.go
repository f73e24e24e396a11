package datastore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"

	"github.com/diwise/gcloud-datastore/pkg/gcloud"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/auth"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var reqpath = expects.RequestPath
var body = expects.RequestBody
var bodyContaining = expects.RequestBodyContaining

const project string = "nasdaq-demo"

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, scopes []string) (auth.Token, error) {
	return auth.Token{AccessToken: "test-token"}, nil
}

func newTestDatastore(endpoint string, options ...func(*Datastore)) *Datastore {
	session := gcloud.NewSession(staticTokens{})
	return New(session, project, append([]func(*Datastore){Endpoint(endpoint)}, options...)...)
}

type fakeResponse struct {
	code int
	body string
}

// fakeDatastore answers each operation from its own queue of responses. The
// last response of a queue is repeated once the queue is drained.
type fakeDatastore struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]fakeResponse
	requests  map[string][]string
}

func newFakeDatastore(t *testing.T) *fakeDatastore {
	f := &fakeDatastore{
		responses: map[string][]fakeResponse{},
		requests:  map[string][]string{},
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := path.Base(r.URL.Path)
		b, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.requests[op] = append(f.requests[op], string(b))

		resp := fakeResponse{code: http.StatusNotFound, body: `{"error":{"errors":[{"reason":"notFound"}]}}`}
		if queue := f.responses[op]; len(queue) > 0 {
			resp = queue[0]
			if len(queue) > 1 {
				f.responses[op] = queue[1:]
			}
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.code)
		w.Write([]byte(resp.body))
	}))

	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeDatastore) respond(op string, code int, body string) *fakeDatastore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[op] = append(f.responses[op], fakeResponse{code: code, body: body})
	return f
}

func (f *fakeDatastore) bodies(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.requests[op]...)
}

func (f *fakeDatastore) count(op string) int {
	return len(f.bodies(op))
}

func (f *fakeDatastore) datastore(options ...func(*Datastore)) *Datastore {
	return newTestDatastore(f.server.URL, options...)
}

func nasdaqKey(is *is.I, symbol string) *Key {
	k, err := NewKey("", [][]any{{"Nasdaq100", symbol}})
	is.NoErr(err)
	return k
}

func ebay(is *is.I) *Entity {
	e, err := NewEntity(nasdaqKey(is, "EBAY"),
		P("Symbol", "EBAY"),
		P("Name", "eBay Inc"),
		P("lastSale", 55.003),
		P("netChange", 0.16),
		P("pctChange", 0.33),
		P("shareVolume", 923661),
		P("Nasdaq100Points", 0.2),
	)
	is.NoErr(err)
	return e
}

func activision(is *is.I) *Entity {
	e, err := NewEntityFromMap(nasdaqKey(is, "ATVI"), map[string]any{
		"Symbol":          "ATVI",
		"Name":            "Activision Blizzard Inc",
		"lastSale":        20.14,
		"netChange":       0.24,
		"pctChange":       1.21,
		"shareVolume":     939808,
		"Nasdaq100Points": 0.3,
	})
	is.NoErr(err)
	return e
}
