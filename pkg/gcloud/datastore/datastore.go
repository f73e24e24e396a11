package datastore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/diwise/gcloud-datastore/pkg/gcloud"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/config"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	opAllocateIDs      string = "allocateIds"
	opBeginTransaction string = "beginTransaction"
	opCommit           string = "commit"
	opLookup           string = "lookup"
	opRollback         string = "rollback"
	opRunQuery         string = "runQuery"

	MaxLookupBatchSize int = 1000
)

const (
	TraceAttributeNamespace string = "gcloud-namespace"
	TraceAttributeOperation string = "gcloud-operation"
	TraceAttributeProject   string = "gcloud-project"
)

var tracer = otel.Tracer("gcloud-datastore")

type APICaller interface {
	APICall(ctx context.Context, req gcloud.Request, scopes []string, projectID string) (*gcloud.Envelope, error)
	PostJSON(ctx context.Context, url string, payload any, scopes []string, projectID string) (*gcloud.Envelope, error)
}

func Namespace(namespace string) func(*Datastore) {
	return func(ds *Datastore) {
		ds.namespace = namespace
	}
}

func Endpoint(endpoint string) func(*Datastore) {
	return func(ds *Datastore) {
		if endpoint != "" {
			ds.endpoint = strings.TrimSuffix(endpoint, "/")
		}
	}
}

func Scopes(scopes ...string) func(*Datastore) {
	return func(ds *Datastore) {
		if len(scopes) > 0 {
			ds.scopes = scopes
		}
	}
}

// Datastore issues datastore operations for one project through a session. It
// also tracks the most recently begun transaction so that queries can opt in
// to reading within it.
type Datastore struct {
	session   APICaller
	project   string
	namespace string
	endpoint  string
	scopes    []string

	mu                sync.Mutex
	activeTransaction string
}

func New(session APICaller, projectID string, options ...func(*Datastore)) *Datastore {
	ds := &Datastore{
		session:  session,
		project:  projectID,
		endpoint: config.DefaultDatastoreEndpoint,
		scopes:   config.DefaultScopes,
	}

	for _, option := range options {
		option(ds)
	}

	return ds
}

func NewFromConfig(session APICaller, cfg *config.Config) *Datastore {
	return New(session, cfg.Project,
		Namespace(cfg.Namespace),
		Endpoint(cfg.DatastoreEndpoint),
		Scopes(cfg.Scopes...),
	)
}

func (ds *Datastore) Project() string   { return ds.project }
func (ds *Datastore) Namespace() string { return ds.namespace }

// ActiveTransaction returns the handle of the most recently begun transaction
// that has not been committed or rolled back, or an empty string.
func (ds *Datastore) ActiveTransaction() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.activeTransaction
}

func (ds *Datastore) setActiveTransaction(handle string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.activeTransaction = handle
}

func (ds *Datastore) clearActiveTransaction(handle string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.activeTransaction == handle {
		ds.activeTransaction = ""
	}
}

func (ds *Datastore) url(operation string) string {
	return fmt.Sprintf("%s/%s/%s", ds.endpoint, ds.project, operation)
}

func (ds *Datastore) call(ctx context.Context, operation string, payload any) (*gcloud.Envelope, error) {
	return ds.session.PostJSON(ctx, ds.url(operation), payload, ds.scopes, ds.project)
}

func (ds *Datastore) startSpan(ctx context.Context, name, operation, namespace string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String(TraceAttributeProject, ds.project),
			attribute.String(TraceAttributeNamespace, namespace),
			attribute.String(TraceAttributeOperation, operation),
		),
	)
}

func (ds *Datastore) partition(namespace string) *PartitionID {
	if namespace == "" {
		return nil
	}
	return &PartitionID{Namespace: namespace}
}

// withNamespace places keys without a partition in the datastore namespace.
func (ds *Datastore) withNamespace(keys []*Key) []*Key {
	if ds.namespace == "" {
		return keys
	}

	result := make([]*Key, 0, len(keys))
	for _, k := range keys {
		if k.PartitionID == nil {
			k = k.WithNamespace(ds.namespace)
		}
		result = append(result, k)
	}

	return result
}

type readOptions struct {
	ReadConsistency ReadConsistency `json:"readConsistency,omitempty"`
	Transaction     string          `json:"transaction,omitempty"`
}

func (ro *readOptions) empty() bool {
	return ro == nil || (ro.ReadConsistency == "" && ro.Transaction == "")
}

// Lookup reads the entities identified by keys.
func (ds *Datastore) Lookup(ctx context.Context, keys ...*Key) (result *LookupResult, err error) {
	ctx, span := ds.startSpan(ctx, "lookup", opLookup, ds.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if len(keys) == 0 {
		err = errors.NewInvalidQueryError("lookup requires at least one key")
		return nil, err
	}

	for idx, k := range keys {
		if k == nil || k.Incomplete() {
			err = errors.NewInvalidKeyFormatError(idx, "lookup requires complete keys")
			return nil, err
		}
	}

	payload := struct {
		Keys []*Key `json:"keys"`
	}{
		Keys: ds.withNamespace(keys),
	}

	env, err := ds.call(ctx, opLookup, payload)
	if err != nil {
		return nil, err
	}

	result = &LookupResult{Envelope: env}
	if !env.OK() {
		return result, nil
	}

	response := struct {
		Found    []entityResult `json:"found"`
		Missing  []entityResult `json:"missing"`
		Deferred []*Key         `json:"deferred"`
	}{}

	err = env.Decode(&response)
	if err != nil {
		return nil, err
	}

	for _, f := range response.Found {
		result.Found = append(result.Found, f.Entity)
	}
	for _, m := range response.Missing {
		if m.Entity != nil {
			result.Missing = append(result.Missing, m.Entity.Key)
		}
	}
	result.Deferred = response.Deferred

	return result, nil
}

// LookupAll splits keys into batches and looks them up concurrently. The first
// transport failure or error response aborts the remaining batches. The merged
// result carries a 200 envelope, also when keys is empty.
func (ds *Datastore) LookupAll(ctx context.Context, keys []*Key) (*LookupResult, error) {
	batches := make([][]*Key, 0, len(keys)/MaxLookupBatchSize+1)
	for start := 0; start < len(keys); start += MaxLookupBatchSize {
		end := min(start+MaxLookupBatchSize, len(keys))
		batches = append(batches, keys[start:end])
	}

	results := make([]*LookupResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for idx, batch := range batches {
		g.Go(func() error {
			r, err := ds.Lookup(gctx, batch...)
			if err != nil {
				return err
			}
			if !r.Envelope.OK() {
				return fmt.Errorf("lookup batch %d returned status code %d (%w)", idx, r.Envelope.StatusCode, errors.ErrBadResponse)
			}
			results[idx] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logging.GetFromContext(ctx).Error("batched lookup failed", "err", err.Error())
		return nil, err
	}

	merged := &LookupResult{Envelope: gcloud.NewEnvelope(http.StatusOK, nil)}
	for _, r := range results {
		merged.Found = append(merged.Found, r.Found...)
		merged.Missing = append(merged.Missing, r.Missing...)
		merged.Deferred = append(merged.Deferred, r.Deferred...)
	}

	return merged, nil
}

// AllocateIDs asks the service to complete the supplied incomplete keys.
func (ds *Datastore) AllocateIDs(ctx context.Context, keys ...*Key) (result *AllocateIDsResult, err error) {
	ctx, span := ds.startSpan(ctx, "allocate-ids", opAllocateIDs, ds.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	for idx, k := range keys {
		if k == nil || !k.Incomplete() {
			err = errors.NewInvalidKeyFormatError(idx, "allocateIds requires incomplete keys")
			return nil, err
		}
	}

	payload := struct {
		Keys []*Key `json:"keys"`
	}{
		Keys: ds.withNamespace(keys),
	}

	env, err := ds.call(ctx, opAllocateIDs, payload)
	if err != nil {
		return nil, err
	}

	result = &AllocateIDsResult{Envelope: env}
	if !env.OK() {
		return result, nil
	}

	response := struct {
		Keys []*Key `json:"keys"`
	}{}

	err = env.Decode(&response)
	if err != nil {
		return nil, err
	}

	result.Keys = response.Keys

	return result, nil
}
