package datastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diwise/gcloud-datastore/pkg/gcloud"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

type ReadConsistency string

const (
	DefaultConsistency ReadConsistency = "DEFAULT"
	Eventual           ReadConsistency = "EVENTUAL"
	Strong             ReadConsistency = "STRONG"
)

type Operator string

const (
	LessThan           Operator = "LESS_THAN"
	LessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	GreaterThan        Operator = "GREATER_THAN"
	GreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	Equal              Operator = "EQUAL"
	HasAncestor        Operator = "HAS_ANCESTOR"
)

type Direction string

const (
	Ascending  Direction = "ASCENDING"
	Descending Direction = "DESCENDING"
)

type Aggregation string

const (
	First Aggregation = "FIRST"
)

const KeyProperty string = "__key__"

type propertyReference struct {
	Name string `json:"name"`
}

type propertyExpression struct {
	Property            propertyReference `json:"property"`
	AggregationFunction Aggregation       `json:"aggregationFunction,omitempty"`
}

type propertyOrder struct {
	Property  propertyReference `json:"property"`
	Direction Direction         `json:"direction,omitempty"`
}

type propertyFilter struct {
	Property propertyReference `json:"property"`
	Operator Operator          `json:"operator"`
	Value    Value             `json:"value"`
}

type compositeFilter struct {
	Operator string   `json:"operator"`
	Filters  []filter `json:"filters"`
}

type filter struct {
	PropertyFilter  *propertyFilter  `json:"propertyFilter,omitempty"`
	CompositeFilter *compositeFilter `json:"compositeFilter,omitempty"`
}

type kindExpression struct {
	Name string `json:"name"`
}

type queryClauses struct {
	Projection  []propertyExpression `json:"projection,omitempty"`
	Kinds       []kindExpression     `json:"kinds,omitempty"`
	Filter      *filter              `json:"filter,omitempty"`
	Order       []propertyOrder      `json:"order,omitempty"`
	GroupBy     []propertyReference  `json:"groupBy,omitempty"`
	StartCursor string               `json:"startCursor,omitempty"`
	EndCursor   string               `json:"endCursor,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
	Limit       *int                 `json:"limit,omitempty"`
}

// pagination holds the state shared by structured and text queries between
// Execute and Next.
type pagination struct {
	executed    bool
	endCursor   string
	moreResults MoreResults
	offset      int
}

func (p *pagination) exhausted() bool {
	return p.executed && p.moreResults == NoMoreResults
}

func (p *pagination) update(r *QueryResponse) {
	p.executed = true
	if !r.OK() {
		return
	}
	p.endCursor = r.EndCursor
	p.moreResults = r.MoreResults
	p.offset = max(0, p.offset-r.SkippedResults)
}

// Query is a structured query builder. Setters return the same builder and
// invalid input is reported by Execute before any call is made. A Query must
// not be used from more than one goroutine at a time.
type Query struct {
	ds *Datastore

	namespace     string
	consistency   ReadConsistency
	inTransaction bool
	clauses       queryClauses
	err           error

	pagination
}

func (ds *Datastore) NewQuery(kinds ...string) *Query {
	q := &Query{
		ds:        ds,
		namespace: ds.namespace,
	}
	return q.Kinds(kinds...)
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

func (q *Query) Kinds(kinds ...string) *Query {
	for _, k := range kinds {
		if k == "" || isReserved(k) {
			return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("invalid kind %q", k)))
		}
		q.clauses.Kinds = append(q.clauses.Kinds, kindExpression{Name: k})
	}
	return q
}

// Filter adds a property filter. The first filter is sent on its own, adding
// a second one combines them with AND.
func (q *Query) Filter(property string, op Operator, value any) *Query {
	if property == "" {
		return q.fail(errors.NewInvalidQueryError("filter property must not be empty"))
	}

	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, Equal, HasAncestor:
	default:
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("unknown filter operator %q", op)))
	}

	v, err := Encode(value)
	if err != nil {
		return q.fail(err)
	}

	f := filter{
		PropertyFilter: &propertyFilter{
			Property: propertyReference{Name: property},
			Operator: op,
			Value:    v,
		},
	}

	switch {
	case q.clauses.Filter == nil:
		q.clauses.Filter = &f
	case q.clauses.Filter.CompositeFilter == nil:
		first := *q.clauses.Filter
		q.clauses.Filter = &filter{
			CompositeFilter: &compositeFilter{
				Operator: "AND",
				Filters:  []filter{first, f},
			},
		}
	default:
		q.clauses.Filter.CompositeFilter.Filters = append(q.clauses.Filter.CompositeFilter.Filters, f)
	}

	return q
}

// Ancestor restricts results to descendants of key.
func (q *Query) Ancestor(key *Key) *Query {
	if key == nil || key.Incomplete() {
		return q.fail(errors.NewInvalidQueryError("ancestor must be a complete key"))
	}
	return q.Filter(KeyProperty, HasAncestor, key)
}

func (q *Query) Order(property string, direction Direction) *Query {
	if property == "" {
		return q.fail(errors.NewInvalidQueryError("order property must not be empty"))
	}

	if direction != Ascending && direction != Descending {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("unknown order direction %q", direction)))
	}

	q.clauses.Order = append(q.clauses.Order, propertyOrder{
		Property:  propertyReference{Name: property},
		Direction: direction,
	})

	return q
}

func (q *Query) Projection(properties ...string) *Query {
	for _, p := range properties {
		if p == "" {
			return q.fail(errors.NewInvalidQueryError("projection property must not be empty"))
		}
		q.clauses.Projection = append(q.clauses.Projection, propertyExpression{Property: propertyReference{Name: p}})
	}
	return q
}

// ProjectionAggregate projects property through an aggregation function.
func (q *Query) ProjectionAggregate(property string, fn Aggregation) *Query {
	if fn != First {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("unknown aggregation function %q", fn)))
	}

	q.clauses.Projection = append(q.clauses.Projection, propertyExpression{
		Property:            propertyReference{Name: property},
		AggregationFunction: fn,
	})

	return q
}

func (q *Query) GroupBy(properties ...string) *Query {
	for _, p := range properties {
		q.clauses.GroupBy = append(q.clauses.GroupBy, propertyReference{Name: p})
	}
	return q
}

func (q *Query) Limit(limit int) *Query {
	if limit < 0 {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("limit must not be negative, got %d", limit)))
	}
	q.clauses.Limit = &limit
	return q
}

func (q *Query) Offset(offset int) *Query {
	if offset < 0 {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("offset must not be negative, got %d", offset)))
	}
	q.clauses.Offset = offset
	return q
}

func (q *Query) StartCursor(cursor string) *Query {
	q.clauses.StartCursor = cursor
	return q
}

func (q *Query) EndCursor(cursor string) *Query {
	q.clauses.EndCursor = cursor
	return q
}

func (q *Query) ReadConsistency(rc ReadConsistency) *Query {
	if !validConsistency(rc) {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("unknown read consistency %q", rc)))
	}
	q.consistency = rc
	return q
}

func (q *Query) Namespace(namespace string) *Query {
	q.namespace = namespace
	return q
}

// InTransaction makes the query read within the active transaction of the
// datastore at the time of execution.
func (q *Query) InTransaction() *Query {
	q.inTransaction = true
	return q
}

func validConsistency(rc ReadConsistency) bool {
	return rc == "" || rc == DefaultConsistency || rc == Eventual || rc == Strong
}

func (ds *Datastore) readOptions(consistency ReadConsistency, inTransaction bool) (*readOptions, error) {
	ro := &readOptions{ReadConsistency: consistency}

	if inTransaction {
		ro.Transaction = ds.ActiveTransaction()
		if ro.Transaction == "" {
			return nil, errors.NewTransactionStateError("query requested a transaction but none is active")
		}
		if consistency == Eventual {
			return nil, errors.NewInvalidQueryError("eventual consistency is not allowed within a transaction")
		}
	}

	if ro.empty() {
		return nil, nil
	}

	return ro, nil
}

// Execute runs the query from its first page and records the continuation
// state used by Next.
func (q *Query) Execute(ctx context.Context) (*QueryResponse, error) {
	q.pagination = pagination{offset: q.clauses.Offset}
	return q.run(ctx, q.clauses)
}

// Next fetches the page after the last one returned. Once the service has
// reported that there are no more results Next returns nil without making a
// call.
func (q *Query) Next(ctx context.Context) (*QueryResponse, error) {
	if !q.executed {
		return q.Execute(ctx)
	}

	if q.exhausted() {
		return nil, nil
	}

	clauses := q.clauses
	clauses.StartCursor = q.endCursor
	clauses.Offset = q.offset

	return q.run(ctx, clauses)
}

func (q *Query) run(ctx context.Context, clauses queryClauses) (response *QueryResponse, err error) {
	ctx, span := q.ds.startSpan(ctx, "run-query", opRunQuery, q.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if q.err != nil {
		err = q.err
		return nil, err
	}

	ro, err := q.ds.readOptions(q.consistency, q.inTransaction)
	if err != nil {
		return nil, err
	}

	payload := struct {
		PartitionID *PartitionID  `json:"partitionId,omitempty"`
		ReadOptions *readOptions  `json:"readOptions,omitempty"`
		Query       *queryClauses `json:"query"`
	}{
		PartitionID: q.ds.partition(q.namespace),
		ReadOptions: ro,
		Query:       &clauses,
	}

	env, err := q.ds.call(ctx, opRunQuery, payload)
	if err != nil {
		return nil, err
	}

	response, err = decodeQueryResponse(env)
	if err != nil {
		return nil, err
	}

	q.update(response)

	logging.GetFromContext(ctx).Debug("query executed",
		slog.Int("status_code", env.StatusCode),
		slog.Int("entities", len(response.Entities)),
		slog.String("more_results", string(response.MoreResults)),
	)

	return response, nil
}

func decodeQueryResponse(env *gcloud.Envelope) (*QueryResponse, error) {
	response := &QueryResponse{Envelope: env}

	if !env.OK() {
		return response, nil
	}

	result := runQueryResponse{}

	err := env.Decode(&result)
	if err != nil {
		return nil, err
	}

	response.Entities = make([]*Entity, 0, len(result.Batch.EntityResults))
	for _, er := range result.Batch.EntityResults {
		if er.Entity != nil {
			response.Entities = append(response.Entities, er.Entity)
		}
	}

	response.EndCursor = result.Batch.EndCursor
	response.MoreResults = result.Batch.MoreResults
	response.SkippedResults = result.Batch.SkippedResults

	return response, nil
}
