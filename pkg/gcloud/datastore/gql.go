package datastore

import (
	"context"
	"fmt"
	"sort"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

type gqlQueryArg struct {
	Name   string `json:"name,omitempty"`
	Value  *Value `json:"value,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

type gqlQuery struct {
	QueryString  string        `json:"queryString"`
	AllowLiteral bool          `json:"allowLiteral,omitempty"`
	NameArgs     []gqlQueryArg `json:"nameArgs,omitempty"`
	NumberArgs   []gqlQueryArg `json:"numberArgs,omitempty"`
}

// GQLQuery runs a literal GQL query string with either named or positional
// arguments. Setting one kind of argument discards the other. A GQLQuery must
// not be used from more than one goroutine at a time.
type GQLQuery struct {
	ds *Datastore

	namespace     string
	consistency   ReadConsistency
	inTransaction bool
	query         gqlQuery
	nameArgs      map[string]gqlQueryArg
	err           error

	pagination
}

func (ds *Datastore) NewGQLQuery(queryString string) *GQLQuery {
	q := &GQLQuery{
		ds:        ds,
		namespace: ds.namespace,
	}
	return q.Query(queryString)
}

func (q *GQLQuery) fail(err error) *GQLQuery {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Query replaces the query string and forgets any previous arguments,
// errors and continuation state.
func (q *GQLQuery) Query(queryString string) *GQLQuery {
	q.query = gqlQuery{QueryString: queryString, AllowLiteral: q.query.AllowLiteral}
	q.nameArgs = nil
	q.err = nil
	q.pagination = pagination{}

	if queryString == "" {
		return q.fail(errors.NewInvalidQueryError("query string must not be empty"))
	}

	return q
}

func (q *GQLQuery) AllowLiteral(allow bool) *GQLQuery {
	q.query.AllowLiteral = allow
	return q
}

// NameArg binds value to @name and discards any positional arguments. Changing
// arguments restarts paging, so the next call to Next runs from the first page.
func (q *GQLQuery) NameArg(name string, value any) *GQLQuery {
	if name == "" {
		return q.fail(errors.NewInvalidQueryError("argument name must not be empty"))
	}

	v, err := Encode(value)
	if err != nil {
		return q.fail(err)
	}

	q.query.NumberArgs = nil
	q.pagination = pagination{}

	if q.nameArgs == nil {
		q.nameArgs = map[string]gqlQueryArg{}
	}
	q.nameArgs[name] = gqlQueryArg{Name: name, Value: &v}

	return q
}

// NameCursorArg binds a cursor to @name.
func (q *GQLQuery) NameCursorArg(name, cursor string) *GQLQuery {
	if name == "" {
		return q.fail(errors.NewInvalidQueryError("argument name must not be empty"))
	}

	q.query.NumberArgs = nil
	q.pagination = pagination{}

	if q.nameArgs == nil {
		q.nameArgs = map[string]gqlQueryArg{}
	}
	q.nameArgs[name] = gqlQueryArg{Name: name, Cursor: cursor}

	return q
}

// NumberArgs binds values to @1, @2 ... and discards any named arguments.
func (q *GQLQuery) NumberArgs(values ...any) *GQLQuery {
	args := make([]gqlQueryArg, 0, len(values))

	for idx, value := range values {
		v, err := Encode(value)
		if err != nil {
			return q.fail(fmt.Errorf("argument %d: %w", idx+1, err))
		}
		args = append(args, gqlQueryArg{Value: &v})
	}

	q.nameArgs = nil
	q.query.NameArgs = nil
	q.query.NumberArgs = args
	q.pagination = pagination{}

	return q
}

func (q *GQLQuery) ReadConsistency(rc ReadConsistency) *GQLQuery {
	if !validConsistency(rc) {
		return q.fail(errors.NewInvalidQueryError(fmt.Sprintf("unknown read consistency %q", rc)))
	}
	q.consistency = rc
	return q
}

func (q *GQLQuery) Namespace(namespace string) *GQLQuery {
	q.namespace = namespace
	return q
}

func (q *GQLQuery) InTransaction() *GQLQuery {
	q.inTransaction = true
	return q
}

// Execute runs the query from its first page.
func (q *GQLQuery) Execute(ctx context.Context) (*QueryResponse, error) {
	q.pagination = pagination{}
	q.query.NameArgs = q.sortedNameArgs()

	for i := range q.query.NumberArgs {
		q.query.NumberArgs[i].Cursor = ""
	}

	return q.run(ctx)
}

// Next continues after the last page by binding the end cursor of that page to
// every argument before running the query again. Once the service has reported
// that there are no more results Next returns nil without making a call.
func (q *GQLQuery) Next(ctx context.Context) (*QueryResponse, error) {
	if !q.executed {
		return q.Execute(ctx)
	}

	if q.exhausted() {
		return nil, nil
	}

	if len(q.query.NameArgs) == 0 && len(q.query.NumberArgs) == 0 {
		return nil, errors.NewCursorNotBoundError("continuing a gql query requires at least one argument to carry the cursor")
	}

	for i := range q.query.NameArgs {
		q.query.NameArgs[i].Cursor = q.endCursor
	}

	for i := range q.query.NumberArgs {
		q.query.NumberArgs[i].Cursor = q.endCursor
	}

	return q.run(ctx)
}

func (q *GQLQuery) sortedNameArgs() []gqlQueryArg {
	if len(q.nameArgs) == 0 {
		return nil
	}

	names := make([]string, 0, len(q.nameArgs))
	for name := range q.nameArgs {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]gqlQueryArg, 0, len(names))
	for _, name := range names {
		args = append(args, q.nameArgs[name])
	}

	return args
}

func (q *GQLQuery) run(ctx context.Context) (response *QueryResponse, err error) {
	ctx, span := q.ds.startSpan(ctx, "run-gql-query", opRunQuery, q.namespace)
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
		PartitionID *PartitionID `json:"partitionId,omitempty"`
		ReadOptions *readOptions `json:"readOptions,omitempty"`
		GQLQuery    *gqlQuery    `json:"gqlQuery"`
	}{
		PartitionID: q.ds.partition(q.namespace),
		ReadOptions: ro,
		GQLQuery:    &q.query,
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

	return response, nil
}
