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

type IsolationLevel string

const (
	Serializable IsolationLevel = "SERIALIZABLE"
	Snapshot     IsolationLevel = "SNAPSHOT"
)

const (
	modeTransactional    string = "TRANSACTIONAL"
	modeNonTransactional string = "NON_TRANSACTIONAL"
)

type mutation struct {
	Upsert       []*Entity `json:"upsert,omitempty"`
	Update       []*Entity `json:"update,omitempty"`
	Insert       []*Entity `json:"insert,omitempty"`
	InsertAutoID []*Entity `json:"insertAutoId,omitempty"`
	Delete       []*Key    `json:"delete,omitempty"`
	Force        bool      `json:"force,omitempty"`
}

// Transaction accumulates mutations between Begin and Commit or Rollback. A
// Transaction must not be used from more than one goroutine at a time.
type Transaction struct {
	ds *Datastore

	handle   string
	mutation mutation
	err      error
}

// NewTransaction returns an idle transaction.
func (ds *Datastore) NewTransaction() *Transaction {
	return &Transaction{ds: ds}
}

// BeginTransaction creates and begins a transaction. An empty isolation level
// defaults to Serializable.
func (ds *Datastore) BeginTransaction(ctx context.Context, isolation IsolationLevel) (*Transaction, error) {
	tx := ds.NewTransaction()

	err := tx.Begin(ctx, isolation)
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// Handle returns the server issued transaction handle, or an empty string when
// the transaction is idle.
func (tx *Transaction) Handle() string {
	return tx.handle
}

func (tx *Transaction) Active() bool {
	return tx.handle != ""
}

func (tx *Transaction) Begin(ctx context.Context, isolation IsolationLevel) (err error) {
	ctx, span := tx.ds.startSpan(ctx, "begin-transaction", opBeginTransaction, tx.ds.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if tx.Active() {
		err = errors.NewTransactionStateError("transaction has already begun")
		return err
	}

	if isolation == "" {
		isolation = Serializable
	}

	if isolation != Serializable && isolation != Snapshot {
		err = errors.NewTransactionStateError(fmt.Sprintf("unknown isolation level %q", isolation))
		return err
	}

	env, err := tx.ds.call(ctx, opBeginTransaction, map[string]string{"isolationLevel": string(isolation)})
	if err != nil {
		return err
	}

	if !env.OK() {
		err = errors.NewTransactionBeginError(env.StatusCode, env.Errors)
		return err
	}

	response := struct {
		Transaction string `json:"transaction"`
	}{}

	err = env.Decode(&response)
	if err != nil {
		return err
	}

	if response.Transaction == "" {
		err = errors.NewTransactionBeginError(env.StatusCode, "response did not contain a transaction")
		return err
	}

	tx.handle = response.Transaction
	tx.ds.setActiveTransaction(tx.handle)

	return nil
}

// Upsert adds entities to the upsert set.
func (tx *Transaction) Upsert(entities ...*Entity) *Transaction {
	tx.mutation.Upsert = tx.appendEntities(tx.mutation.Upsert, entities)
	return tx
}

// Insert adds entities to the insert set. Entities with incomplete keys are
// inserted with server allocated ids.
func (tx *Transaction) Insert(entities ...*Entity) *Transaction {
	complete := make([]*Entity, 0, len(entities))

	for _, e := range entities {
		if e != nil && e.Key != nil && e.Key.Incomplete() {
			tx.mutation.InsertAutoID = append(tx.mutation.InsertAutoID, e)
			continue
		}
		complete = append(complete, e)
	}

	tx.mutation.Insert = tx.appendEntities(tx.mutation.Insert, complete)
	return tx
}

// Update adds entities to the update set.
func (tx *Transaction) Update(entities ...*Entity) *Transaction {
	tx.mutation.Update = tx.appendEntities(tx.mutation.Update, entities)
	return tx
}

// Delete adds keys to the delete set. Force is sticky once set.
func (tx *Transaction) Delete(force bool, keys ...*Key) *Transaction {
	for idx, k := range keys {
		if k == nil || k.Incomplete() {
			tx.fail(errors.NewInvalidKeyFormatError(idx, "delete requires complete keys"))
			continue
		}
		tx.mutation.Delete = append(tx.mutation.Delete, k)
	}

	tx.mutation.Force = tx.mutation.Force || force
	return tx
}

// DeleteEntities adds the keys of entities to the delete set.
func (tx *Transaction) DeleteEntities(force bool, entities ...*Entity) *Transaction {
	keys := make([]*Key, 0, len(entities))
	for _, e := range entities {
		if e == nil {
			keys = append(keys, nil)
			continue
		}
		keys = append(keys, e.Key)
	}

	return tx.Delete(force, keys...)
}

func (tx *Transaction) appendEntities(bag, entities []*Entity) []*Entity {
	for idx, e := range entities {
		if e == nil || e.Key == nil {
			tx.fail(errors.NewInvalidKeyFormatError(idx, "entity has no key"))
			continue
		}
		if e.Key.Incomplete() {
			tx.fail(errors.NewInvalidKeyFormatError(idx, "entity key is incomplete"))
			continue
		}
		bag = append(bag, e)
	}
	return bag
}

func (tx *Transaction) fail(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

// Commit submits the accumulated mutations. A transactional commit requires an
// active handle, a non transactional one does not. On success the handle and
// all mutation sets are cleared. A response carrying errors is returned as is
// and leaves the transaction untouched.
func (tx *Transaction) Commit(ctx context.Context, nonTransactional bool) (result *CommitResult, err error) {
	ctx, span := tx.ds.startSpan(ctx, "commit", opCommit, tx.ds.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if tx.err != nil {
		err = tx.err
		return nil, err
	}

	mode := modeTransactional
	if nonTransactional {
		mode = modeNonTransactional
	} else if !tx.Active() {
		err = errors.NewTransactionStateError("commit requires an active transaction")
		return nil, err
	}

	payload := struct {
		Transaction string   `json:"transaction,omitempty"`
		Mode        string   `json:"mode"`
		Mutation    mutation `json:"mutation"`
	}{
		Transaction: tx.handle,
		Mode:        mode,
		Mutation:    tx.namespaced(),
	}

	env, err := tx.ds.call(ctx, opCommit, payload)
	if err != nil {
		return nil, err
	}

	result = &CommitResult{Envelope: env}

	if !env.OK() {
		logging.GetFromContext(ctx).Warn("commit failed", slog.Int("status_code", env.StatusCode))
		return result, nil
	}

	response := struct {
		MutationResult struct {
			IndexUpdates     int    `json:"indexUpdates"`
			InsertAutoIDKeys []*Key `json:"insertAutoIdKeys"`
		} `json:"mutationResult"`
	}{}

	err = env.Decode(&response)
	if err != nil {
		return nil, err
	}

	result.IndexUpdates = response.MutationResult.IndexUpdates
	result.InsertAutoIDKeys = response.MutationResult.InsertAutoIDKeys

	tx.reset()

	return result, nil
}

// Rollback abandons the transaction. Local state is discarded whatever the
// response, as long as the call itself completed.
func (tx *Transaction) Rollback(ctx context.Context) (env *gcloud.Envelope, err error) {
	ctx, span := tx.ds.startSpan(ctx, "rollback", opRollback, tx.ds.namespace)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if !tx.Active() {
		err = errors.NewTransactionStateError("rollback requires an active transaction")
		return nil, err
	}

	env, err = tx.ds.call(ctx, opRollback, map[string]string{"transaction": tx.handle})
	if err != nil {
		return nil, err
	}

	tx.reset()

	return env, nil
}

func (tx *Transaction) reset() {
	if tx.handle != "" {
		tx.ds.clearActiveTransaction(tx.handle)
	}

	tx.handle = ""
	tx.mutation = mutation{}
	tx.err = nil
}

// Mutations returns the number of queued upserts, inserts, updates and deletes.
func (tx *Transaction) Mutations() (upserts, inserts, updates, deletes int) {
	m := tx.mutation
	return len(m.Upsert), len(m.Insert) + len(m.InsertAutoID), len(m.Update), len(m.Delete)
}

func (tx *Transaction) namespaced() mutation {
	m := tx.mutation

	if tx.ds.namespace == "" {
		return m
	}

	withNS := func(entities []*Entity) []*Entity {
		result := make([]*Entity, 0, len(entities))
		for _, e := range entities {
			if e.Key.PartitionID == nil {
				c := *e
				c.Key = e.Key.WithNamespace(tx.ds.namespace)
				e = &c
			}
			result = append(result, e)
		}
		return result
	}

	m.Upsert = withNS(m.Upsert)
	m.Update = withNS(m.Update)
	m.Insert = withNS(m.Insert)
	m.InsertAutoID = withNS(m.InsertAutoID)
	m.Delete = tx.ds.withNamespace(m.Delete)

	return m
}
