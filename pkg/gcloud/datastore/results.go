package datastore

import (
	"github.com/diwise/gcloud-datastore/pkg/gcloud"
)

type MoreResults string

const (
	NotFinished           MoreResults = "NOT_FINISHED"
	MoreResultsAfterLimit MoreResults = "MORE_RESULTS_AFTER_LIMIT"
	NoMoreResults         MoreResults = "NO_MORE_RESULTS"
)

type entityResult struct {
	Entity *Entity `json:"entity"`
}

type LookupResult struct {
	Envelope *gcloud.Envelope

	Found    []*Entity
	Missing  []*Key
	Deferred []*Key
}

type AllocateIDsResult struct {
	Envelope *gcloud.Envelope

	Keys []*Key
}

// CommitResult holds the outcome of a commit. When the envelope carries errors
// the transaction is left untouched and may be committed again.
type CommitResult struct {
	Envelope *gcloud.Envelope

	IndexUpdates     int
	InsertAutoIDKeys []*Key
}

func (r *CommitResult) OK() bool {
	return r.Envelope != nil && r.Envelope.OK()
}

// QueryResponse is one page of query results.
type QueryResponse struct {
	Envelope *gcloud.Envelope

	Entities       []*Entity
	EndCursor      string
	MoreResults    MoreResults
	SkippedResults int
}

func (r *QueryResponse) OK() bool {
	return r.Envelope != nil && r.Envelope.OK()
}

// Records decodes every returned entity into its native property map.
func (r *QueryResponse) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Entities))
	for _, e := range r.Entities {
		records = append(records, e.Values())
	}
	return records
}

type queryResultBatch struct {
	EntityResultType string         `json:"entityResultType"`
	EntityResults    []entityResult `json:"entityResults"`
	EndCursor        string         `json:"endCursor"`
	MoreResults      MoreResults    `json:"moreResults"`
	SkippedResults   int            `json:"skippedResults"`
}

type runQueryResponse struct {
	Batch queryResultBatch `json:"batch"`
}
