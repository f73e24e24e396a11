package datastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Pager is implemented by Query and GQLQuery.
type Pager interface {
	Execute(ctx context.Context) (*QueryResponse, error)
	Next(ctx context.Context) (*QueryResponse, error)
}

// QueryAll pages through every result of q, converting each entity and
// handing it to callback. It returns the number of entities seen.
func QueryAll[T any](ctx context.Context, q Pager, convert func(*Entity) (T, error), callback func(t T)) (count int, err error) {

	logger := logging.GetFromContext(ctx)

	page, err := q.Execute(ctx)

	for page != nil {
		if !page.OK() {
			logger.Error("query failed", slog.Int("status_code", page.Envelope.StatusCode), slog.Any("errors", page.Envelope.Errors))
			err = fmt.Errorf("query returned status code %d (%w)", page.Envelope.StatusCode, errors.ErrBadResponse)
			return
		}

		for _, e := range page.Entities {
			var t T
			t, err = convert(e)
			if err != nil {
				err = fmt.Errorf("failed to convert entity %s: %w", e.Key, err)
				return
			}
			callback(t)
		}

		count += len(page.Entities)

		page, err = q.Next(ctx)
	}

	return
}

// Records converts entities into their native property maps.
func Records(e *Entity) (map[string]any, error) {
	return e.Values(), nil
}
