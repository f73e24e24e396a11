package gcloud

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

// Envelope is the uniform outcome of an authenticated call. Body is set for 2xx
// responses and Errors for everything else; neither is ever both.
type Envelope struct {
	Body       any `json:"body"`
	Errors     any `json:"errors"`
	StatusCode int `json:"statusCode"`

	raw []byte
}

func NewEnvelope(statusCode int, body []byte) *Envelope {
	e := &Envelope{
		StatusCode: statusCode,
		raw:        body,
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		if len(body) == 0 {
			return e
		}

		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			e.Body = string(body)
		} else {
			e.Body = parsed
		}

		return e
	}

	apiError := struct {
		Error *struct {
			Errors json.RawMessage `json:"errors"`
		} `json:"error"`
	}{}

	if err := json.Unmarshal(body, &apiError); err == nil && apiError.Error != nil && len(apiError.Error.Errors) > 0 {
		var errs any
		if json.Unmarshal(apiError.Error.Errors, &errs) == nil && errs != nil {
			e.Errors = errs
			return e
		}
	}

	e.Errors = string(body)

	return e
}

func (e *Envelope) OK() bool {
	return e.StatusCode >= http.StatusOK && e.StatusCode < http.StatusMultipleChoices
}

// Raw returns the unparsed response body.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// Decode unmarshals the raw body of a successful response into v.
func (e *Envelope) Decode(v any) error {
	if !e.OK() {
		return fmt.Errorf("cannot decode response with status code %d (%w)", e.StatusCode, errors.ErrBadResponse)
	}

	if len(e.raw) == 0 {
		return nil
	}

	err := json.Unmarshal(e.raw, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	return nil
}
