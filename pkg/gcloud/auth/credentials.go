package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

// Credentials holds the service account identity used to sign token assertions.
type Credentials struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// NewCredentialsFromJSON parses a service account key document.
func NewCredentialsFromJSON(body []byte) (*Credentials, error) {
	creds := &Credentials{}

	err := json.Unmarshal(body, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %s (%w)", err.Error(), errors.ErrAuth)
	}

	creds.ClientEmail = strings.TrimSpace(creds.ClientEmail)

	if creds.ClientEmail == "" {
		return nil, errors.NewAuthError("credentials lack a client_email")
	}

	if strings.TrimSpace(creds.PrivateKey) == "" {
		return nil, errors.NewAuthError("credentials lack a private_key")
	}

	return creds, nil
}
