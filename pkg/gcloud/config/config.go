package config

import (
	"context"
	"io"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultTokenEndpoint     string = "https://accounts.google.com/o/oauth2/token"
	DefaultDatastoreEndpoint string = "https://www.googleapis.com/datastore/v1beta2/datasets"

	CloudPlatformScope string = "https://www.googleapis.com/auth/cloud-platform"
	DatastoreScope     string = "https://www.googleapis.com/auth/datastore"
	UserInfoEmailScope string = "https://www.googleapis.com/auth/userinfo.email"
)

var DefaultScopes = []string{CloudPlatformScope, DatastoreScope, UserInfoEmailScope}

type Config struct {
	Project           string   `yaml:"project"`
	Namespace         string   `yaml:"namespace"`
	CredentialsFile   string   `yaml:"credentialsFile"`
	TokenEndpoint     string   `yaml:"tokenEndpoint"`
	DatastoreEndpoint string   `yaml:"datastoreEndpoint"`
	Scopes            []string `yaml:"scopes"`
	Debug             bool     `yaml:"debug"`
}

func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return cfg, nil
}

// ApplyEnvironment lets GCLOUD_* environment variables override loaded values.
func (cfg *Config) ApplyEnvironment(ctx context.Context) *Config {
	cfg.Project = env.GetVariableOrDefault(ctx, "GCLOUD_PROJECT", cfg.Project)
	cfg.Namespace = env.GetVariableOrDefault(ctx, "GCLOUD_NAMESPACE", cfg.Namespace)
	cfg.CredentialsFile = env.GetVariableOrDefault(ctx, "GCLOUD_CREDENTIALS", cfg.CredentialsFile)
	cfg.TokenEndpoint = env.GetVariableOrDefault(ctx, "GCLOUD_TOKEN_ENDPOINT", cfg.TokenEndpoint)
	cfg.DatastoreEndpoint = env.GetVariableOrDefault(ctx, "GCLOUD_DATASTORE_ENDPOINT", cfg.DatastoreEndpoint)

	debug := "false"
	if cfg.Debug {
		debug = "true"
	}
	cfg.Debug = strings.EqualFold(env.GetVariableOrDefault(ctx, "GCLOUD_DEBUG", debug), "true")

	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = DefaultTokenEndpoint
	}

	if cfg.DatastoreEndpoint == "" {
		cfg.DatastoreEndpoint = DefaultDatastoreEndpoint
	}
	cfg.DatastoreEndpoint = strings.TrimSuffix(cfg.DatastoreEndpoint, "/")

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string{}, DefaultScopes...)
	}
}
