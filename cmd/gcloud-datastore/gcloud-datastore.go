package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/diwise/gcloud-datastore/pkg/gcloud"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/auth"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/config"
	"github.com/diwise/gcloud-datastore/pkg/gcloud/datastore"
	gcerrors "github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	appName string = "gcloud-datastore"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	var configPath, gql string
	var literals bool
	args := queryArgs{}

	flag.StringVar(&configPath, "config", env.GetVariableOrDefault(ctx, "GCLOUD_CONFIG", ""), "path to a yaml configuration file")
	flag.StringVar(&gql, "gql", "", "gql query to run")
	flag.BoolVar(&literals, "literals", false, "allow literals in the gql query")
	flag.Var(args, "arg", "named gql argument as name=value, may be repeated")
	flag.Parse()

	if gql == "" {
		log.Error("no query supplied, use -gql")
		os.Exit(1)
	}

	cfg, err := loadConfiguration(ctx, configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	creds, err := loadCredentials(cfg.CredentialsFile)
	if err != nil {
		log.Error("failed to load credentials", "err", err.Error())
		os.Exit(1)
	}

	if cfg.Project == "" {
		cfg.Project = creds.ProjectID
	}

	session, err := gcloud.NewSessionFromConfig(cfg, *creds)
	if err != nil {
		log.Error("failed to create session", "err", err.Error())
		os.Exit(1)
	}

	ds := datastore.NewFromConfig(session, cfg)

	count, err := run(ctx, ds, gql, literals, args, os.Stdout)
	if err != nil {
		log.Error("query failed", "err", err.Error())
		os.Exit(1)
	}

	log.Info("done", slog.String("project", cfg.Project), slog.Int("count", count))
}

func loadConfiguration(ctx context.Context, path string) (*config.Config, error) {
	cfg := config.New()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		cfg, err = config.LoadConfiguration(f)
		if err != nil {
			return nil, err
		}
	}

	return cfg.ApplyEnvironment(ctx), nil
}

func loadCredentials(path string) (*auth.Credentials, error) {
	if path == "" {
		return nil, fmt.Errorf("no credentials file configured")
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return auth.NewCredentialsFromJSON(body)
}

// queryArgs collects repeated -arg name=value flags. Values that parse as
// integers, numbers or booleans are bound as such, anything else as a string.
type queryArgs map[string]any

func (a queryArgs) String() string {
	pairs := make([]string, 0, len(a))
	for name, value := range a {
		pairs = append(pairs, fmt.Sprintf("%s=%v", name, value))
	}
	return strings.Join(pairs, ",")
}

func (a queryArgs) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		a[name] = i
	} else if f, err := strconv.ParseFloat(value, 64); err == nil {
		a[name] = f
	} else if b, err := strconv.ParseBool(value); err == nil {
		a[name] = b
	} else {
		a[name] = value
	}

	return nil
}

// run pages through every result of the query and writes one json document per
// entity to w. A query without arguments has nothing to carry the cursor, so
// only its first batch is written.
func run(ctx context.Context, ds *datastore.Datastore, gql string, literals bool, args map[string]any, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)

	var writeErr error

	q := ds.NewGQLQuery(strings.TrimSpace(gql)).AllowLiteral(literals)
	for name, value := range args {
		q.NameArg(name, value)
	}

	count, err := datastore.QueryAll(ctx, q, toRecord, func(r record) {
		if writeErr == nil {
			writeErr = enc.Encode(r)
		}
	})
	if errors.Is(err, gcerrors.ErrCursorNotBound) {
		logging.GetFromContext(ctx).Warn("output truncated after the first batch, bind an argument with -arg to page through all results", slog.Int("count", count))
		err = nil
	}
	if err != nil {
		return count, err
	}

	return count, writeErr
}

type record struct {
	Key        string         `json:"key"`
	Properties map[string]any `json:"properties"`
}

func toRecord(e *datastore.Entity) (record, error) {
	r := record{Properties: e.Values()}
	if e.Key != nil {
		r.Key = e.Key.String()
	}
	return r, nil
}
