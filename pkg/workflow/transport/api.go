package transport

import (
	"context"
	"io"
	"strings"

	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// An "api" source with an endpoint fetches api_base_url + endpoint. Without an endpoint the
// workflow only receives pushed bodies (see Orchestrator.StageInbound) and Fetch fails.
type apiSource struct {
	inner Source
}

func apiURIConfig(env *Env, raw map[string]interface{}) (*URIConfig, bool, error) {
	cfg, err := bindURIConfig(raw)
	if err != nil {
		return nil, false, err
	}
	endpoint, _ := raw["endpoint"].(string)
	if endpoint == "" {
		return cfg, false, nil
	}
	if env.APIBaseURL == "" {
		return nil, false, configErrorf("api endpoint '%s' needs workflow.api_base_url to be configured", endpoint)
	}
	cfg.URI = strings.TrimRight(env.APIBaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	return cfg, true, nil
}

func newAPISource(env *Env, spec *dsl.SourceSpec) (Source, error) {
	cfg, hasEndpoint, err := apiURIConfig(env, spec.Config)
	if err != nil {
		return nil, err
	}
	if !hasEndpoint {
		return &apiSource{}, nil
	}
	ep, err := newHTTPEndpoint(env, cfg, spec.Auth, MethodGet, exception.FetchError)
	if err != nil {
		return nil, err
	}
	return &apiSource{inner: &uriSource{endpoint: ep}}, nil
}

// Fetch implements Source.
func (s *apiSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	if s.inner == nil {
		return nil, exception.New(exception.ConfigError, moduleName,
			"api source without endpoint accepts pushed data only", nil)
	}
	return s.inner.Fetch(ctx)
}

func newAPIDestination(env *Env, spec *dsl.DestinationSpec) (Destination, error) {
	cfg, hasEndpoint, err := apiURIConfig(env, spec.Config)
	if err != nil {
		return nil, err
	}
	if !hasEndpoint {
		return nil, configErrorf("api destination requires an 'endpoint'")
	}
	return newPushEndpoint(env, cfg, spec.Auth)
}
