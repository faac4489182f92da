// Package transport implements the source and destination adapters of workflows: HTTP(S)
// endpoints ("uri"), objects of a storage connection ("file") and the platform API ("api").
// Adapters are created by type name through a Registry; auth providers decorate requests.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

const moduleName = "transport"

// Source produces the raw bytes of a fetch. The caller closes the returned reader.
type Source interface {
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// Destination receives serialized output.
type Destination interface {
	Push(ctx context.Context, data []byte, contentType string) error
}

// Method is an HTTP method accepted by the uri and api adapters.
type Method string

const (
	MethodGet     Method = http.MethodGet
	MethodPost    Method = http.MethodPost
	MethodPut     Method = http.MethodPut
	MethodPatch   Method = http.MethodPatch
	MethodDelete  Method = http.MethodDelete
	MethodHead    Method = http.MethodHead
	MethodOptions Method = http.MethodOptions
)

// ParseMethod normalizes s, returning def when s is empty.
func ParseMethod(s string, def Method) (Method, error) {
	if s == "" {
		return def, nil
	}
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return m, nil
	}
	return "", exception.Newf(exception.ConfigError, moduleName, "unsupported HTTP method '%s'", s)
}

// RequiresBody reports whether requests with this method carry a body.
func (m Method) RequiresBody() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Env holds what adapters need besides their own config.
type Env struct {
	Storage    storage.StorageConnectionResolver // For "file" adapters.
	APIBaseURL string                            // For "api" adapters with an endpoint.
	HTTPClient *http.Client                      // Shared transport; nil means http.DefaultTransport.
	Timeout    time.Duration                     // Default request timeout when the config sets none.
}

// SourceFactory builds a Source from its spec. Factories validate config and do no I/O.
type SourceFactory func(env *Env, spec *dsl.SourceSpec) (Source, error)

// DestinationFactory builds a Destination from its spec. Factories validate config and do no I/O.
type DestinationFactory func(env *Env, spec *dsl.DestinationSpec) (Destination, error)

// Registry maps adapter type names to factories.
type Registry struct {
	env          *Env
	mu           sync.RWMutex
	sources      map[string]SourceFactory
	destinations map[string]DestinationFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry(env Env) *Registry {
	if env.HTTPClient == nil {
		env.HTTPClient = &http.Client{}
	}
	return &Registry{
		env:          &env,
		sources:      make(map[string]SourceFactory),
		destinations: make(map[string]DestinationFactory),
	}
}

// DefaultRegistry creates a Registry with the uri, file and api adapters.
func DefaultRegistry(env Env) *Registry {
	r := NewRegistry(env)
	r.RegisterSource(TypeURI, newURISource)
	r.RegisterDestination(TypeURI, newURIDestination)
	r.RegisterSource(TypeFile, newFileSource)
	r.RegisterDestination(TypeFile, newFileDestination)
	r.RegisterSource(TypeAPI, newAPISource)
	r.RegisterDestination(TypeAPI, newAPIDestination)
	return r
}

// RegisterSource adds or replaces a source factory.
func (r *Registry) RegisterSource(sourceType string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[sourceType] = f
}

// RegisterDestination adds or replaces a destination factory.
func (r *Registry) RegisterDestination(destinationType string, f DestinationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[destinationType] = f
}

// NewSource builds the source described by spec.
func (r *Registry) NewSource(spec *dsl.SourceSpec) (Source, error) {
	if spec == nil {
		return nil, exception.New(exception.ConfigError, moduleName, "source is not configured", nil)
	}
	r.mu.RLock()
	f, ok := r.sources[spec.SourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, exception.Newf(exception.ConfigError, moduleName, "unknown source type '%s' (known: %s)",
			spec.SourceType, strings.Join(keys(r.sources, &r.mu), ", "))
	}
	return f(r.env, spec)
}

// NewDestination builds the destination described by spec.
func (r *Registry) NewDestination(spec *dsl.DestinationSpec) (Destination, error) {
	if spec == nil {
		return nil, exception.New(exception.ConfigError, moduleName, "destination is not configured", nil)
	}
	r.mu.RLock()
	f, ok := r.destinations[spec.DestinationType]
	r.mu.RUnlock()
	if !ok {
		return nil, exception.Newf(exception.ConfigError, moduleName, "unknown destination type '%s' (known: %s)",
			spec.DestinationType, strings.Join(keys(r.destinations, &r.mu), ", "))
	}
	return f(r.env, spec)
}

// ValidateSource checks a source spec without contacting the source.
func (r *Registry) ValidateSource(spec *dsl.SourceSpec) error {
	_, err := r.NewSource(spec)
	return err
}

// ValidateDestination checks a destination spec without contacting the destination.
func (r *Registry) ValidateDestination(spec *dsl.DestinationSpec) error {
	_, err := r.NewDestination(spec)
	return err
}

func keys[F any](m map[string]F, mu *sync.RWMutex) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func configErrorf(format string, a ...interface{}) error {
	return exception.Newf(exception.ConfigError, moduleName, format, a...)
}

// drain discards the rest of body and closes it so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

func describeStatus(resp *http.Response) string {
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
