// Package format provides the codecs that turn fetched bytes into records and records back
// into bytes.
package format

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// Record is one structured record.
type Record = map[string]interface{}

// Options are the format options of a workflow step (`format.options`).
type Options = map[string]interface{}

// Handler is a format codec.
type Handler interface {
	// Type returns the format_type the handler is registered under.
	Type() string
	// Parse decodes data into records.
	Parse(data []byte, opts Options) ([]Record, error)
	// Serialize encodes records.
	Serialize(records []Record, opts Options) ([]byte, error)
	// ValidateOptions checks options without touching data. Called when a workflow is saved.
	ValidateOptions(opts Options) error
	// ContentType is the media type of serialized output.
	ContentType(opts Options) string
}

// Registry maps format types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewJSONHandler())
	r.Register(NewNDJSONHandler())
	r.Register(NewCSVHandler())
	r.Register(NewYAMLHandler())
	r.Register(NewParquetHandler())
	return r
}

// Register adds or replaces a handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(h.Type())] = h
}

// Get returns the handler for formatType.
func (r *Registry) Get(formatType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(formatType)]
	if !ok {
		return nil, exception.Newf(exception.ConfigError, moduleName, "unknown format type %q", formatType)
	}
	return h, nil
}

// Types lists the registered format types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateOptions looks up the handler for formatType and validates opts against it.
func (r *Registry) ValidateOptions(formatType string, opts Options) error {
	h, err := r.Get(formatType)
	if err != nil {
		return err
	}
	return h.ValidateOptions(opts)
}

const moduleName = "format"

func parseErrorf(format string, a ...interface{}) error {
	return exception.Newf(exception.ParseError, moduleName, format, a...)
}

// bindOptions decodes and validates options into a typed struct; failures are ConfigErrors.
func bindOptions(formatType string, opts Options, target interface{}) error {
	if err := configbinder.BindAndValidate(opts, target); err != nil {
		return exception.New(exception.ConfigError, moduleName, fmt.Sprintf("invalid %s options", formatType), err)
	}
	return nil
}

// sortedKeys returns the union of record keys, sorted.
func sortedKeys(records []Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
