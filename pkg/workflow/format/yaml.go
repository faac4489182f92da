package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

type yamlOptions struct {
	Documents bool `yaml:"documents"` // Write one YAML document per record instead of a sequence.
}

// YAMLHandler reads sequences of mappings (or a single mapping, across any number of
// documents) and writes a sequence.
type YAMLHandler struct{}

var _ Handler = (*YAMLHandler)(nil)

// NewYAMLHandler creates the "yaml" handler.
func NewYAMLHandler() *YAMLHandler {
	return &YAMLHandler{}
}

// Type implements Handler.
func (h *YAMLHandler) Type() string { return "yaml" }

// ContentType implements Handler.
func (h *YAMLHandler) ContentType(Options) string { return "application/yaml" }

// ValidateOptions implements Handler.
func (h *YAMLHandler) ValidateOptions(opts Options) error {
	var o yamlOptions
	return bindOptions("yaml", opts, &o)
}

// Parse implements Handler.
func (h *YAMLHandler) Parse(data []byte, opts Options) ([]Record, error) {
	if err := h.ValidateOptions(opts); err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	records := []Record{}
	for doc := 0; ; doc++ {
		var v interface{}
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, exception.Newf(exception.ParseError, moduleName, "yaml document %d", doc, err)
		}
		switch t := normalizeYAML(v).(type) {
		case nil:
		case map[string]interface{}:
			records = append(records, t)
		case []interface{}:
			for i, el := range t {
				rec, ok := el.(map[string]interface{})
				if !ok {
					return nil, parseErrorf("yaml document %d, element %d is not a mapping", doc, i)
				}
				records = append(records, rec)
			}
		default:
			return nil, parseErrorf("yaml document %d is a %T, expected a mapping or a sequence", doc, t)
		}
	}
	return records, nil
}

// normalizeYAML converts mappings with non-string keys into string-keyed maps.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, el := range t {
			t[k] = normalizeYAML(el)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, el := range t {
			out[fmt.Sprint(k)] = normalizeYAML(el)
		}
		return out
	case []interface{}:
		for i, el := range t {
			t[i] = normalizeYAML(el)
		}
		return t
	}
	return v
}

// Serialize implements Handler.
func (h *YAMLHandler) Serialize(records []Record, opts Options) ([]byte, error) {
	var o yamlOptions
	if err := bindOptions("yaml", opts, &o); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if o.Documents {
		for i, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return nil, exception.Newf(exception.ParseError, moduleName, "record %d cannot be encoded as yaml", i, err)
			}
		}
	} else {
		if records == nil {
			records = []Record{}
		}
		if err := enc.Encode(records); err != nil {
			return nil, exception.New(exception.ParseError, moduleName, "records cannot be encoded as yaml", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "yaml encoder close failed", err)
	}
	return buf.Bytes(), nil
}
