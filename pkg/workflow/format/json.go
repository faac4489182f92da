package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

type jsonOptions struct {
	AsArray  *bool  `yaml:"as_array"`  // Array output; NDJSON when false.
	RootPath string `yaml:"root_path"` // JSONPath of the record array inside an envelope, e.g. "$.data.items".
	Pretty   bool   `yaml:"pretty"`    // Indent array output.
}

// JSONHandler reads JSON arrays, NDJSON and single objects, and writes arrays or NDJSON.
type JSONHandler struct {
	formatType   string
	arrayDefault bool
}

var _ Handler = (*JSONHandler)(nil)

// NewJSONHandler creates the "json" handler (array output by default).
func NewJSONHandler() *JSONHandler {
	return &JSONHandler{formatType: "json", arrayDefault: true}
}

// NewNDJSONHandler creates the "ndjson" handler (line output by default).
func NewNDJSONHandler() *JSONHandler {
	return &JSONHandler{formatType: "ndjson", arrayDefault: false}
}

// Type implements Handler.
func (h *JSONHandler) Type() string { return h.formatType }

// ContentType implements Handler.
func (h *JSONHandler) ContentType(opts Options) string {
	o, err := h.options(opts)
	if err == nil && !h.asArray(o) {
		return "application/x-ndjson"
	}
	return "application/json"
}

func (h *JSONHandler) options(opts Options) (*jsonOptions, error) {
	var o jsonOptions
	if err := bindOptions(h.formatType, opts, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (h *JSONHandler) asArray(o *jsonOptions) bool {
	if o.AsArray == nil {
		return h.arrayDefault
	}
	return *o.AsArray
}

// ValidateOptions implements Handler.
func (h *JSONHandler) ValidateOptions(opts Options) error {
	o, err := h.options(opts)
	if err != nil {
		return err
	}
	if o.RootPath != "" {
		if _, err := jsonpath.Compile(normalizeRootPath(o.RootPath)); err != nil {
			return exception.Newf(exception.ConfigError, moduleName, "invalid root_path %q", o.RootPath, err)
		}
	}
	return nil
}

// Parse implements Handler. Without root_path the payload is tried, in order, as a JSON array,
// as NDJSON (at least one line must decode; bad lines are skipped) and as a single object.
func (h *JSONHandler) Parse(data []byte, opts Options) ([]Record, error) {
	o, err := h.options(opts)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(data) == 0 {
		return []Record{}, nil
	}

	if o.RootPath != "" {
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, exception.New(exception.ParseError, moduleName, "payload is not a JSON document", err)
		}
		v, err := jsonpath.JsonPathLookup(doc, normalizeRootPath(o.RootPath))
		if err != nil {
			return nil, exception.Newf(exception.ParseError, moduleName, "root_path %q not found", o.RootPath, err)
		}
		return toRecords(v)
	}

	if data[0] == '[' {
		var arr []interface{}
		if err := json.Unmarshal(data, &arr); err == nil {
			return toRecords(arr)
		}
	}
	if records, ok := parseNDJSON(data); ok {
		return records, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil && obj != nil {
		return []Record{obj}, nil
	}
	return nil, parseErrorf("payload is neither a JSON array, NDJSON nor a JSON object")
}

func parseNDJSON(data []byte) ([]Record, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var records []Record
	failed := 0
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(text, &rec); err != nil || rec == nil {
			failed++
			logger.Debugf("ndjson: line %d skipped: not a JSON object", line)
			continue
		}
		records = append(records, rec)
	}
	if scanner.Err() != nil || len(records) == 0 {
		return nil, false
	}
	if failed > 0 {
		logger.Warnf("ndjson: %d line(s) could not be decoded and were skipped", failed)
	}
	return records, true
}

func toRecords(v interface{}) ([]Record, error) {
	switch t := v.(type) {
	case []interface{}:
		records := make([]Record, 0, len(t))
		for i, el := range t {
			rec, ok := el.(map[string]interface{})
			if !ok {
				return nil, parseErrorf("element %d is not a JSON object", i)
			}
			records = append(records, rec)
		}
		return records, nil
	case map[string]interface{}:
		return []Record{t}, nil
	case nil:
		return []Record{}, nil
	}
	return nil, parseErrorf("expected an array of objects, got %T", v)
}

func normalizeRootPath(p string) string {
	if strings.HasPrefix(p, "$") || strings.HasPrefix(p, "@") {
		return p
	}
	return "$." + strings.TrimPrefix(p, ".")
}

// Serialize implements Handler.
func (h *JSONHandler) Serialize(records []Record, opts Options) ([]byte, error) {
	o, err := h.options(opts)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	if h.asArray(o) {
		var out []byte
		if o.Pretty {
			out, err = json.MarshalIndent(records, "", "  ")
		} else {
			out, err = json.Marshal(records)
		}
		if err != nil {
			return nil, exception.New(exception.ParseError, moduleName, "records cannot be encoded as JSON", err)
		}
		return out, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, exception.Newf(exception.ParseError, moduleName, "record %d cannot be encoded as JSON", i, err)
		}
	}
	return buf.Bytes(), nil
}
