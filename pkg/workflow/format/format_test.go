package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

func TestJSONHandler_RoundTrip(t *testing.T) {
	h := NewJSONHandler()
	records := []Record{
		{"sku": "A-1", "price": 10.5, "tags": []interface{}{"x", "y"}},
		{"sku": "B-2", "price": nil, "meta": map[string]interface{}{"origin": "de"}},
		{},
	}

	data, err := h.Serialize(records, Options{"as_array": true})
	require.NoError(t, err)
	assert.Equal(t, byte('['), data[0])

	parsed, err := h.Parse(data, nil)
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestJSONHandler_NDJSONOutput(t *testing.T) {
	h := NewJSONHandler()
	data, err := h.Serialize([]Record{{"a": 1.0}, {"b": 2.0}}, Options{"as_array": false})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(data))
	assert.Equal(t, "application/x-ndjson", h.ContentType(Options{"as_array": "false"}))

	nd := NewNDJSONHandler()
	data, err = nd.Serialize([]Record{{"a": 1.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(data))
}

func TestJSONHandler_Fallbacks(t *testing.T) {
	h := NewJSONHandler()

	records, err := h.Parse([]byte("{\"a\":1}\n{\"b\":2}"), nil)
	require.NoError(t, err)
	assert.Equal(t, []Record{{"a": 1.0}, {"b": 2.0}}, records)

	records, err = h.Parse([]byte("{\"a\":1}\nbroken line\n{\"b\":2}\n"), nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = h.Parse([]byte("{\n  \"a\": {\n    \"b\": 1\n  }\n}"), nil)
	require.NoError(t, err)
	assert.Equal(t, []Record{{"a": map[string]interface{}{"b": 1.0}}}, records)

	_, err = h.Parse([]byte("not json at all"), nil)
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.ParseError))

	records, err = h.Parse([]byte("   "), nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = h.Parse([]byte(`[1, 2]`), nil)
	assert.True(t, exception.IsKind(err, exception.ParseError))
}

func TestJSONHandler_RootPath(t *testing.T) {
	h := NewJSONHandler()
	payload := []byte(`{"meta":{"page":1},"data":{"items":[{"id":1},{"id":2}]}}`)

	records, err := h.Parse(payload, Options{"root_path": "$.data.items"})
	require.NoError(t, err)
	assert.Equal(t, []Record{{"id": 1.0}, {"id": 2.0}}, records)

	records, err = h.Parse(payload, Options{"root_path": "data.items"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = h.Parse(payload, Options{"root_path": "$.missing"})
	assert.True(t, exception.IsKind(err, exception.ParseError))
}

func TestCSVHandler(t *testing.T) {
	h := NewCSVHandler()

	records, err := h.Parse([]byte("sku;price;active\nA-1; 10.5 ;true\nB-2;3;false\n"), Options{
		"delimiter":   ";",
		"infer_types": true,
		"trim_space":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{"sku": "A-1", "price": 10.5, "active": true},
		{"sku": "B-2", "price": int64(3), "active": false},
	}, records)

	records, err = h.Parse([]byte("A-1,10\n"), Options{"has_header": false, "columns": []interface{}{"sku", "qty"}})
	require.NoError(t, err)
	assert.Equal(t, []Record{{"sku": "A-1", "qty": "10"}}, records)

	out, err := h.Serialize([]Record{{"b": 2.0, "a": "x,y"}, {"a": nil, "c": map[string]interface{}{"k": "v"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n\"x,y\",2,\n,,\"{\"\"k\"\":\"\"v\"\"}\"\n", string(out))

	_, err = h.Parse([]byte("a,\"b\n"), nil)
	assert.True(t, exception.IsKind(err, exception.ParseError))
}

func TestCSVHandler_ValidateOptions(t *testing.T) {
	h := NewCSVHandler()
	assert.NoError(t, h.ValidateOptions(Options{"delimiter": "\t"}))
	assert.True(t, exception.IsKind(h.ValidateOptions(Options{"delimiter": "::"}), exception.ConfigError))
	assert.True(t, exception.IsKind(h.ValidateOptions(Options{"has_header": false}), exception.ConfigError))
}

func TestYAMLHandler(t *testing.T) {
	h := NewYAMLHandler()
	records, err := h.Parse([]byte("- name: a\n  qty: 1\n- name: b\n  qty: 2\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, []Record{{"name": "a", "qty": 1}, {"name": "b", "qty": 2}}, records)

	records, err = h.Parse([]byte("name: a\n---\nname: b\n"), nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	out, err := h.Serialize([]Record{{"name": "a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "- name: a\n", string(out))

	_, err = h.Parse([]byte("- 1\n- 2\n"), nil)
	assert.True(t, exception.IsKind(err, exception.ParseError))
}

func TestParquetHandler_RoundTrip(t *testing.T) {
	h := NewParquetHandler()
	records := []Record{
		{"name": "a", "qty": 2.0, "price": 1.5, "active": true},
		{"name": "b", "qty": 3.0, "price": nil, "active": false},
	}

	data, err := h.Serialize(records, Options{"compression": "none"})
	require.NoError(t, err)

	parsed, err := h.Parse(data, nil)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{"name": "a", "qty": int64(2), "price": 1.5, "active": true},
		{"name": "b", "qty": int64(3), "price": nil, "active": false},
	}, parsed)

	assert.True(t, exception.IsKind(h.ValidateOptions(Options{"compression": "lz4"}), exception.ConfigError))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"csv", "json", "ndjson", "parquet", "yaml"}, r.Types())

	h, err := r.Get("JSON")
	require.NoError(t, err)
	assert.Equal(t, "json", h.Type())

	_, err = r.Get("xml")
	assert.True(t, exception.IsKind(err, exception.ConfigError))
	assert.True(t, exception.IsKind(r.ValidateOptions("json", Options{"root_path": "$["}), exception.ConfigError))
}
