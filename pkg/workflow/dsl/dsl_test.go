package dsl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

const csvSource = `"source":{"source_type":"uri","config":{"uri":"http://example.test/data.csv"}},"format":{"format_type":"csv"}`

func mustParse(t *testing.T, config string) *Program {
	t.Helper()
	p, err := Parse([]byte(config))
	require.NoError(t, err)
	return p
}

func TestApply_LastSegmentFallback(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`,"mapping":{"csv.price":"price"}},"to":{"type":"next_step"}}]}`)

	out, err := p.Apply(map[string]interface{}{"price": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, float64(10), out["price"])
}

func TestApply_MissingFieldResolvesToNull(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`,"mapping":{"name":"name"}},"to":{"type":"next_step"}}]}`)

	out, err := p.Apply(map[string]interface{}{"other": "x"})
	require.NoError(t, err)
	v, ok := out["name"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestApply_Arithmetic(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`},
		"transform":{"type":"arithmetic","target":"total","left":{"kind":"field","field":"price"},"op":"add","right":{"kind":"const","value":5.0}},
		"to":{"type":"next_step","mapping":{"total":"total"}}}]}`)

	out, err := p.Apply(map[string]interface{}{"price": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"total": 15.0}, out)
}

func TestApply_DivisionByZeroIsApplyError(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`},
		"transform":{"type":"arithmetic","target":"ratio","left":"price","op":"div","right":0},
		"to":{"type":"next_step"}}]}`)

	assert.NotPanics(t, func() {
		_, err := p.Apply(map[string]interface{}{"price": float64(10)})
		require.Error(t, err)
		assert.True(t, exception.IsKind(err, exception.ApplyError))
	})
}

func TestApply_NumericStringsAreCoerced(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`},
		"transform":{"type":"arithmetic","target":"total","left":"qty","op":"mul","right":"price"},
		"to":{"type":"next_step"}}]}`)

	out, err := p.Apply(map[string]interface{}{"qty": "3", "price": " 2.5 "})
	require.NoError(t, err)
	assert.Equal(t, 7.5, out["total"])

	_, err = p.Apply(map[string]interface{}{"qty": "three", "price": 1.0})
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestApply_StepsSeeEarlierOutput(t *testing.T) {
	p := mustParse(t, `{"steps":[
		{"from":{"type":"format",`+csvSource+`},"transform":{"type":"arithmetic","target":"net","left":"gross","op":"sub","right":"discount"},"to":{"type":"next_step"}},
		{"from":{"type":"previous_step"},"transform":{"type":"cast","target":"net_label","source":"net","to":"string"},"to":{"type":"next_step"}}
	]}`)

	out, err := p.Apply(map[string]interface{}{"gross": 12.5, "discount": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 10.5, out["net"])
	assert.Equal(t, "10.5", out["net_label"])
}

func TestApply_BuildPathAndCopy(t *testing.T) {
	p := mustParse(t, `{"steps":[
		{"from":{"type":"format",`+csvSource+`},"transform":{"type":"build_path","target":"path","template":"/products/{category}/{sku}"},"to":{"type":"next_step"}},
		{"from":{"type":"previous_step"},"transform":{"type":"copy","target":"code","source":"sku"},"to":{"type":"entity","entity_definition":"product","update_key":"code","mapping":{"code":"code","path":"path"}}}
	]}`)

	res, err := p.ApplyWith(map[string]interface{}{"category": "tools/hand", "sku": "X1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/products/tools_hand/X1", res.Output["path"])
	require.Len(t, res.Sinks, 1)
	assert.Equal(t, 1, res.Sinks[0].StepIndex)
	assert.Equal(t, map[string]interface{}{"code": "X1", "path": "/products/tools_hand/X1"}, res.Sinks[0].Record)

	_, err = p.Apply(map[string]interface{}{"sku": "X1"})
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestCast(t *testing.T) {
	cases := []struct {
		name   string
		in     interface{}
		to     string
		layout string
		want   interface{}
	}{
		{"integer truncates", "12.7", "integer", "", int64(12)},
		{"number from string", "4.25", "number", "", 4.25},
		{"boolean from string", "true", "boolean", "", true},
		{"boolean from number", 0.0, "boolean", "", false},
		{"string from float", 3.0, "string", "", "3"},
		{"date from datetime", "2024-03-01T10:00:00Z", "date", "", "2024-03-01"},
		{"datetime with layout", "01/03/2024", "datetime", "02/01/2006", "2024-03-01T00:00:00Z"},
		{"null stays null", nil, "integer", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Cast(tc.in, tc.to, tc.layout)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Cast("abc", "number", "")
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestEvaluate_ResolvesExternalOperands(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`},
		"transform":{"type":"arithmetic","target":"price_eur","left":"price","op":"mul",
			"right":{"kind":"external_entity_field","entity_definition":"currency","filter":{"field":"code","value":"currency"},"field":"rate"}},
		"to":{"type":"next_step"}}]}`)
	input := map[string]interface{}{"price": 10.0, "currency": "USD"}

	first, err := p.ApplyWith(input, nil)
	require.NoError(t, err)
	require.Len(t, first.Pending, 1)
	assert.True(t, IsPlaceholder(first.Output["price_eur"]))
	assert.Equal(t, "USD", first.Pending[0].FilterValue)

	calls := 0
	resolver := ExternalResolverFunc(func(_ context.Context, refs []ExternalRef) (map[string]interface{}, error) {
		calls++
		out := map[string]interface{}{}
		for _, r := range refs {
			assert.Equal(t, RefLookup, r.Kind)
			assert.Equal(t, "currency", r.EntityDefinition)
			out[r.Key()] = 0.5
		}
		return out, nil
	})
	res, err := Evaluate(context.Background(), p, input, resolver)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5.0, res.Output["price_eur"])
	assert.Empty(t, res.Pending)

	_, err = p.Apply(input)
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestEvaluate_GetOrCreateFeedsLaterSteps(t *testing.T) {
	p := mustParse(t, `{"steps":[
		{"from":{"type":"format",`+csvSource+`},"transform":{"type":"get_or_create_entity","target":"brand_uuid","entity_definition":"brand","path":"/brands","key_field":"name","value":"brand","fields":{"name":"brand"}},"to":{"type":"next_step"}},
		{"from":{"type":"previous_step"},"transform":{"type":"build_path","target":"path","template":"/products/{brand_uuid}"},"to":{"type":"next_step"}}
	]}`)

	resolver := ExternalResolverFunc(func(_ context.Context, refs []ExternalRef) (map[string]interface{}, error) {
		out := map[string]interface{}{}
		for _, r := range refs {
			assert.Equal(t, RefGetOrCreate, r.Kind)
			assert.Equal(t, map[string]interface{}{"name": "Acme"}, r.Fields)
			out[r.Key()] = "b-1"
		}
		return out, nil
	})
	res, err := p.Evaluate(context.Background(), map[string]interface{}{"brand": "Acme"}, resolver)
	require.NoError(t, err)
	assert.Equal(t, "/products/b-1", res.Output["path"])
}

func TestEvaluate_NoProgressFails(t *testing.T) {
	p := mustParse(t, `{"steps":[{"from":{"type":"format",`+csvSource+`},
		"transform":{"type":"external_entity_lookup","target":"owner","operand":{"kind":"external_entity_field","entity_definition":"user","filter":{"field":"email","value":"email"},"field":"uuid"}},
		"to":{"type":"next_step"}}]}`)

	empty := ExternalResolverFunc(func(context.Context, []ExternalRef) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})
	_, err := p.Evaluate(context.Background(), map[string]interface{}{"email": "a@b.c"}, empty)
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`{"steps":[{"from":{"type":"format",` + csvSource + `,"mapping":{"price; DROP TABLE":"price"}},
		"transform":{"type":"external_entity_lookup","target":"owner","operand":{"kind":"external_entity_field","entity_definition":"","filter":{"field":"","value":"email"},"field":"uuid"}},
		"to":{"type":"next_step"}},
		{"from":{"type":"previous_step"},"transform":{"type":"explode","target":"x"},"to":{"type":"next_step"}}]}`))
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.ValidationError))

	problems := ValidationErrors(err)
	assert.Len(t, problems, 4)
	joined := err.Error()
	assert.Contains(t, joined, `unsafe identifier "price; DROP TABLE"`)
	assert.Contains(t, joined, "steps[0].transform.operand.entity_definition")
	assert.Contains(t, joined, "steps[0].transform.operand.filter.field")
	assert.Contains(t, joined, `unknown transform type "explode"`)
}

func TestValidate_StructuralRules(t *testing.T) {
	cases := map[string]string{
		"no steps":             `{"steps":[]}`,
		"previous_step first":  `{"steps":[{"from":{"type":"previous_step"},"to":{"type":"next_step"}}]}`,
		"format without type":  `{"steps":[{"from":{"type":"format","source":{"source_type":"uri"}},"to":{"type":"next_step"}}]}`,
		"entity without type":  `{"steps":[{"from":{"type":"format",` + csvSource + `},"to":{"type":"entity"}}]}`,
		"push without dest":    `{"steps":[{"from":{"type":"entity","entity_definition":"product"},"to":{"type":"format","format":{"format_type":"json"}}}]}`,
		"unknown cast":         `{"steps":[{"from":{"type":"format",` + csvSource + `},"transform":{"type":"cast","target":"a","source":"b","to":"money"},"to":{"type":"next_step"}}]}`,
		"duplicate map target": `{"steps":[{"from":{"type":"format",` + csvSource + `,"mapping":{"a":"x","b":"x"}},"to":{"type":"next_step"}}]}`,
	}
	for name, config := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(config))
			assert.True(t, exception.IsKind(err, exception.ValidationError), "got %v", err)
		})
	}

	_, err := Parse([]byte(`{"steps": [`))
	assert.True(t, exception.IsKind(err, exception.ParseError))
}

func TestCheckHasAPIEndpoint(t *testing.T) {
	inbound := []byte(`{"steps":[{"from":{"type":"format","source":{"source_type":"api","config":{}},"format":{"format_type":"json"}},"to":{"type":"next_step"}}]}`)
	withEndpoint := []byte(`{"steps":[{"from":{"type":"format","source":{"source_type":"api","config":{"endpoint":"/x"}},"format":{"format_type":"json"}},"to":{"type":"next_step"}}]}`)
	nested := []byte(`{"steps":[{"from":{"type":"format","format":{"format_type":"json","source":{"source_type":"api"}}},"to":{"type":"next_step"}}]}`)

	assert.True(t, CheckHasAPIEndpoint(inbound))
	assert.False(t, CheckHasAPIEndpoint(withEndpoint))
	assert.True(t, CheckHasAPIEndpoint(nested))
	assert.False(t, CheckHasAPIEndpoint([]byte(`not json`)))

	p := mustParse(t, string(inbound))
	assert.True(t, p.CheckHasAPIEndpoint())
	p = mustParse(t, string(withEndpoint))
	assert.False(t, p.CheckHasAPIEndpoint())
}

func TestCollectExternalRefsAndIntrospection(t *testing.T) {
	p := mustParse(t, `{"steps":[
		{"from":{"type":"entity","entity_definition":"product","limit":10},
		 "transform":{"type":"external_entity_lookup","target":"brand_name","operand":{"kind":"external_entity_field","entity_definition":"brand","filter":{"field":"uuid","value":"brand_uuid"},"field":"name"}},
		 "to":{"type":"format","output":{"destination":{"destination_type":"uri","config":{"uri":"http://example.test"}}},"format":{"format_type":"json"}}}
	]}`)

	refs := p.CollectExternalRefs()
	require.Len(t, refs, 1)
	assert.Equal(t, RefSpec{StepIndex: 0, Kind: RefLookup, EntityDefinition: "brand", FilterField: "uuid", FilterPath: "brand_uuid", Field: "name"}, refs[0])
	assert.Equal(t, []int{0}, p.Sinks())
	assert.False(t, p.IsConsumer())
	assert.ElementsMatch(t, []string{"product", "brand"}, p.EntityTypes())
	idx, step := p.PrimarySource()
	assert.Equal(t, 0, idx)
	assert.Equal(t, FromEntity, step.From.Type)
}

func TestResolve(t *testing.T) {
	rec := map[string]interface{}{
		"a.b":   "literal",
		"outer": map[string]interface{}{"inner": 1.0},
		"leaf":  "x",
	}
	v, ok := Resolve(rec, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "literal", v)

	v, ok = Resolve(rec, "outer.inner")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = Resolve(rec, "anything.leaf")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Resolve(rec, "missing")
	assert.False(t, ok)
}
