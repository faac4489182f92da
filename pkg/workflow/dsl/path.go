package dsl

import (
	"regexp"
	"strings"
)

var safeIdentifier = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)

// IsSafeIdentifier reports whether s may be used as a field path, mapping key or filter field.
func IsSafeIdentifier(s string) bool {
	return safeIdentifier.MatchString(s)
}

// Resolve looks up path in record. Lookup order: the literal key, then a dotted walk through
// nested objects, then the last path segment at the root. The second result is false when
// nothing matched.
func Resolve(record map[string]interface{}, path string) (interface{}, bool) {
	if record == nil {
		return nil, false
	}
	if v, ok := record[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur interface{} = record
	walked := true
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			walked = false
			break
		}
		next, ok := m[seg]
		if !ok {
			walked = false
			break
		}
		cur = next
	}
	if walked {
		return cur, true
	}
	if v, ok := record[segments[len(segments)-1]]; ok {
		return v, true
	}
	return nil, false
}

// WriteField stores v under the last segment of path at the root of record.
func WriteField(record map[string]interface{}, path string, v interface{}) {
	record[lastSegment(path)] = v
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

// project builds a new record from in. An empty mapping copies in.
func project(in map[string]interface{}, mapping map[string]string) map[string]interface{} {
	if len(mapping) == 0 {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out := make(map[string]interface{}, len(mapping))
	for from, to := range mapping {
		v, _ := Resolve(in, from)
		WriteField(out, to, v)
	}
	return out
}

var templateField = regexp.MustCompile(`\{([^{}]*)\}`)

// TemplateFields returns the placeholder names of a {field} template, in order.
func TemplateFields(template string) []string {
	matches := templateField.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// RenderTemplate substitutes the {field} placeholders of template with values of record.
// It fails when a value is missing or still waiting for an external lookup.
func RenderTemplate(template string, record map[string]interface{}) (string, error) {
	out, err := renderTemplate(template, record)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", applyErrorf("template %q depends on an unresolved external value", template)
	}
	return s, nil
}
