package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

type csvOptions struct {
	Delimiter  string   `yaml:"delimiter" validate:"omitempty,len=1"`
	HasHeader  *bool    `yaml:"has_header"`
	Columns    []string `yaml:"columns"`
	InferTypes bool     `yaml:"infer_types"` // Turn numeric and boolean cells into numbers and bools.
	TrimSpace  bool     `yaml:"trim_space"`
}

func (o *csvOptions) comma() rune {
	if o.Delimiter == "" {
		return ','
	}
	return []rune(o.Delimiter)[0]
}

func (o *csvOptions) header() bool {
	return o.HasHeader == nil || *o.HasHeader
}

// CSVHandler reads and writes delimited text.
type CSVHandler struct{}

var _ Handler = (*CSVHandler)(nil)

// NewCSVHandler creates the "csv" handler.
func NewCSVHandler() *CSVHandler {
	return &CSVHandler{}
}

// Type implements Handler.
func (h *CSVHandler) Type() string { return "csv" }

// ContentType implements Handler.
func (h *CSVHandler) ContentType(Options) string { return "text/csv" }

func (h *CSVHandler) options(opts Options) (*csvOptions, error) {
	var o csvOptions
	if err := bindOptions("csv", opts, &o); err != nil {
		return nil, err
	}
	if !o.header() && len(o.Columns) == 0 {
		return nil, exception.New(exception.ConfigError, moduleName, "csv: 'columns' is required when has_header is false", nil)
	}
	return &o, nil
}

// ValidateOptions implements Handler.
func (h *CSVHandler) ValidateOptions(opts Options) error {
	_, err := h.options(opts)
	return err
}

// Parse implements Handler. Explicit columns replace the header row when both are present.
func (h *CSVHandler) Parse(data []byte, opts Options) ([]Record, error) {
	o, err := h.options(opts)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.Comma = o.comma()
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = o.TrimSpace
	rows, err := r.ReadAll()
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "malformed csv", err)
	}
	if len(rows) == 0 {
		return []Record{}, nil
	}

	columns := o.Columns
	if o.header() {
		if len(columns) == 0 {
			columns = make([]string, len(rows[0]))
			for i, c := range rows[0] {
				columns[i] = strings.TrimSpace(c)
			}
		}
		rows = rows[1:]
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if len(row) == 1 && row[0] == "" {
			continue
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if i >= len(row) {
				rec[col] = nil
				continue
			}
			cell := row[i]
			if o.TrimSpace {
				cell = strings.TrimSpace(cell)
			}
			if o.InferTypes {
				rec[col] = inferCell(cell)
			} else {
				rec[col] = cell
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func inferCell(cell string) interface{} {
	if cell == "" {
		return nil
	}
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(cell); err == nil && (cell == "true" || cell == "false" || cell == "TRUE" || cell == "FALSE") {
		return b
	}
	return cell
}

// Serialize implements Handler. Columns default to the sorted union of record keys.
func (h *CSVHandler) Serialize(records []Record, opts Options) ([]byte, error) {
	o, err := h.options(opts)
	if err != nil {
		return nil, err
	}
	columns := o.Columns
	if len(columns) == 0 {
		columns = sortedKeys(records)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = o.comma()
	if o.header() {
		if err := w.Write(columns); err != nil {
			return nil, exception.New(exception.ParseError, moduleName, "csv header cannot be written", err)
		}
	}
	row := make([]string, len(columns))
	for i, rec := range records {
		for j, col := range columns {
			cell, err := csvCell(rec[col])
			if err != nil {
				return nil, exception.Newf(exception.ParseError, moduleName, "record %d, column %q", i, col, err)
			}
			row[j] = cell
		}
		if err := w.Write(row); err != nil {
			return nil, exception.Newf(exception.ParseError, moduleName, "record %d cannot be written", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "csv flush failed", err)
	}
	return buf.Bytes(), nil
}

func csvCell(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
