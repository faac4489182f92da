package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

type parquetOptions struct {
	Compression string `yaml:"compression" validate:"omitempty,oneof=snappy gzip none SNAPPY GZIP NONE"`
	Parallelism int64  `yaml:"parallelism" validate:"omitempty,min=1,max=16"`
}

func (o *parquetOptions) np() int64 {
	if o.Parallelism <= 0 {
		return 1
	}
	return o.Parallelism
}

// ParquetHandler reads and writes flat parquet files. Column types are inferred from the
// records: BOOLEAN, INT64, DOUBLE, otherwise UTF8 strings (nested values JSON encoded).
type ParquetHandler struct{}

var _ Handler = (*ParquetHandler)(nil)

// NewParquetHandler creates the "parquet" handler.
func NewParquetHandler() *ParquetHandler {
	return &ParquetHandler{}
}

// Type implements Handler.
func (h *ParquetHandler) Type() string { return "parquet" }

// ContentType implements Handler.
func (h *ParquetHandler) ContentType(Options) string { return "application/vnd.apache.parquet" }

// ValidateOptions implements Handler.
func (h *ParquetHandler) ValidateOptions(opts Options) error {
	var o parquetOptions
	return bindOptions("parquet", opts, &o)
}

type parquetColumn struct {
	name     string
	physical string // BOOLEAN, INT64, DOUBLE or BYTE_ARRAY
}

func (c parquetColumn) tag() string {
	if c.physical == "BYTE_ARRAY" {
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.name)
	}
	return fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", c.name, c.physical)
}

func inferColumns(records []Record) []parquetColumn {
	keys := sortedKeys(records)
	cols := make([]parquetColumn, 0, len(keys))
	for _, k := range keys {
		physical := ""
		for _, rec := range records {
			v, ok := rec[k]
			if !ok || v == nil {
				continue
			}
			physical = widen(physical, physicalOf(v))
		}
		if physical == "" {
			physical = "BYTE_ARRAY"
		}
		cols = append(cols, parquetColumn{name: k, physical: physical})
	}
	return cols
}

func physicalOf(v interface{}) string {
	switch t := v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return "INT64"
	case float32:
		return "DOUBLE"
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return "INT64"
		}
		return "DOUBLE"
	}
	return "BYTE_ARRAY"
}

// widen merges the types seen so far for a column.
func widen(seen, next string) string {
	switch {
	case seen == "" || seen == next:
		return next
	case (seen == "INT64" && next == "DOUBLE") || (seen == "DOUBLE" && next == "INT64"):
		return "DOUBLE"
	}
	return "BYTE_ARRAY"
}

func parquetValue(v interface{}, physical string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch physical {
	case "BOOLEAN":
		return v, nil
	case "INT64":
		switch t := v.(type) {
		case float64:
			return int64(t), nil
		case float32:
			return int64(t), nil
		}
		return v, nil
	case "DOUBLE":
		return v, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}

// Serialize implements Handler.
func (h *ParquetHandler) Serialize(records []Record, opts Options) ([]byte, error) {
	var o parquetOptions
	if err := bindOptions("parquet", opts, &o); err != nil {
		return nil, err
	}
	codec, err := compressionCodec(o.Compression)
	if err != nil {
		return nil, exception.New(exception.ConfigError, moduleName, "parquet compression", err)
	}
	cols := inferColumns(records)
	if len(cols) == 0 {
		return nil, parseErrorf("parquet output needs at least one column")
	}

	schema, err := jsonSchema(cols)
	if err != nil {
		return nil, exception.New(exception.InternalError, moduleName, "parquet schema cannot be encoded", err)
	}
	buf := new(bytes.Buffer)
	pw, err := writer.NewJSONWriterFromWriter(schema, buf, o.np())
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "parquet writer cannot be created", err)
	}
	pw.CompressionType = codec

	var merr *multierror.Error
	for i, rec := range records {
		row := make(map[string]interface{}, len(cols))
		for _, c := range cols {
			v, err := parquetValue(rec[c.name], c.physical)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("record %d, column %q: %w", i, c.name, err))
				continue
			}
			row[c.name] = v
		}
		line, err := json.Marshal(row)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if err := pw.Write(string(line)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record %d: %w", i, err))
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("parquet: recovered from panic during WriteStop: %v", r)
				merr = multierror.Append(merr, fmt.Errorf("parquet writer panicked: %v", r))
			}
		}()
		if err := pw.WriteStop(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}()
	if err := merr.ErrorOrNil(); err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "parquet serialization failed", err)
	}
	return buf.Bytes(), nil
}

func jsonSchema(cols []parquetColumn) (string, error) {
	type field struct {
		Tag string `json:"Tag"`
	}
	fields := make([]field, len(cols))
	for i, c := range cols {
		fields[i] = field{Tag: c.tag()}
	}
	b, err := json.Marshal(struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}{Tag: "name=parquet_go_root, repetitiontype=REQUIRED", Fields: fields})
	return string(b), err
}

// Parse implements Handler. The schema is read from the file footer.
func (h *ParquetHandler) Parse(data []byte, opts Options) (records []Record, err error) {
	var o parquetOptions
	if err := bindOptions("parquet", opts, &o); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []Record{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = parseErrorf("parquet reader panicked: %v", r)
		}
	}()

	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "parquet buffer", err)
	}
	pr, err := reader.NewParquetReader(pf, nil, o.np())
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "not a parquet file", err)
	}
	defer pr.ReadStop()

	exNames := make(map[string]string, len(pr.SchemaHandler.Infos))
	for i, info := range pr.SchemaHandler.Infos {
		if i == 0 {
			continue
		}
		exNames[info.InName] = info.ExName
	}

	n := int(pr.GetNumRows())
	rows, err := pr.ReadByNumber(n)
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "parquet rows cannot be read", err)
	}
	records = make([]Record, 0, len(rows))
	for _, row := range rows {
		rv := reflect.ValueOf(row)
		for rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return nil, parseErrorf("unexpected parquet row type %T", row)
		}
		rec := make(Record, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			name := rv.Type().Field(i).Name
			if ex, ok := exNames[name]; ok {
				name = ex
			}
			rec[name] = plainValue(rv.Field(i))
		}
		records = append(records, rec)
	}
	return records, nil
}

func plainValue(v reflect.Value) interface{} {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	}
	return v.Interface()
}

// compressionCodec returns the parquet codec for a compression option.
func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(name) {
	case "SNAPPY", "":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return 0, fmt.Errorf("unsupported compression type: %s", name)
}
