package fluentd

import (
	"bytes"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"fluentsink/sink"
)

// messageKey holds values that are not a structured object.
const messageKey = "message"

// Numbers stay exact until normalize picks int64 or float64.
var jsonConfig = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// number is satisfied by json.Number and jsoniter.Number.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

func (c *Converter) payload(rec sink.Record) map[string]any {
	var out map[string]any
	switch v := rec.Value.(type) {
	case nil:
		out = map[string]any{}
	case map[string]any:
		out = projectStruct(v, rec.ValueSchema)
	case map[any]any:
		out = projectStruct(normalize(v).(map[string]any), rec.ValueSchema)
	case *structpb.Struct:
		out = projectStruct(v.AsMap(), rec.ValueSchema)
	case []byte:
		if m, ok := decodeObject(v); ok {
			out = projectStruct(m, rec.ValueSchema)
		} else {
			out = map[string]any{messageKey: v}
		}
	case string:
		if m, ok := decodeObject([]byte(v)); ok {
			out = projectStruct(m, rec.ValueSchema)
		} else {
			out = map[string]any{messageKey: v}
		}
	default:
		out = map[string]any{messageKey: normalize(v)}
	}
	if c.nulls == NullOmit {
		omitNulls(out)
	}
	return out
}

// projectStruct copies m. With a struct schema only the schema's fields
// are kept and missing ones are set to nil.
func projectStruct(m map[string]any, schema *sink.Schema) map[string]any {
	if schema == nil || schema.Type != sink.TypeStruct || len(schema.Fields) == 0 {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = normalize(v)
		}
		return out
	}
	out := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		v, ok := m[f.Name]
		if !ok || v == nil {
			out[f.Name] = nil
			continue
		}
		if nested, isMap := normalize(v).(map[string]any); isMap && f.Schema != nil {
			out[f.Name] = projectStruct(nested, f.Schema)
			continue
		}
		out[f.Name] = normalize(v)
	}
	return out
}

// normalize deep-copies maps and slices into msgpack-friendly shapes.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case *structpb.Struct:
		if x == nil {
			return nil
		}
		return x.AsMap()
	case *structpb.Value:
		if x == nil {
			return nil
		}
		return normalize(x.AsInterface())
	case time.Time:
		return formatTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return formatTime(*x)
	case *timestamppb.Timestamp:
		if x == nil {
			return nil
		}
		return formatTime(x.AsTime())
	case number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

// formatTime renders payload times as strings. msgpack would otherwise
// write them as ext type -1, which Fluentd does not unpack.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeObject decodes b when it holds exactly one JSON object.
// Unmarshal rejects anything but whitespace after the object.
func decodeObject(b []byte) (map[string]any, bool) {
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' {
		return nil, false
	}
	var m map[string]any
	if err := jsonConfig.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}

func omitNulls(m map[string]any) {
	for k, v := range m {
		switch x := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			omitNulls(x)
		case []any:
			for _, e := range x {
				if em, ok := e.(map[string]any); ok {
					omitNulls(em)
				}
			}
		}
	}
}
