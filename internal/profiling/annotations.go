package profiling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Annotation is one searchable key/value pair destined for a trace segment.
type Annotation struct {
	Key   string `json:"Key"`
	Value any    `json:"Value"`
}

// AnnotationList is an ordered annotation list. It encodes as a single JSON
// array of {"Key": ..., "Value": ...} objects.
type AnnotationList []Annotation

// UnmarshalJSON decodes an annotation array. Integral numbers become int64
// and other numbers float64. The receiver is left untouched on error.
func (l *AnnotationList) UnmarshalJSON(data []byte) error {
	decoded, err := decodeAnnotationArray(data)
	if err != nil {
		return err
	}
	*l = decoded
	return nil
}

// AppendAnnotation appends one {"Key": ..., "Value": ...} block to a legacy
// annotation command string, comma-separated from any existing content.
func AppendAnnotation(commandString, key string, value any) (string, error) {
	encodedKey, err := json.Marshal(key)
	if err != nil {
		return commandString, fmt.Errorf("encode annotation key %q: %w", key, err)
	}
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return commandString, fmt.Errorf("encode annotation %q value: %w", key, err)
	}

	var b strings.Builder
	b.Grow(len(commandString) + len(encodedKey) + len(encodedValue) + 24)
	b.WriteString(commandString)
	if commandString != "" {
		b.WriteByte(',')
	}
	b.WriteString(`{"Key": `)
	b.Write(encodedKey)
	b.WriteString(`, "Value": `)
	b.Write(encodedValue)
	b.WriteByte('}')
	return b.String(), nil
}

// DecodeAnnotations parses a legacy annotation command string by wrapping it
// in a JSON array. An empty command string decodes to an empty list.
func DecodeAnnotations(commandString string) (AnnotationList, error) {
	return decodeAnnotationArray([]byte("[" + commandString + "]"))
}

func decodeAnnotationArray(data []byte) (AnnotationList, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw []Annotation
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	var trailing any
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode annotations: trailing data after annotation list")
	}

	out := make(AnnotationList, 0, len(raw))
	for _, item := range raw {
		out = append(out, Annotation{Key: item.Key, Value: normalizeJSONValue(item.Value)})
	}
	return out, nil
}

func normalizeJSONValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		for k, v := range typed {
			typed[k] = normalizeJSONValue(v)
		}
		return typed
	case []any:
		for i, v := range typed {
			typed[i] = normalizeJSONValue(v)
		}
		return typed
	default:
		return value
	}
}
