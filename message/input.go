package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmgilman/go/errors"
)

type inputKind uint8

const (
	inputAbsent inputKind = iota
	inputText
	inputStructure
)

// Input is what an ApplicationException can be built from: nothing, a JSON
// text, or an already decoded key-value structure.
type Input struct {
	kind   inputKind
	text   string
	fields map[string]any
}

// AbsentInput builds an envelope with no field set.
func AbsentInput() Input {
	return Input{kind: inputAbsent}
}

// TextInput holds JSON text still to be parsed.
func TextInput(s string) Input {
	return Input{kind: inputText, text: s}
}

// StructureInput holds a decoded JSON object. A nil map is an empty structure.
func StructureInput(fields map[string]any) Input {
	return Input{kind: inputStructure, fields: fields}
}

// InputOf classifies a loosely typed value. nil is absent; string, []byte
// and json.RawMessage are text; map[string]any is a structure. Anything
// else fails with CodeTypeMismatch.
func InputOf(v any) (Input, error) {
	switch t := v.(type) {
	case nil:
		return AbsentInput(), nil
	case Input:
		return t, nil
	case string:
		return TextInput(t), nil
	case []byte:
		return TextInput(string(t)), nil
	case json.RawMessage:
		return TextInput(string(t)), nil
	case map[string]any:
		return StructureInput(t), nil
	default:
		return Input{}, errors.Newf(CodeTypeMismatch, "bad json input type: %T", v)
	}
}

// structure resolves the input to a key-value structure, or nil when absent.
func (in Input) structure() (map[string]any, error) {
	switch in.kind {
	case inputStructure:
		if in.fields == nil {
			return map[string]any{}, nil
		}
		return in.fields, nil
	case inputText:
		return decodeObject(in.text)
	default:
		return nil, nil
	}
}

// decodeObject parses JSON text keeping numbers exact. A JSON null reads as
// absent. Any other non-object value is a type mismatch, not malformed input.
func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, CodeMalformedInput, "invalid json input")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New(CodeMalformedInput, "invalid json input: trailing data")
	}

	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Newf(CodeTypeMismatch, "bad json input type: %s", jsonKind(raw))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
