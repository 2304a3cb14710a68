package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"envelope-rpc/enum"

	"github.com/jmgilman/go/errors"
)

// Field keys of the two JSON conventions.
const (
	fieldMessageID   = "1"
	fieldTypeID      = "2"
	fieldMessageName = "message"
	fieldTypeName    = "id"
)

// ApplicationException is the envelope for failures that are not declared
// exceptions of the called method. Both fields are optional; getters fall
// back to "" and ExceptionUnknown.
//
// An ApplicationException is a plain value owned by the call that built it.
// It is not safe for concurrent mutation.
type ApplicationException struct {
	message    string
	hasMessage bool
	id         ApplicationExceptionType
	hasID      bool
}

// NewApplicationException builds an envelope from nil, JSON text ([]byte,
// string, json.RawMessage) or a decoded map[string]any.
func NewApplicationException(v any) (*ApplicationException, error) {
	in, err := InputOf(v)
	if err != nil {
		return nil, err
	}
	return ParseApplicationException(in)
}

// NewApplicationExceptionf builds an envelope with both fields set.
func NewApplicationExceptionf(t ApplicationExceptionType, format string, args ...any) *ApplicationException {
	e := &ApplicationException{}
	e.SetExceptionType(t)
	e.SetMessage(fmt.Sprintf(format, args...))
	return e
}

// ParseApplicationException builds an envelope from either JSON convention.
//
// Keys "1"/"message" set the message, coercing non-string values to text.
// Keys "2"/"id" set the type through the permissive codec, so unknown
// numeric codes survive; unknown names clear the field. When both spellings
// of a field are present the named key wins: field ids are applied first,
// names after them. Other keys are ignored.
func ParseApplicationException(in Input) (*ApplicationException, error) {
	fields, err := in.structure()
	if err != nil {
		return nil, err
	}

	e := &ApplicationException{}
	for _, key := range [...]string{fieldMessageID, fieldTypeID, fieldMessageName, fieldTypeName} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		switch key {
		case fieldMessageID, fieldMessageName:
			e.SetMessage(stringOf(raw))
		case fieldTypeID, fieldTypeName:
			if t, res := ApplicationExceptionTypes.ResolveValue(raw, true); res.Ok() {
				e.SetExceptionType(t)
			} else {
				e.ClearExceptionType()
			}
		}
	}
	return e, nil
}

// AsApplicationException finds an ApplicationException in err's chain.
func AsApplicationException(err error) (*ApplicationException, bool) {
	var e *ApplicationException
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Message returns the message, or "" when unset.
func (e *ApplicationException) Message() string {
	return e.message
}

// SetMessage sets the message.
func (e *ApplicationException) SetMessage(msg string) {
	e.message = msg
	e.hasMessage = true
}

// ClearMessage unsets the message.
func (e *ApplicationException) ClearMessage() {
	e.message = ""
	e.hasMessage = false
}

// HasMessage reports whether the message is set.
func (e *ApplicationException) HasMessage() bool {
	return e.hasMessage
}

// ExceptionType returns the type, or ExceptionUnknown when unset.
func (e *ApplicationException) ExceptionType() ApplicationExceptionType {
	if !e.hasID {
		return ExceptionUnknown
	}
	return e.id
}

// SetExceptionType sets the type. Undeclared values are kept as is.
func (e *ApplicationException) SetExceptionType(t ApplicationExceptionType) {
	e.id = t
	e.hasID = true
}

// ClearExceptionType unsets the type.
func (e *ApplicationException) ClearExceptionType() {
	e.id = ExceptionUnknown
	e.hasID = false
}

// HasExceptionType reports whether the type is set.
func (e *ApplicationException) HasExceptionType() bool {
	return e.hasID
}

// ToJSON returns the envelope as a JSON object. The compact form is keyed
// by field id with the numeric type; the named form is keyed by field name
// with the type name. Unset fields are omitted.
func (e *ApplicationException) ToJSON(named bool) map[string]any {
	obj := make(map[string]any, 2)
	msgKey, typeKey := fieldMessageID, fieldTypeID
	if named {
		msgKey, typeKey = fieldMessageName, fieldTypeName
	}
	if e.hasMessage {
		obj[msgKey] = e.message
	}
	if e.hasID {
		obj[typeKey] = e.typeToken(named).Value()
	}
	return obj
}

// ToJSONString is ToJSON serialized, message first.
func (e *ApplicationException) ToJSONString(named bool) string {
	return string(e.toJSONBytes(named))
}

// String is a stable diagnostic form, not meant for the wire.
func (e *ApplicationException) String() string {
	return "PApplicationException" + e.ToJSONString(true)
}

// Error makes the envelope usable as a Go error.
func (e *ApplicationException) Error() string {
	return e.String()
}

// Equal reports whether both envelopes have the same fields set to the same values.
func (e *ApplicationException) Equal(o *ApplicationException) bool {
	if e == nil || o == nil {
		return e == o
	}
	return *e == *o
}

// MarshalJSON writes the compact form.
func (e *ApplicationException) MarshalJSON() ([]byte, error) {
	return e.toJSONBytes(false), nil
}

// UnmarshalJSON reads either form.
func (e *ApplicationException) UnmarshalJSON(data []byte) error {
	parsed, err := ParseApplicationException(TextInput(string(data)))
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

func (e *ApplicationException) typeToken(named bool) enum.Token {
	if named {
		// Permissive naming never fails.
		tok, _ := ApplicationExceptionTypes.NameOf(e.id, true)
		return tok
	}
	return enum.Number(int64(e.id))
}

// wireJSON fixes the key order of the serialized forms. encoding/json
// would sort the keys of a map.
type wireJSON struct {
	Message1 *string     `json:"1,omitempty"`
	Type2    *enum.Token `json:"2,omitempty"`
	Message  *string     `json:"message,omitempty"`
	Type     *enum.Token `json:"id,omitempty"`
}

func (e *ApplicationException) toJSONBytes(named bool) []byte {
	var w wireJSON
	var msg *string
	var tok *enum.Token
	if e.hasMessage {
		m := e.message
		msg = &m
	}
	if e.hasID {
		t := e.typeToken(named)
		tok = &t
	}
	if named {
		w.Message, w.Type = msg, tok
	} else {
		w.Message1, w.Type2 = msg, tok
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Strings and tokens always encode.
	_ = enc.Encode(&w)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// stringOf renders a decoded JSON value as text, the way a message field
// coerces whatever a peer put there.
func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatNumber(f)
		}
		return t.String()
	case float64:
		return formatNumber(t)
	case float32:
		return formatNumber(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// formatNumber renders f in shortest form: plain decimal in [1e-6, 1e21),
// otherwise exponent form without zero padding ("1e-7", "1.5e+21").
// Negative zero is "0".
func formatNumber(f float64) string {
	abs := math.Abs(f)
	if abs == 0 {
		return "0"
	}
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	return mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}
