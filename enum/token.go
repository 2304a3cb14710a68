// Package enum implements the codec shared by every closed enum family on the wire.
//
// An enum value may arrive in three shapes: its numeric identity (6), the
// decimal rendering of that identity ("6"), or its declared symbolic name
// ("INTERNAL_ERROR"). A Family resolves any of them to the typed value and
// renders a typed value back to its name.
//
// Resolution failure is a normal outcome, not an error: unknown wire values
// are expected when a newer peer talks to an older one.
package enum

import (
	"encoding/json"
	"math"
	"strconv"
)

type tokenKind uint8

const (
	kindInvalid tokenKind = iota
	kindNumber
	kindText
)

// Token is a raw enum token as it was read from the wire.
// The zero Token is invalid and never resolves.
type Token struct {
	kind tokenKind
	num  int64
	text string
}

// Number returns a numeric token.
func Number(n int64) Token {
	return Token{kind: kindNumber, num: n}
}

// Text returns a string token. It is matched against declared names and
// the decimal rendering of declared ids, never parsed leniently.
func Text(s string) Token {
	return Token{kind: kindText, text: s}
}

// TokenOf converts a loosely typed decoded value into a Token.
//
// Accepted: string, json.Number, float32/float64 with an integral value,
// and all Go integer kinds. Everything else, including fractional numbers,
// yields an invalid token.
func TokenOf(v any) Token {
	switch t := v.(type) {
	case Token:
		return t
	case string:
		return Text(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Number(n)
		}
		if f, err := t.Float64(); err == nil {
			return numberFromFloat(f)
		}
		return Token{}
	case float64:
		return numberFromFloat(t)
	case float32:
		return numberFromFloat(float64(t))
	case int:
		return Number(int64(t))
	case int8:
		return Number(int64(t))
	case int16:
		return Number(int64(t))
	case int32:
		return Number(int64(t))
	case int64:
		return Number(t)
	case uint:
		return numberFromUint(uint64(t))
	case uint8:
		return Number(int64(t))
	case uint16:
		return Number(int64(t))
	case uint32:
		return Number(int64(t))
	case uint64:
		return numberFromUint(t)
	default:
		return Token{}
	}
}

func numberFromFloat(f float64) Token {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) ||
		f < math.MinInt64 || f >= math.MaxInt64 {
		return Token{}
	}
	return Number(int64(f))
}

func numberFromUint(u uint64) Token {
	if u > math.MaxInt64 {
		return Token{}
	}
	return Number(int64(u))
}

// IsNumber reports whether the token is numeric.
func (t Token) IsNumber() bool { return t.kind == kindNumber }

// IsText reports whether the token is a string.
func (t Token) IsText() bool { return t.kind == kindText }

// IsValid reports whether the token carries a number or a string.
func (t Token) IsValid() bool { return t.kind != kindInvalid }

// Int returns the numeric value and whether the token is numeric.
func (t Token) Int() (int64, bool) {
	return t.num, t.kind == kindNumber
}

// Value returns the token as a plain JSON-compatible value: int64, string or nil.
func (t Token) Value() any {
	switch t.kind {
	case kindNumber:
		return t.num
	case kindText:
		return t.text
	default:
		return nil
	}
}

// String renders the token for diagnostics.
func (t Token) String() string {
	switch t.kind {
	case kindNumber:
		return strconv.FormatInt(t.num, 10)
	case kindText:
		return t.text
	default:
		return "<invalid>"
	}
}

// MarshalJSON writes a JSON number or string. Invalid tokens are null.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Value())
}

// UnmarshalJSON accepts a JSON number or string; other values leave an invalid token.
func (t *Token) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = TokenOf(raw)
	return nil
}
