package enum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type color int32

var colors = NewFamily[color]("Color",
	Entry[color]{Value: 0, Name: "RED"},
	Entry[color]{Value: 1, Name: "GREEN"},
	Entry[color]{Value: 7, Name: "blue"},
)

func TestResolveRoundTrip(t *testing.T) {
	for _, v := range colors.Values() {
		name, ok := colors.NameOf(v, false)
		require.True(t, ok)
		require.True(t, name.IsText())

		got, res := colors.Resolve(name, false)
		assert.Equal(t, Declared, res)
		assert.Equal(t, v, got)

		got, res = colors.Resolve(Number(int64(v)), false)
		assert.Equal(t, Declared, res)
		assert.Equal(t, v, got)

		got, res = colors.Resolve(Text(Number(int64(v)).String()), false)
		assert.Equal(t, Declared, res)
		assert.Equal(t, v, got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		tok  Token
		keep bool
		want color
		res  Resolution
	}{
		{name: "declared number", tok: Number(7), want: 7, res: Declared},
		{name: "declared name", tok: Text("GREEN"), want: 1, res: Declared},
		{name: "numeric string", tok: Text("7"), want: 7, res: Declared},
		{name: "case sensitive", tok: Text("green"), res: Unresolved},
		{name: "case sensitive lowercase family", tok: Text("BLUE"), res: Unresolved},
		{name: "padded numeric string", tok: Text("07"), res: Unresolved},
		{name: "unknown number strict", tok: Number(99), res: Unresolved},
		{name: "unknown number kept", tok: Number(99), keep: true, want: 99, res: Preserved},
		{name: "unknown negative kept", tok: Number(-3), keep: true, want: -3, res: Preserved},
		{name: "unknown numeric string kept", tok: Text("99"), keep: true, res: Unresolved},
		{name: "bogus name kept", tok: Text("bogus"), keep: true, res: Unresolved},
		{name: "bogus name strict", tok: Text("bogus"), res: Unresolved},
		{name: "out of int32 range", tok: Number(1 << 40), keep: true, res: Unresolved},
		{name: "invalid token", tok: Token{}, keep: true, res: Unresolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, res := colors.Resolve(tt.tok, tt.keep)
			assert.Equal(t, tt.res, res)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.res != Unresolved, res.Ok())
		})
	}
}

func TestResolveValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want color
		res  Resolution
	}{
		{name: "float64 from encoding/json", in: float64(1), want: 1, res: Declared},
		{name: "json.Number", in: json.Number("7"), want: 7, res: Declared},
		{name: "int", in: 0, want: 0, res: Declared},
		{name: "uint8", in: uint8(1), want: 1, res: Declared},
		{name: "fractional", in: 1.5, res: Unresolved},
		{name: "bool", in: true, res: Unresolved},
		{name: "nil", in: nil, res: Unresolved},
		{name: "unknown float kept", in: float64(42), want: 42, res: Preserved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, res := colors.ResolveValue(tt.in, true)
			assert.Equal(t, tt.res, res)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNameOf(t *testing.T) {
	tok, ok := colors.NameOf(7, false)
	require.True(t, ok)
	assert.Equal(t, "blue", tok.Value())

	_, ok = colors.NameOf(99, false)
	assert.False(t, ok)

	tok, ok = colors.NameOf(99, true)
	require.True(t, ok)
	n, isNum := tok.Int()
	assert.True(t, isNum)
	assert.Equal(t, int64(99), n)

	assert.Equal(t, "GREEN", colors.Format(1))
	assert.Equal(t, "Color(99)", colors.Format(99))
}

func TestDuplicateDeclarationPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewFamily[color]("Dup", Entry[color]{Value: 1, Name: "A"}, Entry[color]{Value: 1, Name: "B"})
	})
	assert.Panics(t, func() {
		NewFamily[color]("Dup", Entry[color]{Value: 1, Name: "A"}, Entry[color]{Value: 2, Name: "A"})
	})
}

func TestTokenJSON(t *testing.T) {
	data, err := json.Marshal([]Token{Number(6), Text("INTERNAL_ERROR"), {}})
	require.NoError(t, err)
	assert.JSONEq(t, `[6, "INTERNAL_ERROR", null]`, string(data))

	var toks []Token
	require.NoError(t, json.Unmarshal([]byte(`[3, "x", true, 2.5]`), &toks))
	require.Len(t, toks, 4)
	assert.Equal(t, Number(3), toks[0])
	assert.Equal(t, Text("x"), toks[1])
	assert.False(t, toks[2].IsValid())
	assert.False(t, toks[3].IsValid())
}
