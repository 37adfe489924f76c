package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalScalars(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"decimal", Decimal("12.5"), "12.5"},
		{"bool", Bool(false), "false"},
		{"null", Null{}, "null"},
		{"nil", nil, "null"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"go string", "plain", `"plain"`},
		{"go int", 7, "7"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortsNestedKeys(t *testing.T) {
	obj := Object{
		"role": String("Engineer"),
		"name": Object{"last": String("Lovelace"), "first": String("Ada")},
		"tags": Array{String("b"), String("a")},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"name":{"first":"Ada","last":"Lovelace"},"role":"Engineer","tags":["b","a"]}`, string(result))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before
	// U+E000 in UTF-16 even though its UTF-8 bytes sort after.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(Object{"note": String("<b>fish & chips</b>")})
	require.NoError(t, err)
	assert.Equal(t, `{"note":"<b>fish & chips</b>"}`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "Jose\u0301"
	composed := "Jos\u00e9"

	a, err := MarshalCanonical(Object{decomposed: String(decomposed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(Object{composed: String(composed)})
	require.NoError(t, err)

	assert.Equal(t, b, a, "NFD and NFC input must produce identical bytes")
}

func TestMarshalCanonicalEscapes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"literal escape text", `see \u2028`, `"see \\u2028"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(String(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalLineSeparatorsLiteral(t *testing.T) {
	ls := string(rune(0x2028))
	ps := string(rune(0x2029))

	result, err := MarshalCanonical(String("a" + ls + "b" + ps + "c"))
	require.NoError(t, err)
	assert.Equal(t, `"a`+ls+`b`+ps+`c"`, string(result))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	for _, input := range []any{float64(3.14), float32(1.5)} {
		_, err := MarshalCanonical(input)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "float")
	}
}

func TestMarshalCanonicalRejectsUnknownTypes(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestMarshalCanonicalDecimalsNormalize(t *testing.T) {
	a, err := NewDecimal("1.50")
	require.NoError(t, err)
	b, err := NewDecimal("1.5")
	require.NoError(t, err)

	assert.Equal(t, MustMarshalCanonical(a), MustMarshalCanonical(b))
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add(`{"a":1,"b":"test"}`)
	f.Add(`[1,2.50,3]`)
	f.Add(`"hello"`)
	f.Add(`null`)
	f.Add(`{"nested":{"deep":{"value":1e3}}}`)

	f.Fuzz(func(t *testing.T, input string) {
		val, err := ParseValue([]byte(input))
		if err != nil {
			t.Skip()
		}
		first, err := MarshalCanonical(val)
		if err != nil {
			t.Skip()
		}

		again, err := ParseValue(first)
		require.NoError(t, err)
		second, err := MarshalCanonical(again)
		require.NoError(t, err)

		assert.Equal(t, first, second, "canonical marshaling must be idempotent")
	})
}
