package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// FloatPrecision is the granularity floats are rounded to before encoding.
//
// Fingerprints over float values are stable on one platform; bit-identical
// results across architectures are not guaranteed.
const FloatPrecision = 1e-9

// MarshalCanonical produces the canonical JSON encoding used for every
// hash in Reach:
//  1. Object keys sorted byte-wise at every level
//  2. No insignificant whitespace, no HTML escaping
//  3. Strings NFC normalized
//  4. Integers exact; floats rounded to FloatPrecision, NaN as 0, ±Inf
//     clamped to ±MaxFloat64, -0 as 0
//
// Structs and other Go values are first passed through encoding/json.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		writeCanonicalString(buf, string(val))
	case string:
		writeCanonicalString(buf, val)
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case Float:
		buf.WriteString(formatFloat(float64(val)))
	case float64:
		buf.WriteString(formatFloat(val))
	case Bool:
		writeBool(buf, bool(val))
	case bool:
		writeBool(buf, val)
	case Array:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		return encodeObject(buf, val)
	case map[string]any, []any, []string:
		conv, err := FromAny(val)
		if err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		return encodeCanonical(buf, conv)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonical: %T: %w", v, err)
		}
		parsed, err := ParseJSON(raw)
		if err != nil {
			return fmt.Errorf("canonical: %T: %w", v, err)
		}
		return encodeCanonical(buf, parsed)
	}
	return nil
}

type entry struct {
	key string
	val Value
}

func encodeObject(buf *bytes.Buffer, obj Object) error {
	entries := make([]entry, 0, len(obj))
	seen := make(map[string]struct{}, len(obj))
	for k, v := range obj {
		nk := norm.NFC.String(k)
		if _, ok := seen[nk]; ok {
			return fmt.Errorf("canonical: duplicate key %q after NFC normalization", nk)
		}
		seen[nk] = struct{}{}
		entries = append(entries, entry{key: nk, val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonicalString(buf, e.key)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, e.val); err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteString("true")
		return
	}
	buf.WriteString("false")
}

// NormalizeFloat applies the float rules of the canonical encoding.
func NormalizeFloat(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case math.IsInf(f, 1):
		return math.MaxFloat64
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	}
	// Past 2^52 scaled units the rounding is no longer exact, and
	// the value is left as is so normalization stays idempotent.
	const scale = 1 / FloatPrecision
	if scaled := f * scale; math.Abs(scaled) < 1<<52 {
		f = math.Round(scaled) / scale
	}
	if f == 0 {
		return 0
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(NormalizeFloat(f), 'f', -1, 64)
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString writes s NFC normalized and quoted. Only '"', '\\'
// and control characters are escaped; invalid UTF-8 becomes U+FFFD.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString("�")
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
