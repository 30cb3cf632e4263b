package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Encode serializes a canonical Value to its NRF-1 byte encoding: a
// deterministic, self-delimiting byte sequence such that any two values
// x, y with equal canonical form produce identical bytes. Object keys are
// already sorted and NFC-normalized by Canonicalize; Encode never re-sorts
// or re-normalizes, it only serializes the invariant already established.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindI64:
		fmt.Fprintf(buf, "%d", v.I64)
	case KindString:
		encodeString(buf, v.Str)
	case KindNumAtom:
		encodeNumAtom(buf, v.Num)
	case KindArray:
		buf.WriteByte('[')
		for i, elem := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeInto(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range v.Object {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, f.Key)
			buf.WriteByte(':')
			if err := encodeInto(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("nrf1: unknown value kind %d", v.Kind)
	}
	return nil
}

// encodeString emits a JSON string literal without HTML escaping — NRF-1
// is a wire format, not browser-embedded markup.
func encodeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)           // string encoding never fails
	buf.Truncate(buf.Len() - 1) // drop the newline Encode appends
}

// encodeNumAtom writes the atom back out as the same tagged object shape
// it was parsed from, with fields in a fixed order so the bytes are stable
// regardless of map iteration order upstream.
func encodeNumAtom(buf *bytes.Buffer, n NumAtom) {
	buf.WriteByte('{')
	switch n.Tag {
	case NumAtomDec:
		fmt.Fprintf(buf, "%q:%q,%q:%q,%q:%d}", "@num", string(n.Tag), "m", n.Mantissa, "s", n.Scale)
	case NumAtomRat:
		fmt.Fprintf(buf, "%q:%q,%q:%q,%q:%q}", "@num", string(n.Tag), "p", n.P, "q", n.Q)
	}
}

// ToJSON renders the canonical Value back to standard interface{} JSON,
// useful for HTTP responses that must remain ordinary JSON (key order is
// not guaranteed to round-trip through encoding/json's map type, only the
// NRF-1 bytes carry that guarantee).
func ToJSON(v Value) interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindI64:
		return v.I64
	case KindString:
		return v.Str
	case KindNumAtom:
		m := map[string]interface{}{"@num": string(v.Num.Tag)}
		if v.Num.Tag == NumAtomDec {
			m["m"] = v.Num.Mantissa
			m["s"] = json.Number(strconv.FormatInt(int64(v.Num.Scale), 10))
		} else {
			m["p"] = v.Num.P
			m["q"] = v.Num.Q
		}
		return m
	case KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = ToJSON(e)
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.Object))
		for _, f := range v.Object {
			out[f.Key] = ToJSON(f.Value)
		}
		return out
	default:
		return nil
	}
}
