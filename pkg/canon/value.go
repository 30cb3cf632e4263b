// Package canon implements the ρ canonicalization function and the NRF-1
// byte encoding used to derive content identifiers for UBL chips and
// receipts.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindString
	KindNumAtom
	KindArray
	KindObject
)

// NumAtomTag distinguishes the two numeric-atom shapes.
type NumAtomTag string

const (
	NumAtomDec NumAtomTag = "dec/1"
	NumAtomRat NumAtomTag = "rat/1"
)

// NumAtom is a non-integer numeric value expressed without a bare float.
type NumAtom struct {
	Tag NumAtomTag
	// Dec fields.
	Mantissa string
	Scale    int32
	// Rat fields.
	P string
	Q string
}

// Value is the canonical (ρ-normal) sum type: every layer above the
// canonicalizer operates on this type rather than free-form JSON.
type Value struct {
	Kind    Kind
	Bool    bool
	I64     int64
	Str     string
	Num     NumAtom
	Array   []Value
	Object  []ObjectField // sorted by Key, NFC-normalized, duplicate-free
}

// ObjectField is a single canonical object entry.
type ObjectField struct {
	Key   string
	Value Value
}

// Error codes returned by Canonicalize. These never appear encoded into
// string sentinels inside canonical output — a failure is always a Go
// error, never poisoned data.
type CanonError struct {
	Code string
	Msg  string
}

func (e *CanonError) Error() string { return fmt.Sprintf("canon: %s: %s", e.Code, e.Msg) }

func errControlChar(path string) error {
	return &CanonError{Code: "ControlChar", Msg: fmt.Sprintf("control character in string at %s", path)}
}
func errBadNumericAtom(path, reason string) error {
	return &CanonError{Code: "BadNumericAtom", Msg: fmt.Sprintf("%s at %s", reason, path)}
}
func errRawFloat(path string) error {
	return &CanonError{Code: "RawFloat", Msg: fmt.Sprintf("non-integer number outside a numeric atom at %s", path)}
}
func errDuplicateKey(path, key string) error {
	return &CanonError{Code: "DuplicateKeyAfterNFC", Msg: fmt.Sprintf("key %q collides after NFC at %s", key, path)}
}

// Canonicalize maps a decoded JSON value (as produced by a json.Decoder with
// UseNumber enabled) to its ρ-normal Value. It is purely functional and
// idempotent: Canonicalize(ToJSON(Canonicalize(v))) == Canonicalize(v).
func Canonicalize(v interface{}) (Value, error) {
	return canon(v, "")
}

// FromJSONBytes decodes raw JSON bytes with json.Number enabled and
// canonicalizes the result in one step.
func FromJSONBytes(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("canon: invalid JSON: %w", err)
	}
	return Canonicalize(v)
}

func canon(v interface{}, path string) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case bool:
		return Value{Kind: KindBool, Bool: t}, nil
	case json.Number:
		return canonNumber(t, path)
	case int64:
		// Not produced by json.Decoder (which emits json.Number under
		// UseNumber, float64 otherwise), but callers building a tree by
		// hand — receipts, test fixtures — pass Go int64s directly.
		return Value{Kind: KindI64, I64: t}, nil
	case float64:
		// json.Unmarshal's default number representation. Route through
		// canonNumber via its decimal text so an integral float64 (e.g.
		// duration_ms) still canonicalizes as I64, and a genuine fraction
		// still hits the same RawFloat rejection a json.Number would.
		return canonNumber(json.Number(strconv.FormatFloat(t, 'f', -1, 64)), path)
	case string:
		s, err := canonString(t, path)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: s}, nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, elem := range t {
			cv, err := canon(elem, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return Value{Kind: KindArray, Array: out}, nil
	case map[string]interface{}:
		return canonObject(t, path)
	default:
		return Value{}, fmt.Errorf("canon: unsupported type %T at %s", v, path)
	}
}

func canonString(s, path string) (string, error) {
	for _, r := range s {
		if r <= 0x1F {
			return "", errControlChar(path)
		}
	}
	return norm.NFC.String(s), nil
}

// canonNumber enforces: integers pass through as I64; a JSON object with an
// "@num" tag is a pre-formed numeric atom and is validated, not re-derived
// (numeric atoms arrive as map[string]interface{}, handled in canonObject);
// any other non-integer number is a RawFloat error.
func canonNumber(n json.Number, path string) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Value{Kind: KindI64, I64: i}, nil
	}
	// Not exactly representable as int64: could still be an integer string
	// like "99999999999999999999" (overflow) or a genuine fraction/exponent.
	bi, ok := new(big.Int).SetString(n.String(), 10)
	if ok {
		_ = bi
		return Value{}, errRawFloat(path) // integer but outside i64 range
	}
	return Value{}, errRawFloat(path)
}

func canonObject(m map[string]interface{}, path string) (Value, error) {
	if tag, hasTag := m["@num"]; hasTag {
		if tagStr, ok := tag.(string); ok {
			atom, err := parseNumAtom(NumAtomTag(tagStr), m, path)
			if err != nil {
				return Value{}, err
			}
			return Value{Kind: KindNumAtom, Num: atom}, nil
		}
		return Value{}, errBadNumericAtom(path, "@num must be a string tag")
	}

	type pending struct {
		orig string
		nfc  string
		val  interface{}
	}
	fields := make([]pending, 0, len(m))
	for k, v := range m {
		if v == nil {
			continue // A.4.3-style: nulls inside objects are stripped
		}
		nfcKey, err := canonString(k, path+"/"+k)
		if err != nil {
			return Value{}, err
		}
		fields = append(fields, pending{orig: k, nfc: nfcKey, val: v})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].nfc < fields[j].nfc })

	out := make([]ObjectField, 0, len(fields))
	for i, f := range fields {
		if i > 0 && fields[i-1].nfc == f.nfc {
			return Value{}, errDuplicateKey(path, f.nfc)
		}
		cv, err := canon(f.val, path+"/"+f.orig)
		if err != nil {
			return Value{}, err
		}
		out = append(out, ObjectField{Key: f.nfc, Value: cv})
	}
	return Value{Kind: KindObject, Object: out}, nil
}

func parseNumAtom(tag NumAtomTag, m map[string]interface{}, path string) (NumAtom, error) {
	switch tag {
	case NumAtomDec:
		mant, ok := m["m"].(string)
		if !ok || mant == "" {
			return NumAtom{}, errBadNumericAtom(path, "dec atom missing mantissa")
		}
		if !isDecimalString(mant) {
			return NumAtom{}, errBadNumericAtom(path, "dec atom mantissa malformed")
		}
		scaleNum, ok := m["s"].(json.Number)
		if !ok {
			return NumAtom{}, errBadNumericAtom(path, "dec atom missing scale")
		}
		scale, err := scaleNum.Int64()
		if err != nil {
			return NumAtom{}, errBadNumericAtom(path, "dec atom scale not an integer")
		}
		return NumAtom{Tag: NumAtomDec, Mantissa: mant, Scale: int32(scale)}, nil
	case NumAtomRat:
		p, ok := m["p"].(string)
		if !ok || !isDecimalString(p) {
			return NumAtom{}, errBadNumericAtom(path, "rat atom missing/malformed numerator")
		}
		q, ok := m["q"].(string)
		if !ok || !isDecimalString(q) || isZeroDecimal(q) {
			return NumAtom{}, errBadNumericAtom(path, "rat atom missing/malformed/zero denominator")
		}
		return NumAtom{Tag: NumAtomRat, P: p, Q: q}, nil
	default:
		return NumAtom{}, errBadNumericAtom(path, "unknown @num tag "+string(tag))
	}
}

func isDecimalString(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isZeroDecimal(s string) bool {
	s = strings.TrimPrefix(s, "-")
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

// Idempotent reports whether re-canonicalizing v's JSON form yields an
// identical Value. Exposed for the property-based test suite (P1).
func Idempotent(v Value) (bool, error) {
	data, err := Encode(v)
	if err != nil {
		return false, err
	}
	v2, err := FromJSONBytes(data)
	if err != nil {
		return false, err
	}
	d2, err := Encode(v2)
	if err != nil {
		return false, err
	}
	return bytes.Equal(data, d2), nil
}
