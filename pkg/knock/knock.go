// Package knock implements the structural front-gate validator: the first
// thing a raw inbound chip body passes through, before any canonicalization
// or interpretation.
package knock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"

	"github.com/ubl-gate/gate/pkg/canon"
)

// Code is one of the closed KNOCK-NNN set.
type Code string

const (
	CodeDepth          Code = "KNOCK-002"
	CodeArrayLength    Code = "KNOCK-003"
	CodeDuplicateKeys  Code = "KNOCK-004"
	CodeInvalidUTF8    Code = "KNOCK-005"
	CodeMissingField   Code = "KNOCK-006"
	CodeNonObjectRoot  Code = "KNOCK-007"
	CodeRawFloat       Code = "KNOCK-008"
	CodeBadNumericAtom Code = "KNOCK-009"
	CodeParseFailure   Code = "KNOCK-010"
	CodeControlChar    Code = "KNOCK-011"
)

// Error is a rejected knock: the first-matching code and a human message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func reject(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Config bounds the structural limits enforced by Validate.
type Config struct {
	MaxDepth     int
	MaxArrayLen  int
}

// DefaultConfig matches the floor named in the component design (depth >= 16).
func DefaultConfig() Config {
	return Config{MaxDepth: 32, MaxArrayLen: 10_000}
}

// Result is the parsed (but not yet canonicalized) envelope once a knock
// passes all ten checks.
type Result struct {
	KnockCID string // CID of the raw inbound bytes, per invariant I4
	Body     map[string]interface{}
	Type     string
	World    string
}

// Validate runs the ten ordered checks described in the Knock Validator
// component design and returns either a Result or a *Error carrying the
// first-matching KNOCK-NNN code.
func Validate(raw []byte, cfg Config) (*Result, error) {
	// 1. UTF-8 decode.
	if !utf8.Valid(raw) {
		return nil, reject(CodeInvalidUTF8, "payload is not valid UTF-8")
	}

	// 2. JSON parse + non-object root.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, reject(CodeParseFailure, "invalid JSON: %v", err)
	}
	body, ok := generic.(map[string]interface{})
	if !ok {
		return nil, reject(CodeNonObjectRoot, "root value must be a JSON object")
	}

	// 3. Duplicate keys in the raw text (exact matches of the decoded key
	// strings). encoding/json silently keeps the last of a duplicate key,
	// so we re-scan token-by-token to catch this before trusting `body`.
	// Keys that only collide after NFC normalization are caught later by
	// the canonicalizer pass, also as KNOCK-004.
	if dupKey, found := findDuplicateKey(raw); found {
		return nil, reject(CodeDuplicateKeys, "duplicate key %q in raw payload", dupKey)
	}

	// 4. Depth.
	if depth := measureDepth(generic); depth > cfg.MaxDepth {
		return nil, reject(CodeDepth, "nesting depth %d exceeds max %d", depth, cfg.MaxDepth)
	}

	// 5. Array length.
	if n, path := maxArrayLength(generic); n > cfg.MaxArrayLen {
		return nil, reject(CodeArrayLength, "array at %s has length %d exceeding max %d", path, n, cfg.MaxArrayLen)
	}

	// 6. Envelope fields.
	typ, ok := body["@type"].(string)
	if !ok || typ == "" {
		return nil, reject(CodeMissingField, "@type is required and must be a non-empty string")
	}
	world, ok := body["@world"].(string)
	if !ok || world == "" {
		return nil, reject(CodeMissingField, "@world is required and must be a non-empty string")
	}
	if err := ValidateWorld(world); err != nil {
		return nil, reject(CodeMissingField, "@world: %v", err)
	}
	if rawVer, present := body["@ver"]; present {
		verStr, ok := rawVer.(string)
		if !ok {
			return nil, reject(CodeMissingField, "@ver must be a string when present")
		}
		if _, err := semver.NewVersion(verStr); err != nil {
			return nil, reject(CodeMissingField, "@ver %q is not a well-formed semantic version: %v", verStr, err)
		}
	}

	// 7-9. No raw floats / i64 overflow / malformed numeric atoms, checked
	// via the canonicalizer itself so the two checks can never diverge.
	if _, err := canon.Canonicalize(generic); err != nil {
		if ce, ok := err.(*canon.CanonError); ok {
			switch ce.Code {
			case "RawFloat":
				return nil, reject(CodeRawFloat, "%s", ce.Msg)
			case "BadNumericAtom":
				return nil, reject(CodeBadNumericAtom, "%s", ce.Msg)
			case "ControlChar":
				return nil, reject(CodeControlChar, "%s", ce.Msg)
			case "DuplicateKeyAfterNFC":
				return nil, reject(CodeDuplicateKeys, "%s", ce.Msg)
			}
		}
		return nil, reject(CodeParseFailure, "canonicalization failed: %v", err)
	}

	return &Result{
		KnockCID: canon.CIDFromBytes(raw),
		Body:     body,
		Type:     typ,
		World:    world,
	}, nil
}

func measureDepth(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		max := 0
		for _, e := range t {
			if d := measureDepth(e); d > max {
				max = d
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, e := range t {
			if d := measureDepth(e); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

func maxArrayLength(v interface{}) (int, string) {
	return maxArrayLengthAt(v, "$")
}

func maxArrayLengthAt(v interface{}, path string) (int, string) {
	switch t := v.(type) {
	case []interface{}:
		max, maxPath := len(t), path
		for i, e := range t {
			n, p := maxArrayLengthAt(e, fmt.Sprintf("%s[%d]", path, i))
			if n > max {
				max, maxPath = n, p
			}
		}
		return max, maxPath
	case map[string]interface{}:
		max, maxPath := 0, path
		for k, e := range t {
			n, p := maxArrayLengthAt(e, path+"."+k)
			if n > max {
				max, maxPath = n, p
			}
		}
		return max, maxPath
	default:
		return 0, path
	}
}
