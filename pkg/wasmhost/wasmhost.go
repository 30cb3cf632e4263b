// Package wasmhost executes declared WASM adapter modules under strict
// resource, capability, and attestation constraints, binding their output
// as receipt claims for the TR stage.
package wasmhost

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ubl-gate/gate/pkg/canon"
)

// adapterSchemaDoc is a type-only defense-in-depth check on the shape of
// the `adapter` sub-object: every property that is present must have the
// right JSON type. It deliberately has no "required" list, so it can never
// preempt ParseAdapterSpec's own field-presence ordering below — it only
// catches a present-but-wrong-shaped field (e.g. capabilities given as a
// string instead of an array) before that field is even read.
const adapterSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"wasm_sha256": {"type": "string"},
		"abi_version": {"type": "string"},
		"wasm_cid": {"type": "string"},
		"wasm_b64": {"type": "string"},
		"fuel_budget": {"type": "number"},
		"timeout_ms": {"type": "number"},
		"capabilities": {"type": "array", "items": {"type": "string"}},
		"attestation_signature_b64": {"type": "string"},
		"attestation_trust_anchor": {"type": "string"},
		"required_receipt_claims": {"type": "array", "items": {"type": "string"}}
	}
}`

var (
	adapterSchemaOnce sync.Once
	adapterSchema     *jsonschema.Schema
	adapterSchemaErr  error
)

func compileAdapterSchema() (*jsonschema.Schema, error) {
	adapterSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("adapter.json", strings.NewReader(adapterSchemaDoc)); err != nil {
			adapterSchemaErr = err
			return
		}
		adapterSchema, adapterSchemaErr = compiler.Compile("adapter.json")
	})
	return adapterSchema, adapterSchemaErr
}

// Code is one of the closed WASM adapter error codes.
type Code string

const (
	CodeInvalidPayload      Code = "WASM_ABI_INVALID_PAYLOAD"
	CodeMissingVersion      Code = "WASM_ABI_MISSING_VERSION"
	CodeUnsupportedVersion  Code = "WASM_ABI_UNSUPPORTED_VERSION"
	CodeHashMismatch        Code = "WASM_VERIFY_HASH_MISMATCH"
	CodeSignatureInvalid    Code = "WASM_VERIFY_SIGNATURE_INVALID"
	CodeTrustAnchorMismatch Code = "WASM_VERIFY_TRUST_ANCHOR_MISMATCH"
	CodeCapabilityDeniedNet Code = "WASM_CAPABILITY_DENIED_NETWORK"
	CodeCapabilityDenied    Code = "WASM_CAPABILITY_DENIED"
	CodeDeterminismViolation Code = "WASM_DETERMINISM_VIOLATION"
	CodeMemoryLimit         Code = "WASM_RESOURCE_MEMORY_LIMIT"
	CodeFuelExhausted       Code = "WASM_RESOURCE_FUEL_EXHAUSTED"
	CodeTimeout             Code = "WASM_RESOURCE_TIMEOUT"
	CodeMissingClaim        Code = "WASM_RECEIPT_BINDING_MISSING_CLAIM"
)

// Error is a closed, typed WASM adapter failure. The pipeline orchestrator
// maps every code to InvalidChip, keeping the code in the message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func reject(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// AdapterSpec is the declared `adapter` object on a chip body.
type AdapterSpec struct {
	WasmSHA256              string
	ABIVersion              string
	WasmCID                 string
	WasmB64                 string
	FuelBudget              uint64
	TimeoutMS               uint64
	Capabilities            []string
	AttestationSignatureB64 string
	AttestationTrustAnchor  string
	RequiredReceiptClaims   []string
}

// ParseAdapterSpec extracts and validates the `adapter` field of a chip
// body, if present. A nil, nil return means the chip carries no adapter.
//
// Field presence is checked in the order wasm_sha256, abi_version, then
// the shape of wasm_sha256, then the value of abi_version — matching the
// order the reference runtime validates them in, so error precedence is
// stable across implementations.
func ParseAdapterSpec(body map[string]interface{}) (*AdapterSpec, error) {
	raw, present := body["adapter"]
	if !present || raw == nil {
		return nil, nil
	}
	adapter, ok := raw.(map[string]interface{})
	if !ok {
		return nil, reject(CodeInvalidPayload, "adapter must be an object")
	}

	schema, err := compileAdapterSchema()
	if err != nil {
		return nil, reject(CodeInvalidPayload, fmt.Sprintf("adapter schema unavailable: %v", err))
	}
	if err := schema.Validate(adapter); err != nil {
		return nil, reject(CodeInvalidPayload, fmt.Sprintf("adapter shape invalid: %v", err))
	}

	wasmSHA256, ok := getString(adapter, "wasm_sha256")
	if !ok {
		return nil, reject(CodeInvalidPayload, "adapter.wasm_sha256 missing")
	}
	abiVersion, ok := getString(adapter, "abi_version")
	if !ok {
		return nil, reject(CodeMissingVersion, "adapter.abi_version missing")
	}

	if !isHex64(wasmSHA256) {
		return nil, reject(CodeHashMismatch, "adapter.wasm_sha256 must be 64 hex chars")
	}
	if abiVersion != "1.0" {
		return nil, reject(CodeUnsupportedVersion, fmt.Sprintf("adapter.abi_version unsupported: %s", abiVersion))
	}

	wasmCID, _ := getString(adapter, "wasm_cid")
	wasmB64, _ := getString(adapter, "wasm_b64")
	sig, _ := getString(adapter, "attestation_signature_b64")
	anchor, _ := getString(adapter, "attestation_trust_anchor")

	return &AdapterSpec{
		WasmSHA256:              wasmSHA256,
		ABIVersion:              abiVersion,
		WasmCID:                 wasmCID,
		WasmB64:                 wasmB64,
		FuelBudget:              getUint64(adapter, "fuel_budget"),
		TimeoutMS:               getUint64(adapter, "timeout_ms"),
		Capabilities:            getStringSlice(adapter, "capabilities"),
		AttestationSignatureB64: sig,
		AttestationTrustAnchor:  anchor,
		RequiredReceiptClaims:   getStringSlice(adapter, "required_receipt_claims"),
	}, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getStringSlice(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getUint64(m map[string]interface{}, key string) uint64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case json.Number:
		// The pipeline's adapter spec is parsed from knock.Validate's
		// decode, which runs with UseNumber — fuel_budget/timeout_ms
		// arrive as json.Number, not float64, on the live path.
		u, err := n.Int64()
		if err != nil || u < 0 {
			return 0
		}
		return uint64(u)
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

// checkCapabilities enforces that the declared capability set is a subset
// of {} — no capability is granted by default. "network" is called out
// with its own code because it is the capability adapters ask for most.
func checkCapabilities(caps []string) error {
	for _, c := range caps {
		if c == "network" {
			return reject(CodeCapabilityDeniedNet, "capability \"network\" is never granted")
		}
	}
	if len(caps) > 0 {
		return reject(CodeCapabilityDenied, fmt.Sprintf("capabilities %v are not granted", caps))
	}
	return nil
}

// RequiredClaimsSatisfied enforces that every name in spec's
// required_receipt_claims is present in the produced binding set.
func RequiredClaimsSatisfied(spec *AdapterSpec, bindings map[string]interface{}) error {
	for _, claim := range spec.RequiredReceiptClaims {
		if _, ok := bindings[claim]; !ok {
			return reject(CodeMissingClaim, fmt.Sprintf("required receipt claim %q missing from adapter output", claim))
		}
	}
	return nil
}

// attestationPayload is the canonical byte form signed by a trust anchor:
// the adapter's hash and ABI version, nothing else.
func attestationPayload(spec *AdapterSpec) ([]byte, error) {
	v, err := canon.Canonicalize(map[string]interface{}{
		"wasm_sha256": spec.WasmSHA256,
		"abi_version": spec.ABIVersion,
	})
	if err != nil {
		return nil, err
	}
	return canon.Encode(v)
}
