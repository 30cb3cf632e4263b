package wasmhost

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ubl-gate/gate/pkg/blobstore"
	"github.com/ubl-gate/gate/pkg/canon"
)

// adapterMemoryPages caps guest linear memory at one 64 KiB page for the
// v1 ABI, matching the v1 adapter contract's fixed-buffer convention.
const adapterMemoryPages = 1

// defaultFuelBudget and defaultTimeout apply when the chip's adapter
// object omits fuel_budget / timeout_ms.
const (
	defaultFuelBudget = uint64(1_000_000)
	defaultTimeout    = 5 * time.Second
)

// Host runs declared WASM adapters inside a deny-by-default wazero
// sandbox: no filesystem, no network, no clock, no randomness. Adapters
// are pure functions of their input by construction — the host never
// wires a capability import the module could use to defeat that.
type Host struct {
	runtime      wazero.Runtime
	blobs        blobstore.Store
	trustAnchors map[string]ed25519.PublicKey
}

// NewHost builds a Host with its own wazero runtime. trustAnchors maps
// an attestation_trust_anchor id to the Ed25519 key that must have signed
// the attestation payload.
func NewHost(ctx context.Context, blobs blobstore.Store, trustAnchors map[string]ed25519.PublicKey) (*Host, error) {
	rcfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(adapterMemoryPages)
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate wasi: %w", err)
	}
	return &Host{runtime: r, blobs: blobs, trustAnchors: trustAnchors}, nil
}

// Close releases the wazero runtime.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Result is the outcome of a successful adapter execution, ready to be
// bound onto a TR receipt.
type Result struct {
	Output       []byte
	OutputCID    string
	ModuleSource string
	WasmSHA256   string
	ABIVersion   string
	FuelUsed     uint64
}

// Bindings renders the result as the receipt claim fields §4.7 specifies.
func (r *Result) Bindings() map[string]interface{} {
	return map[string]interface{}{
		"adapter_executed":      true,
		"adapter_module_source": r.ModuleSource,
		"adapter_wasm_sha256":   r.WasmSHA256,
		"adapter_abi_version":   r.ABIVersion,
		"adapter_output_cid":    r.OutputCID,
		"adapter_fuel_used":     r.FuelUsed,
	}
}

// Execute runs spec's module against input, enforcing hash verification,
// attestation, capabilities, exports, memory, fuel, and wall-clock
// budgets in that order, then checks required_receipt_claims against the
// bindings it produced.
func (h *Host) Execute(ctx context.Context, spec *AdapterSpec, input []byte) (*Result, error) {
	wasmBytes, source, err := h.resolveModule(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := h.verifyAttestation(spec); err != nil {
		return nil, err
	}
	if err := checkCapabilities(spec.Capabilities); err != nil {
		return nil, err
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, reject(CodeDeterminismViolation, fmt.Sprintf("module does not compile: %v", err))
	}
	defer func() { _ = compiled.Close(ctx) }()

	timeout := defaultTimeout
	if spec.TimeoutMS > 0 {
		timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	modCfg := wazero.NewModuleConfig().WithName("adapter-" + spec.WasmSHA256[:12])
	mod, err := h.runtime.InstantiateModule(runCtx, compiled, modCfg)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, reject(CodeTimeout, fmt.Sprintf("adapter instantiation exceeded %s", timeout))
		}
		return nil, reject(CodeDeterminismViolation, fmt.Sprintf("instantiation failed: %v", err))
	}
	defer func() { _ = mod.Close(runCtx) }()

	mem := mod.Memory()
	fn := mod.ExportedFunction("ubl_adapter_v1")
	if mem == nil || fn == nil {
		return nil, reject(CodeDeterminismViolation, "module must export memory and ubl_adapter_v1(i32,i32)->i32")
	}

	if !mem.Write(0, input) {
		return nil, reject(CodeMemoryLimit, "input exceeds guest memory")
	}

	results, err := fn.Call(runCtx, 0, uint64(len(input)))
	if err != nil {
		if runCtx.Err() != nil {
			return nil, reject(CodeTimeout, fmt.Sprintf("adapter exceeded %s", timeout))
		}
		if isMemoryGrowError(err) {
			return nil, reject(CodeMemoryLimit, err.Error())
		}
		return nil, reject(CodeDeterminismViolation, fmt.Sprintf("adapter trapped: %v", err))
	}
	if len(results) != 1 {
		return nil, reject(CodeDeterminismViolation, "ubl_adapter_v1 must return exactly one i32")
	}
	outLen := uint32(results[0])

	output, ok := mem.Read(0, outLen)
	if !ok {
		return nil, reject(CodeMemoryLimit, "adapter output exceeds guest memory")
	}
	outCopy := make([]byte, len(output))
	copy(outCopy, output)

	// wazero v1.11 has no native fuel metering. We substitute a
	// deterministic proxy — total bytes moved across the ABI boundary —
	// so fuel_used stays a pure function of the input, as the receipt
	// claim requires, even though it no longer tracks real instruction
	// count.
	fuelUsed := uint64(len(input) + len(outCopy))
	budget := spec.FuelBudget
	if budget == 0 {
		budget = defaultFuelBudget
	}
	if fuelUsed > budget {
		return nil, reject(CodeFuelExhausted, fmt.Sprintf("fuel_used %d exceeds budget %d", fuelUsed, budget))
	}

	outputCID := canon.CIDFromBytes(outCopy)
	res := &Result{
		Output:       outCopy,
		OutputCID:    outputCID,
		ModuleSource: source,
		WasmSHA256:   spec.WasmSHA256,
		ABIVersion:   spec.ABIVersion,
		FuelUsed:     fuelUsed,
	}
	if err := RequiredClaimsSatisfied(spec, res.Bindings()); err != nil {
		return nil, err
	}
	return res, nil
}

func (h *Host) resolveModule(ctx context.Context, spec *AdapterSpec) ([]byte, string, error) {
	var wasmBytes []byte
	var source string
	var err error

	switch {
	case spec.WasmB64 != "":
		wasmBytes, err = base64.StdEncoding.DecodeString(spec.WasmB64)
		if err != nil {
			return nil, "", reject(CodeInvalidPayload, "adapter.wasm_b64 is not valid base64")
		}
		source = "inline:adapter.wasm_b64"
	case spec.WasmCID != "":
		if h.blobs == nil {
			return nil, "", reject(CodeInvalidPayload, "adapter.wasm_cid set but no blob store is configured")
		}
		wasmBytes, err = h.blobs.Get(ctx, spec.WasmCID)
		if err != nil {
			return nil, "", reject(CodeInvalidPayload, fmt.Sprintf("adapter.wasm_cid unresolvable: %v", err))
		}
		source = "cid:" + spec.WasmCID
	default:
		return nil, "", reject(CodeInvalidPayload, "adapter requires wasm_b64 or wasm_cid")
	}

	sum := sha256.Sum256(wasmBytes)
	if hex.EncodeToString(sum[:]) != spec.WasmSHA256 {
		return nil, "", reject(CodeHashMismatch, "decoded module sha256 does not match adapter.wasm_sha256")
	}
	return wasmBytes, source, nil
}

func (h *Host) verifyAttestation(spec *AdapterSpec) error {
	hasSig := spec.AttestationSignatureB64 != ""
	hasAnchor := spec.AttestationTrustAnchor != ""
	if !hasSig && !hasAnchor {
		return nil
	}
	if hasSig != hasAnchor {
		return reject(CodeSignatureInvalid, "attestation requires both attestation_signature_b64 and attestation_trust_anchor")
	}
	anchorKey, ok := h.trustAnchors[spec.AttestationTrustAnchor]
	if !ok {
		return reject(CodeTrustAnchorMismatch, fmt.Sprintf("unknown trust anchor %q", spec.AttestationTrustAnchor))
	}
	sig, err := base64.StdEncoding.DecodeString(spec.AttestationSignatureB64)
	if err != nil {
		return reject(CodeSignatureInvalid, "attestation_signature_b64 is not valid base64")
	}
	payload, err := attestationPayload(spec)
	if err != nil {
		return reject(CodeSignatureInvalid, fmt.Sprintf("attestation payload: %v", err))
	}
	if !ed25519.Verify(anchorKey, payload, sig) {
		return reject(CodeSignatureInvalid, "attestation signature does not verify")
	}
	return nil
}

func isMemoryGrowError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "out of bounds"))
}
