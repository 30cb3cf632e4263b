// Package pipeline sequences the gate's five stages — KNOCK, WA, CHECK,
// TR, WF — into one request-handling state machine: short-circuiting on
// deny, replaying idempotently by canonical fingerprint, and committing
// the terminal receipt durably before publishing it.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ubl-gate/gate/pkg/advisory"
	"github.com/ubl-gate/gate/pkg/authorship"
	"github.com/ubl-gate/gate/pkg/blobstore"
	"github.com/ubl-gate/gate/pkg/canon"
	"github.com/ubl-gate/gate/pkg/eventhub"
	"github.com/ubl-gate/gate/pkg/knock"
	"github.com/ubl-gate/gate/pkg/observability"
	"github.com/ubl-gate/gate/pkg/policy"
	"github.com/ubl-gate/gate/pkg/ratelimit"
	"github.com/ubl-gate/gate/pkg/receipt"
	"github.com/ubl-gate/gate/pkg/stagechain"
	"github.com/ubl-gate/gate/pkg/store"
	"github.com/ubl-gate/gate/pkg/wasmhost"
)

// Code classifies a pipeline failure for the HTTP edge to map to a
// status code: InvalidChip/CanonError -> 422, PolicyDenied -> 403,
// SignError/InvalidSignature -> 422, NotFound -> 404, TooManyRequests -> 429.
type Code string

const (
	CodeInvalidChip      Code = "InvalidChip"
	CodePolicyDenied     Code = "PolicyDenied"
	CodeSignError        Code = "SignError"
	CodeInvalidSignature Code = "InvalidSignature"
	CodeCanonError       Code = "CanonError"
	CodeNotFound         Code = "NotFound"
	CodeTooManyRequests  Code = "TooManyRequests"
	CodeInternal         Code = "Internal"
)

// Error is a classified pipeline failure.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // only meaningful for CodeTooManyRequests
	Underlying error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func (e *Error) Unwrap() error { return e.Underlying }

func fail(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error) error {
	return &Error{Code: code, Message: err.Error(), Underlying: err}
}

// Config wires every component the orchestrator sequences.
type Config struct {
	KnockConfig  knock.Config
	Chain        *stagechain.Chain
	Policy       *policy.Evaluator
	WASM         *wasmhost.Host // may be nil: adapters are then rejected as InvalidChip
	RateLimiter  *ratelimit.Limiter
	Store        store.Store
	Blobs        blobstore.Store
	Events       *eventhub.Hub
	Advisories   *advisory.Signer
	VMSigner     ed25519.PrivateKey
	RuntimeTag   string

	// OnAdvisoryIssued, if set, is called after each successful advisory
	// emission. It exists so an observability layer can count advisories
	// without the pipeline importing anything metrics-shaped.
	OnAdvisoryIssued func()

	// Tracer wraps each stage in an OpenTelemetry span and RED metric, if
	// configured. A nil Tracer (or a Tracer built with no OTLP endpoint)
	// is a safe no-op — see observability.Provider.StartStage.
	Tracer *observability.Provider
}

// Orchestrator runs one request through KNOCK -> WA -> CHECK -> TR -> WF.
type Orchestrator struct {
	cfg Config
}

// New builds an Orchestrator. VMSigner is generated if nil.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.VMSigner == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("pipeline: generating vm signer: %w", err)
		}
		cfg.VMSigner = priv
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Outcome is what the HTTP edge reports back to the caller.
type Outcome struct {
	ReceiptCID string
	Decision   string
	Reason     string
	Receipt    *receipt.Receipt
	Replay     bool
}

// Process runs raw through the full pipeline. hint carries transport
// signal (IP/UA) used only if the chip has no explicit DID claim.
func (o *Orchestrator) Process(ctx context.Context, raw []byte, hint authorship.ActorHint) (*Outcome, error) {
	start := time.Now()

	_, endKnock := o.cfg.Tracer.StartStage(ctx, "KNOCK")
	knocked, err := knock.Validate(raw, o.cfg.KnockConfig)
	endKnock(err)
	if err != nil {
		o.publishKnockReject(ctx, err)
		return nil, wrap(CodeInvalidChip, err)
	}

	fingerprint, err := canonicalFingerprint(knocked.Body, knocked.Type, knocked.World)
	if err != nil {
		return nil, wrap(CodeCanonError, err)
	}

	if cid, found, err := o.cfg.Store.LookupIdempotent(ctx, fingerprint); err != nil {
		return nil, wrap(CodeInternal, err)
	} else if found {
		body, err := o.cfg.Store.GetReceipt(ctx, cid)
		if err != nil {
			return nil, wrap(CodeInternal, err)
		}
		r, err := receipt.FromJSON(body)
		if err != nil {
			return nil, wrap(CodeInternal, err)
		}
		return &Outcome{ReceiptCID: cid, Decision: r.Decision, Reason: r.Reason, Receipt: r, Replay: true}, nil
	}

	if o.cfg.RateLimiter != nil {
		d, err := o.cfg.RateLimiter.Allow(ctx, fingerprint)
		if err != nil {
			return nil, wrap(CodeInternal, err)
		}
		if !d.Allowed {
			return nil, &Error{Code: CodeTooManyRequests, Message: "rate limit exceeded for this fingerprint", RetryAfter: d.RetryAfter}
		}
	}

	did, err := authorship.ResolveSubjectDID(knocked.Body, hint)
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}
	kid := extractKID(knocked.Body)

	rec := receipt.New(knocked.World, did, kid, o.cfg.RuntimeTag)

	_, endWA := o.cfg.Tracer.StartStage(ctx, "WA")
	waOutputCID, err := o.runWA(ctx, rec, knocked)
	endWA(err)
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}

	_, endCheck := o.cfg.Tracer.StartStage(ctx, "CHECK")
	checkResult, checkOutputCID, err := o.runCheck(ctx, rec, knocked, waOutputCID)
	endCheck(err)
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}
	o.emitAdvisory(checkResult, knocked, checkOutputCID)

	if checkResult.Decision == policy.Deny {
		outcome, err := o.commitWF(ctx, rec, knocked, fingerprint, "Deny", checkResult.Reason, waOutputCID, "", start)
		return outcome, err
	}

	_, endTR := o.cfg.Tracer.StartStage(ctx, "TR")
	trOutputCID, err := o.runTR(ctx, rec, knocked, checkOutputCID)
	endTR(err)
	if err != nil {
		return nil, err
	}

	decision := "Allow"
	if checkResult.Decision == policy.Require {
		decision = "Require"
	}
	return o.commitWF(ctx, rec, knocked, fingerprint, decision, checkResult.Reason, waOutputCID, trOutputCID, start)
}

func canonicalFingerprint(body map[string]interface{}, typ, world string) (string, error) {
	bodyHash, err := canon.CID(body)
	if err != nil {
		return "", fmt.Errorf("pipeline: canonicalizing body for fingerprint: %w", err)
	}
	ver, _ := body["@ver"].(string)
	fp, err := canon.CID(map[string]interface{}{
		"@type":     typ,
		"@ver":      ver,
		"@world":    world,
		"body_hash": bodyHash,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: computing fingerprint: %w", err)
	}
	return fp, nil
}

func extractKID(body map[string]interface{}) string {
	if actor, ok := body["actor"].(map[string]interface{}); ok {
		if kid, ok := actor["kid"].(string); ok && kid != "" {
			return kid
		}
	}
	return "kid:none"
}

func (o *Orchestrator) runWA(ctx context.Context, rec *receipt.Receipt, knocked *knock.Result) (string, error) {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	waBody := map[string]interface{}{
		"ghost":    true,
		"nonce":    base64.StdEncoding.EncodeToString(nonce),
		"chip_cid": knocked.KnockCID,
	}
	outCID, err := canon.CID(waBody)
	if err != nil {
		return "", fmt.Errorf("pipeline: canonicalizing wa body: %w", err)
	}
	if err := rec.AppendStage(o.cfg.Chain, receipt.StageExecution{
		Stage: stagechain.StageWA, InputCID: knocked.KnockCID, OutputCID: outCID, Body: waBody,
	}); err != nil {
		return "", err
	}
	o.publishStage(ctx, eventhub.StageWA, knocked, eventhub.ReceiptRef{CID: outCID, Decision: eventhub.DecisionAllow, KnockCID: knocked.KnockCID}, nil)
	return outCID, nil
}

func (o *Orchestrator) runCheck(ctx context.Context, rec *receipt.Receipt, knocked *knock.Result, waOutputCID string) (policy.Result, string, error) {
	result, err := o.cfg.Policy.Evaluate(knocked.Type, knocked.Body)
	if err != nil {
		return policy.Result{}, "", fmt.Errorf("pipeline: policy evaluation: %w", err)
	}

	outCID, err := canon.CID(map[string]interface{}{
		"decision": string(result.Decision),
		"reason":   result.Reason,
	})
	if err != nil {
		return policy.Result{}, "", fmt.Errorf("pipeline: canonicalizing check result: %w", err)
	}
	if err := rec.AppendStage(o.cfg.Chain, receipt.StageExecution{
		Stage: stagechain.StageCheck, InputCID: waOutputCID, OutputCID: outCID, Body: result,
	}); err != nil {
		return policy.Result{}, "", err
	}

	decision := eventhub.DecisionAllow
	switch result.Decision {
	case policy.Deny:
		decision = eventhub.DecisionDeny
	case policy.Require:
		decision = eventhub.DecisionRequire
	}
	o.publishStage(ctx, eventhub.StageCheck, knocked, eventhub.ReceiptRef{CID: outCID, Decision: decision}, nil)
	return result, outCID, nil
}

func (o *Orchestrator) runTR(ctx context.Context, rec *receipt.Receipt, knocked *knock.Result, checkOutputCID string) (string, error) {
	vmState := map[string]interface{}{
		"input_cid": checkOutputCID,
	}

	if adapterSpec, err := wasmhost.ParseAdapterSpec(knocked.Body); err != nil {
		return "", wrap(CodeInvalidChip, err)
	} else if adapterSpec != nil {
		if o.cfg.WASM == nil {
			return "", fail(CodeInvalidChip, "adapter declared but no WASM host is configured")
		}
		canonical, err := canon.Canonicalize(knocked.Body)
		if err != nil {
			// unreachable in practice: knock.Validate already canonicalized
			// this body successfully before Result was constructed.
			return "", wrap(CodeCanonError, err)
		}
		input, err := canon.Encode(canonical)
		if err != nil {
			return "", wrap(CodeCanonError, err)
		}
		result, err := o.cfg.WASM.Execute(ctx, adapterSpec, input)
		if err != nil {
			return "", fail(CodeInvalidChip, "wasm adapter execution: %v", err)
		}
		vmState["fuel"] = result.FuelUsed
		vmState["output_cid"] = result.OutputCID
		vmState["wasm_sha256"] = result.WasmSHA256
		vmState["abi_version"] = result.ABIVersion
	}

	payloadCID, err := canon.CID(vmState)
	if err != nil {
		return "", wrap(CodeCanonError, err)
	}
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(o.cfg.VMSigner, []byte(payloadCID)))

	trBody := map[string]interface{}{
		"@type":              "ubl/transition",
		"vm_sig":             sig,
		"vm_sig_payload_cid": payloadCID,
		"vm_state":           vmState,
	}
	outCID, err := canon.CID(trBody)
	if err != nil {
		return "", wrap(CodeCanonError, err)
	}
	if err := rec.AppendStage(o.cfg.Chain, receipt.StageExecution{
		Stage: stagechain.StageTR, InputCID: checkOutputCID, OutputCID: outCID, Body: trBody,
	}); err != nil {
		return "", wrap(CodeInternal, err)
	}
	o.publishStage(ctx, eventhub.StageTR, knocked, eventhub.ReceiptRef{CID: outCID, Decision: eventhub.DecisionAllow}, nil)
	return outCID, nil
}

func (o *Orchestrator) commitWF(ctx context.Context, rec *receipt.Receipt, knocked *knock.Result, fingerprint, decision, reason, waOutputCID, trOutputCID string, start time.Time) (outcome *Outcome, err error) {
	_, endWF := o.cfg.Tracer.StartStage(ctx, "WF")
	defer func() { endWF(err) }()

	duration := time.Since(start)

	wfInput := trOutputCID
	if wfInput == "" {
		wfInput = waOutputCID
	}
	wfBody := map[string]interface{}{"decision": decision, "reason": reason}
	wfOutputCID, err := canon.CID(wfBody)
	if err != nil {
		return nil, wrap(CodeCanonError, err)
	}
	if err := rec.AppendStage(o.cfg.Chain, receipt.StageExecution{
		Stage: stagechain.StageWF, InputCID: wfInput, OutputCID: wfOutputCID, Body: wfBody,
	}); err != nil {
		return nil, wrap(CodeInternal, err)
	}

	cid, err := rec.Finalize("ubl/wf", decision, reason, waOutputCID, trOutputCID, duration)
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}

	body, err := rec.ToJSON()
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}

	eventDecision := eventhub.DecisionAllow
	switch decision {
	case "Deny":
		eventDecision = eventhub.DecisionDeny
	case "Require":
		eventDecision = eventhub.DecisionRequire
	}
	evt := o.buildEvent(eventhub.StageWF, knocked, eventhub.ReceiptRef{CID: cid, Decision: eventDecision}, &duration)
	eventPayload, err := json.Marshal(evt)
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}

	err = o.cfg.Store.CommitWF(ctx, store.CommitInput{
		ReceiptCID:  cid,
		ReceiptBody: body,
		SubjectDID:  rec.DID,
		KID:         rec.KID,
		Decision:    decision,
		WACID:       waOutputCID,
		TRCID:       trOutputCID,
		IdemKey:     fingerprint,
		OutboxEvents: []store.OutboxEvent{
			{EventType: "ubl/event", Payload: eventPayload},
		},
	})
	if err != nil {
		return nil, wrap(CodeInternal, err)
	}

	if o.cfg.Events != nil {
		_ = o.cfg.Events.Publish(ctx, evt)
	}
	o.emitAdvisoryOnCommit(knocked, cid, decision)

	if o.cfg.Blobs != nil {
		_ = o.cfg.Blobs.Put(ctx, cid, body)
	}

	return &Outcome{ReceiptCID: cid, Decision: decision, Reason: reason, Receipt: rec}, nil
}

func (o *Orchestrator) publishKnockReject(ctx context.Context, err error) {
	if o.cfg.Events == nil {
		return
	}
	code := ""
	if ke, ok := err.(*knock.Error); ok {
		code = string(ke.Code)
	}
	evt := eventhub.Event{
		Type:    "ubl/event",
		Ver:     "1.0.0",
		ID:      eventhub.BuildID("b3:none", eventhub.StageKnock, "b3:none", "b3:none"),
		Stage:   eventhub.StageKnock,
		When:    time.Now().UTC(),
		Receipt: eventhub.ReceiptRef{Decision: eventhub.DecisionDeny, Code: code},
	}
	_ = o.cfg.Events.Publish(ctx, evt)
}

func (o *Orchestrator) publishStage(ctx context.Context, stage eventhub.Stage, knocked *knock.Result, ref eventhub.ReceiptRef, latency *time.Duration) {
	if o.cfg.Events == nil {
		return
	}
	_ = o.cfg.Events.Publish(ctx, o.buildEvent(stage, knocked, ref, latency))
}

func (o *Orchestrator) buildEvent(stage eventhub.Stage, knocked *knock.Result, ref eventhub.ReceiptRef, latency *time.Duration) eventhub.Event {
	chipID, _ := knocked.Body["@id"].(string)
	chipVer, _ := knocked.Body["@ver"].(string)
	ref.KnockCID = knocked.KnockCID

	var latencyMS *int64
	if latency != nil {
		ms := latency.Milliseconds()
		latencyMS = &ms
	}

	return eventhub.Event{
		Type:  "ubl/event",
		Ver:   "1.0.0",
		ID:    eventhub.BuildID(ref.CID, stage, knocked.KnockCID, ref.CID),
		World: knocked.World,
		Stage: stage,
		When:  time.Now().UTC(),
		Chip:  eventhub.Chip{Type: knocked.Type, ID: chipID, Ver: chipVer},
		Receipt: ref,
		Perf:    eventhub.Perf{LatencyMS: latencyMS},
	}
}

func (o *Orchestrator) emitAdvisory(result policy.Result, knocked *knock.Result, checkOutputCID string) {
	if o.cfg.Advisories == nil {
		return
	}
	confidence := 0.9
	if result.Decision == policy.Require {
		confidence = 0.5
	}
	_, err := o.cfg.Advisories.Emit(advisory.Trigger{
		InputCID: checkOutputCID,
		Action:   string(result.Decision),
		Hook:     "check.result",
		Model:    "policy-evaluator",
	}, confidence)
	if err == nil && o.cfg.OnAdvisoryIssued != nil {
		o.cfg.OnAdvisoryIssued()
	}
}

func (o *Orchestrator) emitAdvisoryOnCommit(knocked *knock.Result, receiptCID, decision string) {
	if o.cfg.Advisories == nil {
		return
	}
	_, err := o.cfg.Advisories.Emit(advisory.Trigger{
		InputCID: receiptCID,
		Action:   decision,
		Hook:     "wf.commit",
		Model:    "pipeline-orchestrator",
	}, 1.0)
	if err == nil && o.cfg.OnAdvisoryIssued != nil {
		o.cfg.OnAdvisoryIssued()
	}
}
