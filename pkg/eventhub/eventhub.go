// Package eventhub fans out a normalized ubl/event envelope for every
// receipt emission: one broadcast to any live subscribers and, if an
// event store is configured, one durable append those subscribers can
// replay from on reconnect.
package eventhub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stage mirrors the pipeline stage a receipt event was emitted for, plus
// the REGISTRY pseudo-stage used for non-pipeline events (e.g. policy or
// adapter registration).
type Stage string

const (
	StageKnock    Stage = "KNOCK"
	StageWA       Stage = "WA"
	StageCheck    Stage = "CHECK"
	StageTR       Stage = "TR"
	StageWF       Stage = "WF"
	StageRegistry Stage = "REGISTRY"
)

// Decision is the receipt decision carried on an event, uppercased per
// the wire envelope (the pipeline's internal Decision type is lowercase).
type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionDeny    Decision = "DENY"
	DecisionRequire Decision = "REQUIRE"
)

// Chip identifies the inbound chip an event is about.
type Chip struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Ver  string `json:"ver,omitempty"`
}

// ReceiptRef is the receipt summary carried on an event.
type ReceiptRef struct {
	CID      string   `json:"cid"`
	Decision Decision `json:"decision"`
	Code     string   `json:"code,omitempty"`
	KnockCID string   `json:"knock_cid,omitempty"`
}

// Perf carries optional performance signal; MemKB is always present and
// null since the gate does not track per-request memory (§1 Non-goals).
type Perf struct {
	LatencyMS *int64 `json:"latency_ms,omitempty"`
	Fuel      *uint64 `json:"fuel,omitempty"`
	MemKB     *int64 `json:"mem_kb"`
}

// Actor identifies who the event is about.
type Actor struct {
	KID string `json:"kid"`
	DID string `json:"did,omitempty"`
	Cap string `json:"cap,omitempty"`
}

// Event is the normalized ubl/event envelope.
type Event struct {
	Type      string     `json:"@type"`
	Ver       string     `json:"@ver"`
	ID        string     `json:"@id"`
	World     string     `json:"@world"`
	Stage     Stage      `json:"stage"`
	When      time.Time  `json:"when"`
	Chip      Chip       `json:"chip"`
	Receipt   ReceiptRef `json:"receipt"`
	Perf      Perf       `json:"perf"`
	Actor     Actor      `json:"actor"`
	Artifacts []string   `json:"artifacts,omitempty"`
}

// BuildID computes the deterministic event id evt:<receipt_cid>:<STAGE>:<in>:<out>,
// so replaying a receipt emission always reproduces the same event id.
func BuildID(receiptCID string, stage Stage, inputCID, outputCID string) string {
	return fmt.Sprintf("evt:%s:%s:%s:%s", receiptCID, stage, inputCID, outputCID)
}

// Filter narrows a subscription or historical query. A zero-value field
// matches anything. Stage and Decision match case-insensitively since
// both SSE subscribers and the windowed search endpoint accept either
// case from callers; Code and ChipType are exact, except ChipType "*"
// which matches any chip type explicitly (distinct from the zero value,
// which already matches anything — "*" exists so a caller can express
// "any type" alongside other filters without omitting the parameter).
type Filter struct {
	World    string
	Stage    Stage
	Decision Decision
	Code     string
	ChipType string
	Actor    string
	// Since, if non-zero, excludes events at or before this time. It is
	// applied to every match, live Subscribe matching included;
	// ParseSearchFilter sets it from "since", ParseFilter never does.
	Since time.Time
}

func (f Filter) matches(e Event) bool {
	if f.World != "" && f.World != e.World {
		return false
	}
	if f.Stage != "" && !strings.EqualFold(string(f.Stage), string(e.Stage)) {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(string(f.Decision), string(e.Receipt.Decision)) {
		return false
	}
	if f.Code != "" && f.Code != e.Receipt.Code {
		return false
	}
	if f.ChipType != "" && f.ChipType != "*" && f.ChipType != e.Chip.Type {
		return false
	}
	if f.Actor != "" && f.Actor != e.Actor.DID && f.Actor != e.Actor.KID {
		return false
	}
	if !f.Since.IsZero() && !e.When.After(f.Since) {
		return false
	}
	return true
}

// subscriberBuffer bounds how far a subscriber can lag before it is
// dropped rather than allowed to stall the publisher.
const subscriberBuffer = 256

// EventStore durably persists the normalized event envelope so a new
// subscriber can drain matching history before live events resume, and
// so events outlive any one process's broadcast channel.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	Query(ctx context.Context, f Filter, limit int) ([]Event, error)
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is the in-process broadcast point plus optional durable append.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	store       EventStore

	dropped uint64
}

// New builds a Hub. store may be nil, in which case history replay on
// Subscribe returns nothing and only live events are ever seen.
func New(store EventStore) *Hub {
	return &Hub{subscribers: make(map[int64]*subscriber), store: store}
}

// Publish appends the event (if a store is configured) and broadcasts it
// to every subscriber whose filter matches. A subscriber whose buffer is
// full is dropped rather than blocking the publisher; DroppedCount
// reflects this.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	if h.store != nil {
		if err := h.store.Append(ctx, e); err != nil {
			return fmt.Errorf("eventhub: durable append: %w", err)
		}
	}

	h.mu.RLock()
	var lagged []int64
	for id, sub := range h.subscribers {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			lagged = append(lagged, id)
		}
	}
	h.mu.RUnlock()

	if len(lagged) > 0 {
		h.drop(lagged)
	}
	return nil
}

// drop closes and forgets subscribers that fell behind, identified under
// a prior read lock and removed here under the write lock.
func (h *Hub) drop(ids []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if sub, ok := h.subscribers[id]; ok {
			close(sub.ch)
			delete(h.subscribers, id)
			h.dropped++
		}
	}
}

// DroppedCount returns the number of subscribers ever dropped for lagging.
func (h *Hub) DroppedCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribe registers a live subscriber and returns its channel plus an
// unsubscribe function. The channel is closed either by unsubscribe or by
// the hub dropping a lagged subscriber; callers must stop reading once it
// closes.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: filter}
	h.subscribers[id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subscribers[id]; ok {
			close(s.ch)
			delete(h.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// History returns matching durably-stored events, oldest first, for a new
// subscriber to drain before live events resume. Returns nil if no store
// is configured.
func (h *Hub) History(ctx context.Context, filter Filter, limit int) ([]Event, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.Query(ctx, filter, limit)
}

// Search runs a one-shot windowed query against the durable store, for
// callers that want a JSON page of matching events rather than a live
// SSE stream. Returns an empty slice (never nil error) if no store is
// configured, matching History's degrade-gracefully posture.
func (h *Hub) Search(ctx context.Context, filter Filter, limit int) ([]Event, error) {
	if h.store == nil {
		return []Event{}, nil
	}
	events, err := h.store.Query(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}
