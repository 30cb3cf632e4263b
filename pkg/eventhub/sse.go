package eventhub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ServeSSE drains History matching filter, writes it as the initial
// backlog, then relays live events until the client disconnects or a
// lagged subscriber is dropped. The caller is responsible for parsing
// filter out of the request query string.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, filter Filter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("eventhub: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	backlog, err := h.History(ctx, filter, 0)
	if err != nil {
		return fmt.Errorf("eventhub: loading history: %w", err)
	}
	for _, e := range backlog {
		if err := writeSSEEvent(w, e); err != nil {
			return err
		}
	}
	flusher.Flush()

	live, unsubscribe := h.Subscribe(filter)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-live:
			if !ok {
				// Either unsubscribed (won't happen, we own the defer) or
				// the hub dropped us for lagging.
				return nil
			}
			if err := writeSSEEvent(w, e); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventhub: marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", e.ID, body)
	return err
}

// ParseFilter builds a Filter from query parameters, for handlers that
// want the default HTTP query-string mapping.
func ParseFilter(q map[string][]string) Filter {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return Filter{
		World:    get("world"),
		Stage:    Stage(get("stage")),
		Decision: Decision(get("decision")),
		Code:     get("code"),
		ChipType: get("chip_type"),
		Actor:    get("actor"),
	}
}

// ParseSearchFilter builds a Filter plus a result limit for the windowed
// search endpoint, in addition to everything ParseFilter recognizes:
// "since" (RFC 3339 timestamp) and "limit" (positive integer, default and
// ceiling both applied by the caller).
func ParseSearchFilter(q map[string][]string) (Filter, int) {
	filter := ParseFilter(q)
	limit := 0
	if v, ok := q["limit"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			limit = n
		}
	}
	if v, ok := q["since"]; ok && len(v) > 0 {
		if t, err := time.Parse(time.RFC3339, v[0]); err == nil {
			filter.Since = t
		}
	}
	return filter, limit
}
