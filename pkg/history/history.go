// Package history implements an approximate real-time consistency checker
// over the acknowledged operations of a set of KV clients.
//
// Timestamps are logical and strictly increasing across the whole run. Every
// acknowledged response is queued for checking; a queued response becomes
// decidable once every client has acknowledged an update later than it, at
// which point it is checked against the trimmed per-key update history.
package history

import (
	"errors"
	"fmt"
	"math"

	"github.com/madkv/madkv-cli/pkg/kvapi"
)

// ErrUnknownKey is returned when an update touches a key outside the pool.
var ErrUnknownKey = errors.New("unexpected update key")

// updateSpan is one acknowledged update of a key by one client.
type updateSpan struct {
	tsCall uint64
	tsResp uint64
	// nil for a delete
	value *string
}

// queuedSpan is a response waiting to become decidable.
type queuedSpan struct {
	tsCall uint64
	tsResp uint64
	resp   kvapi.Resp
}

// Violation describes a response that no ordering of the history explains.
type Violation struct {
	TsCall uint64
	TsResp uint64
	Resp   kvapi.Resp
}

func (v *Violation) Error() string {
	return fmt.Sprintf("consistency violation <%d - %d>: %s", v.TsCall, v.TsResp, v.Resp.Op)
}

// History is the trimmed history of per-client acknowledged operations.
type History struct {
	// ordered by response timestamp
	queue []queuedSpan

	// key -> client -> trimmed update spans
	spans map[string][][]updateSpan

	// per-client max update response timestamp seen
	maxTsResp []uint64
}

// New creates an empty history for numClients clients touching keys, where
// keys[i] is the key pool of client i. Pools may overlap.
func New(numClients int, keys [][]string) *History {
	spans := make(map[string][][]updateSpan)
	for _, pool := range keys {
		for _, key := range pool {
			if _, ok := spans[key]; ok {
				continue
			}
			perClient := make([][]updateSpan, numClients)
			for i := range perClient {
				// a dummy delete at time zero stands for "never written"
				perClient[i] = []updateSpan{{}}
			}
			spans[key] = perClient
		}
	}

	return &History{
		spans:     spans,
		maxTsResp: make([]uint64, numClients),
	}
}

// AddToQueue queues a newly acknowledged response for checking. Responses
// must be added in increasing tsResp order.
func (h *History) AddToQueue(tsCall, tsResp uint64, resp kvapi.Resp) {
	h.queue = append(h.queue, queuedSpan{tsCall: tsCall, tsResp: tsResp, resp: resp})
}

// QueueLen returns the number of responses still waiting to be checked.
func (h *History) QueueLen() int {
	return len(h.queue)
}

// ApplyUpdate records an acknowledged update of key by client, trims spans
// that can no longer matter, and checks every queued response that became
// decidable. A nil value records a delete.
//
// It returns a non-nil Violation for the first failed check, or
// ErrUnknownKey when key is outside the pool.
func (h *History) ApplyUpdate(client int, tsCall, tsResp uint64, key string, value *string) (*Violation, error) {
	keySpans, ok := h.spans[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if client < 0 || client >= len(h.maxTsResp) {
		return nil, fmt.Errorf("client index %d out of range", client)
	}

	keySpans[client] = append(keySpans[client], updateSpan{tsCall: tsCall, tsResp: tsResp, value: value})
	h.maxTsResp[client] = tsResp

	minComing := h.minComingTs()
	minQueued := h.minQueuedTs()

	// A span can go once a later span of the same client is fully ahead of
	// both the next possible incoming call and every queued call.
	for c, clientSpans := range keySpans {
		var keepTs uint64
		for i := len(clientSpans) - 1; i >= 0; i-- {
			span := clientSpans[i]
			if span.tsResp < minComing && span.tsResp < minQueued {
				keepTs = span.tsCall
				break
			}
		}
		drop := 0
		for len(clientSpans)-drop > 1 && clientSpans[drop].tsResp < keepTs {
			drop++
		}
		keySpans[c] = clientSpans[drop:]
	}

	for len(h.queue) > 0 && h.queue[0].tsResp < minComing {
		entry := h.queue[0]
		h.queue = h.queue[1:]
		if !h.check(entry) {
			return &Violation{TsCall: entry.tsCall, TsResp: entry.tsResp, Resp: entry.resp}, nil
		}
	}

	return nil, nil
}

func (h *History) minComingTs() uint64 {
	lowest := uint64(math.MaxUint64)
	for _, ts := range h.maxTsResp {
		if ts < lowest {
			lowest = ts
		}
	}
	return lowest
}

func (h *History) minQueuedTs() uint64 {
	lowest := uint64(math.MaxUint64)
	for _, entry := range h.queue {
		if entry.tsCall < lowest {
			lowest = entry.tsCall
		}
	}
	return lowest
}

func (h *History) check(entry queuedSpan) bool {
	resp := entry.resp

	if resp.Op == kvapi.OpScan {
		return h.checkScan(entry.tsCall, entry.tsResp, resp.Key, resp.KeyEnd, resp.Entries)
	}

	keySpans, ok := h.spans[resp.Key]
	if !ok {
		return false
	}

	switch resp.Op {
	case kvapi.OpPut, kvapi.OpDelete:
		return checkSpans(keySpans, entry.tsCall, entry.tsResp, func(v *string) bool {
			return (v != nil) == resp.Found
		})
	case kvapi.OpSwap, kvapi.OpGet:
		return checkValue(keySpans, entry.tsCall, entry.tsResp, resp.Value)
	default:
		return false
	}
}

// checkScan checks every pooled key in [start, end] as if it were a GET.
func (h *History) checkScan(tsCall, tsResp uint64, start, end string, entries []kvapi.Entry) bool {
	seen := make(map[string]*string, len(entries))
	for _, e := range entries {
		if e.Key < start || e.Key > end {
			return false
		}
		if _, dup := seen[e.Key]; dup {
			return false
		}
		value := e.Value
		seen[e.Key] = &value
	}

	for key, keySpans := range h.spans {
		if key < start || key > end {
			continue
		}
		if !checkValue(keySpans, tsCall, tsResp, seen[key]) {
			return false
		}
	}
	return true
}

func checkValue(keySpans [][]updateSpan, tsCall, tsResp uint64, value *string) bool {
	return checkSpans(keySpans, tsCall, tsResp, func(v *string) bool {
		return equalValue(v, value)
	})
}

// checkSpans reports whether some update that may have been the latest one
// visible within [tsCall, tsResp] satisfies match. Walking each client's
// spans newest first, spans are candidates while they started before tsResp,
// and the walk ends at the first span fully before tsCall.
func checkSpans(keySpans [][]updateSpan, tsCall, tsResp uint64, match func(*string) bool) bool {
	for _, clientSpans := range keySpans {
		for i := len(clientSpans) - 1; i >= 0; i-- {
			span := clientSpans[i]
			if span.tsCall < tsResp && match(span.value) {
				return true
			}
			if span.tsResp < tsCall {
				break
			}
		}
	}
	return false
}

func equalValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
