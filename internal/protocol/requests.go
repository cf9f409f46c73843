package protocol

import "sync"

// RequestKind identifies what an outbound request asked for. The normalizer
// uses it to detect responses whose type code contradicts the request.
type RequestKind string

const (
	RequestOpenOrders    RequestKind = "OPEN_ORDERS"
	RequestPositions     RequestKind = "POSITIONS"
	RequestTradeAccounts RequestKind = "TRADE_ACCOUNTS"
)

const defaultRequestTableCap = 1024

// RequestTable tracks in-flight request ids with bounded capacity. Oldest
// entries are evicted first; a missed lookup just skips the guard.
type RequestTable struct {
	mu    sync.Mutex
	kinds map[string]RequestKind
	order []string
	cap   int
}

func NewRequestTable(capacity int) *RequestTable {
	if capacity <= 0 {
		capacity = defaultRequestTableCap
	}
	return &RequestTable{
		kinds: make(map[string]RequestKind, capacity),
		cap:   capacity,
	}
}

func (t *RequestTable) Record(id string, kind RequestKind) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.kinds[id]; !ok {
		t.order = append(t.order, id)
	}
	t.kinds[id] = kind
	for len(t.order) > t.cap {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.kinds, evict)
	}
}

func (t *RequestTable) Lookup(id string) (RequestKind, bool) {
	if id == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kind, ok := t.kinds[id]
	return kind, ok
}
