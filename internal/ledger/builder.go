package ledger

import (
	"sort"
	"strings"
	"time"

	"tp-bridge/internal/protocol"
)

// Update is one order-update message, keyed by the server-assigned order id.
// FilledQty is cumulative as reported by the server; LastFillQty/Price
// describe the fill carried by this particular update, when any.
type Update struct {
	OrderID   string
	Account   string
	Symbol    string
	Side      string
	OrderType string
	Status    string
	Reason    string
	Text      string

	Qty           float64
	Price         float64
	FilledQty     float64
	LastFillQty   float64
	LastFillPrice float64
	AvgFillPrice  float64
	TradePrice    float64

	Time time.Time
}

// FromMessage converts a normalized order update. Reports false for any
// other message kind.
func FromMessage(msg protocol.Message) (Update, bool) {
	if msg.Kind != protocol.KindOrderUpdate {
		return Update{}, false
	}
	return Update{
		OrderID:       msg.OrderID,
		Account:       msg.Account,
		Symbol:        msg.Symbol,
		Side:          msg.Side,
		OrderType:     msg.OrderType,
		Status:        msg.Status,
		Reason:        msg.Reason,
		Text:          msg.Text,
		Qty:           msg.Qty,
		Price:         msg.Price,
		FilledQty:     msg.FilledQty,
		LastFillQty:   msg.LastFillQty,
		LastFillPrice: msg.LastFillPrice,
		AvgFillPrice:  msg.AvgFillPrice,
		TradePrice:    msg.TradePrice,
		Time:          msg.Timestamp,
	}, true
}

// Record is the synthesized terminal state of one order.
type Record struct {
	OrderID   string
	Account   string
	Symbol    string
	Side      string
	OrderType string

	Qty          float64
	Price        float64
	FilledQty    float64
	AvgFillPrice float64

	Status string
	Reason string
	Text   string

	FirstTime time.Time
	LastTime  time.Time
	Duration  time.Duration

	ExitKind  string
	HighPrice float64
	LowPrice  float64
}

// Fill is one fill-bearing update flattened out of its group.
type Fill struct {
	OrderID string
	Account string
	Symbol  string
	Side    string
	Qty     float64
	Price   float64
	Time    time.Time
}

// IsTerminal reports whether a status ends an order's lifecycle.
func IsTerminal(status string) bool {
	return statusRank(status) == 5
}

// Terminal-status ranking: the highest-ranked status wins regardless of
// arrival order; ties break to the latest timestamp, then input order.
func statusRank(status string) int {
	switch normalizeStatus(status) {
	case "FILLED", "REJECTED", "CANCELED":
		return 5
	case "PARTIALLYFILLED":
		return 4
	case "OPEN":
		return 3
	case "SUBMITTED":
		return 2
	case "NEW", "PENDINGCANCEL", "PENDINGREPLACE":
		return 1
	default:
		return 0
	}
}

func normalizeStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "CANCELLED" {
		return "CANCELED"
	}
	return s
}

type group struct {
	orderID string
	seq     int // first-seen input index, for deterministic output order
	updates []indexed
}

type indexed struct {
	seq int
	Update
}

func groupByOrder(updates []Update) []*group {
	byID := make(map[string]*group)
	var groups []*group
	for i, u := range updates {
		if u.OrderID == "" {
			continue
		}
		g, ok := byID[u.OrderID]
		if !ok {
			g = &group{orderID: u.OrderID, seq: i}
			byID[u.OrderID] = g
			groups = append(groups, g)
		}
		g.updates = append(g.updates, indexed{seq: i, Update: u})
	}
	return groups
}

// Build folds all updates into one terminal record per order id. Pure and
// deterministic: the same input always yields the same output.
func Build(updates []Update) []Record {
	groups := groupByOrder(updates)
	records := make([]Record, 0, len(groups))
	for _, g := range groups {
		records = append(records, buildRecord(g, updates))
	}
	sortRecords(records)
	return records
}

func buildRecord(g *group, all []Update) Record {
	terminal := g.updates[0]
	first, last := g.updates[0].Time, g.updates[0].Time
	for _, u := range g.updates[1:] {
		if u.Time.Before(first) {
			first = u.Time
		}
		if u.Time.After(last) {
			last = u.Time
		}
		if laterTerminal(u, terminal) {
			terminal = u
		}
	}

	rec := Record{
		OrderID:   g.orderID,
		Account:   terminal.Account,
		Symbol:    terminal.Symbol,
		Side:      terminal.Side,
		OrderType: terminal.OrderType,
		Qty:       terminal.Qty,
		Price:     terminal.Price,
		Status:    terminal.Status,
		Reason:    terminal.Reason,
		Text:      terminal.Text,
		FirstTime: first,
		LastTime:  last,
		Duration:  last.Sub(first),
	}
	rec.FilledQty, rec.AvgFillPrice = fillTotals(g)
	if rec.FilledQty > 0 {
		rec.ExitKind = exitKind(rec.OrderType)
		rec.HighPrice, rec.LowPrice = priceRange(all, first, last)
	}
	return rec
}

func laterTerminal(candidate, current indexed) bool {
	cr, tr := statusRank(candidate.Status), statusRank(current.Status)
	if cr != tr {
		return cr > tr
	}
	if !candidate.Time.Equal(current.Time) {
		return candidate.Time.After(current.Time)
	}
	return candidate.seq > current.seq
}

// fillTotals derives cumulative filled quantity and the volume-weighted
// average fill price. A server-reported average on the latest fill-bearing
// update takes precedence over the locally derived VWAP.
func fillTotals(g *group) (float64, float64) {
	var cum, vwapNum, vwapDen, reportedAvg float64
	for _, u := range g.updates {
		delta := u.LastFillQty
		if u.FilledQty > cum {
			if delta == 0 {
				delta = u.FilledQty - cum
			}
			cum = u.FilledQty
		} else if delta > 0 {
			cum += delta
		}
		if delta > 0 {
			price := u.LastFillPrice
			if price == 0 {
				price = u.AvgFillPrice
			}
			if price == 0 {
				price = u.Price
			}
			vwapNum += delta * price
			vwapDen += delta
		}
		if u.AvgFillPrice > 0 && (u.LastFillQty > 0 || u.FilledQty > 0) {
			reportedAvg = u.AvgFillPrice
		}
	}
	if cum == 0 {
		return 0, 0
	}
	if reportedAvg > 0 {
		return cum, reportedAvg
	}
	if vwapDen == 0 {
		return cum, 0
	}
	return cum, vwapNum / vwapDen
}

// exitKind classifies the fill that closed the position by its order type.
func exitKind(orderType string) string {
	ot := strings.ToUpper(orderType)
	switch {
	case strings.Contains(ot, "STOP"):
		return "Stop"
	case strings.Contains(ot, "LIMIT"):
		return "Limit"
	default:
		return "Market"
	}
}

// priceRange scans trade prices observed anywhere in the stream within the
// group's lifetime window.
func priceRange(all []Update, first, last time.Time) (float64, float64) {
	var high, low float64
	for _, u := range all {
		if u.TradePrice <= 0 {
			continue
		}
		if u.Time.Before(first) || u.Time.After(last) {
			continue
		}
		if high == 0 || u.TradePrice > high {
			high = u.TradePrice
		}
		if low == 0 || u.TradePrice < low {
			low = u.TradePrice
		}
	}
	return high, low
}

// Snapshot returns the most recently timestamped update per order id,
// irrespective of terminal rank: what the broker currently thinks, not what
// finally happened.
func Snapshot(updates []Update) []Record {
	groups := groupByOrder(updates)
	records := make([]Record, 0, len(groups))
	for _, g := range groups {
		latest := g.updates[0]
		first, last := g.updates[0].Time, g.updates[0].Time
		for _, u := range g.updates[1:] {
			if u.Time.Before(first) {
				first = u.Time
			}
			if u.Time.After(last) {
				last = u.Time
			}
			if u.Time.After(latest.Time) || (u.Time.Equal(latest.Time) && u.seq > latest.seq) {
				latest = u
			}
		}
		records = append(records, Record{
			OrderID:      g.orderID,
			Account:      latest.Account,
			Symbol:       latest.Symbol,
			Side:         latest.Side,
			OrderType:    latest.OrderType,
			Qty:          latest.Qty,
			Price:        latest.Price,
			FilledQty:    latest.FilledQty,
			AvgFillPrice: latest.AvgFillPrice,
			Status:       latest.Status,
			Reason:       latest.Reason,
			Text:         latest.Text,
			FirstTime:    first,
			LastTime:     last,
			Duration:     last.Sub(first),
		})
	}
	sortRecords(records)
	return records
}

// FillStream flattens all fill-bearing updates across all groups into one
// chronological sequence.
func FillStream(updates []Update) []Fill {
	type seqFill struct {
		seq int
		Fill
	}
	var fills []seqFill
	for i, u := range updates {
		if u.OrderID == "" || u.LastFillQty <= 0 {
			continue
		}
		price := u.LastFillPrice
		if price == 0 {
			price = u.AvgFillPrice
		}
		fills = append(fills, seqFill{seq: i, Fill: Fill{
			OrderID: u.OrderID,
			Account: u.Account,
			Symbol:  u.Symbol,
			Side:    u.Side,
			Qty:     u.LastFillQty,
			Price:   price,
			Time:    u.Time,
		}})
	}
	sort.SliceStable(fills, func(a, b int) bool {
		if !fills[a].Time.Equal(fills[b].Time) {
			return fills[a].Time.Before(fills[b].Time)
		}
		return fills[a].seq < fills[b].seq
	})
	out := make([]Fill, len(fills))
	for i, f := range fills {
		out[i] = f.Fill
	}
	return out
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(a, b int) bool {
		if !records[a].FirstTime.Equal(records[b].FirstTime) {
			return records[a].FirstTime.Before(records[b].FirstTime)
		}
		return records[a].OrderID < records[b].OrderID
	})
}
