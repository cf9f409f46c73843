// Package feed exposes a websocket endpoint that streams state changes to
// desktop UI panels and other local subscribers.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tp-bridge/internal/protocol"
	"tp-bridge/internal/statemgr"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Event is the wire form pushed to subscribers.
type Event struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`

	Balance  *float64         `json:"balance,omitempty"`
	Position *PositionPayload `json:"position,omitempty"`
	Order    *OrderPayload    `json:"order,omitempty"`
}

type PositionPayload struct {
	Action   string  `json:"action"`
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
	Side     string  `json:"side"`
}

type OrderPayload struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// FromStateEvent maps a state notification to its wire form.
func FromStateEvent(ev statemgr.Event) (Event, bool) {
	switch {
	case ev.ModeChanged != nil:
		return Event{Type: "mode", Mode: string(ev.ModeChanged.Mode)}, true
	case ev.BalanceChanged != nil:
		v := ev.BalanceChanged.Value
		return Event{Type: "balance", Mode: string(ev.BalanceChanged.Mode), Balance: &v}, true
	case ev.PositionChanged != nil:
		pos := ev.PositionChanged.Position
		return Event{
			Type: "position",
			Mode: string(pos.Mode),
			Position: &PositionPayload{
				Action:   string(ev.PositionChanged.Action),
				Symbol:   pos.Symbol,
				Qty:      pos.Qty,
				AvgPrice: pos.AvgPrice,
				Side:     pos.Side,
			},
		}, true
	default:
		return Event{}, false
	}
}

// FromOrderUpdate maps a normalized order update to its wire form.
func FromOrderUpdate(msg protocol.Message) Event {
	return Event{
		Type: "order",
		Mode: string(msg.Mode),
		Order: &OrderPayload{
			OrderID:   msg.OrderID,
			Symbol:    msg.Symbol,
			Side:      msg.Side,
			Status:    msg.Status,
			FilledQty: msg.FilledQty,
			AvgPrice:  msg.AvgFillPrice,
		},
	}
}

type subscriber struct {
	send chan []byte
}

// Server fans events out to connected websocket clients. Slow clients are
// disconnected rather than buffered without bound.
type Server struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, subs: make(map[*subscriber]struct{})}
}

// Broadcast pushes one event to every connected client.
func (s *Server) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("feed event marshal failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- data:
		default:
			// Buffer full: the writer goroutine will notice the closed
			// channel and drop the connection.
			delete(s.subs, sub)
			close(sub.send)
		}
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Warn("feed accept failed", zap.Error(err))
			return
		}
		sub := &subscriber{send: make(chan []byte, sendBuffer)}
		s.mu.Lock()
		s.subs[sub] = struct{}{}
		s.mu.Unlock()

		ctx := r.Context()
		defer func() {
			s.drop(sub)
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}()

		// Inbound traffic is ignored but must be drained for control frames.
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-sub.send:
				if !ok {
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				cancel()
				if err != nil {
					return
				}
			}
		}
	})
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.send)
	}
}
