package transport

import (
	"context"

	"tp-bridge/internal/protocol"

	"github.com/google/uuid"
)

// Sender is the slice of Client the requester needs; tests substitute it.
type Sender interface {
	Send(ctx context.Context, raw protocol.Raw) error
}

// Requester issues information requests and records their ids so the
// normalizer can correlate responses, including the mistyped ones the
// protocol is known to produce.
type Requester struct {
	sender Sender
	table  *protocol.RequestTable
}

func NewRequester(sender Sender, table *protocol.RequestTable) *Requester {
	return &Requester{sender: sender, table: table}
}

func (r *Requester) RequestOpenOrders(ctx context.Context, account string) (string, error) {
	return r.request(ctx, protocol.TypeOpenOrdersRequest, protocol.RequestOpenOrders, account)
}

func (r *Requester) RequestPositions(ctx context.Context, account string) (string, error) {
	return r.request(ctx, protocol.TypePositionsRequest, protocol.RequestPositions, account)
}

func (r *Requester) RequestTradeAccounts(ctx context.Context) (string, error) {
	return r.request(ctx, protocol.TypeTradeAccountsRequest, protocol.RequestTradeAccounts, "")
}

func (r *Requester) request(ctx context.Context, msgType int, kind protocol.RequestKind, account string) (string, error) {
	id := uuid.NewString()
	fields := map[string]any{protocol.FieldRequestID: id}
	if account != "" {
		fields[protocol.FieldTradeAccount] = account
	}
	// Recorded before the send so a fast response never races the table.
	r.table.Record(id, kind)
	if err := r.sender.Send(ctx, protocol.Raw{Type: msgType, Fields: fields}); err != nil {
		return "", err
	}
	return id, nil
}
