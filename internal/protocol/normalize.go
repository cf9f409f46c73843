package protocol

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrParse marks a payload whose required fields are missing or
	// malformed. The message is dropped; the stream continues.
	ErrParse = errors.New("protocol: parse error")

	// ErrProtocolViolation marks a recognized response whose type code
	// contradicts the request that triggered it. The message is dropped and
	// never applied to state.
	ErrProtocolViolation = errors.New("protocol: violation")
)

// Normalizer validates raw payloads, rejects documented protocol
// violations, and tags each message with its derived trading mode.
type Normalizer struct {
	requests *RequestTable
	classify Classifier
	log      *zap.Logger
}

func NewNormalizer(requests *RequestTable, classify Classifier, log *zap.Logger) *Normalizer {
	if classify == nil {
		classify = ClassifyAccount
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{requests: requests, classify: classify, log: log}
}

// Normalize converts a raw payload into a Message. Unknown type codes pass
// through as KindUnknown so protocol additions do not break the pipeline.
func (n *Normalizer) Normalize(raw Raw) (Message, error) {
	kind := kindForType(raw.Type)
	msg := Message{
		Kind:      kind,
		Type:      raw.Type,
		Account:   stringFromAny(raw.Fields[FieldTradeAccount]),
		Symbol:    stringFromAny(raw.Fields[FieldSymbol]),
		RequestID: stringFromAny(raw.Fields[FieldRequestID]),
	}
	msg.Mode = n.classify(msg.Account)
	if ms := int64FromAny(raw.Fields[FieldDateTime]); ms > 0 {
		msg.Timestamp = time.UnixMilli(ms).UTC()
	}

	if err := n.checkViolation(raw, msg.RequestID); err != nil {
		return Message{}, err
	}

	switch kind {
	case KindLogonResponse:
		msg.HeartbeatIntervalSec = intFromAny(raw.Fields[FieldHeartbeatInterval])
		msg.Text = stringFromAny(raw.Fields[FieldResult])
	case KindHeartbeat, KindLogoff, KindUnknown:
		// Nothing beyond the common fields.
	case KindMarketData:
		msg.TradePrice = floatOrZero(raw.Fields[FieldLastTradePrice])
	case KindOrderUpdate:
		if err := n.fillOrderUpdate(raw, &msg); err != nil {
			return Message{}, err
		}
	case KindPositionUpdate:
		if msg.Symbol == "" {
			return Message{}, fmt.Errorf("%w: position update missing %s", ErrParse, FieldSymbol)
		}
		msg.Qty = floatOrZero(raw.Fields[FieldPositionQuantity])
		msg.Price = floatOrZero(raw.Fields[FieldAveragePrice])
	case KindTradeAccountResponse:
		if msg.Account == "" {
			return Message{}, fmt.Errorf("%w: trade account response missing %s", ErrParse, FieldTradeAccount)
		}
	case KindBalanceUpdate:
		balance, ok := floatFromAny(raw.Fields[FieldCashBalance])
		if !ok {
			return Message{}, fmt.Errorf("%w: balance update missing %s", ErrParse, FieldCashBalance)
		}
		msg.Balance = balance
	}
	return msg, nil
}

func (n *Normalizer) fillOrderUpdate(raw Raw, msg *Message) error {
	msg.OrderID = stringFromAny(raw.Fields[FieldServerOrderID])
	if msg.OrderID == "" {
		return fmt.Errorf("%w: order update missing %s", ErrParse, FieldServerOrderID)
	}
	msg.Status = stringFromAny(raw.Fields[FieldOrderStatus])
	if msg.Status == "" {
		return fmt.Errorf("%w: order update missing %s", ErrParse, FieldOrderStatus)
	}
	msg.Side = stringFromAny(raw.Fields[FieldBuySell])
	msg.OrderType = stringFromAny(raw.Fields[FieldOrderType])
	msg.Reason = stringFromAny(raw.Fields[FieldReason])
	msg.Text = stringFromAny(raw.Fields[FieldInfoText])
	msg.Qty = floatOrZero(raw.Fields[FieldOrderQuantity])
	msg.Price = floatOrZero(raw.Fields[FieldPrice])
	msg.FilledQty = floatOrZero(raw.Fields[FieldFilledQuantity])
	msg.LastFillQty = floatOrZero(raw.Fields[FieldLastFillQuantity])
	msg.LastFillPrice = floatOrZero(raw.Fields[FieldLastFillPrice])
	msg.AvgFillPrice = floatOrZero(raw.Fields[FieldAverageFillPrice])
	msg.TradePrice = floatOrZero(raw.Fields[FieldLastTradePrice])
	return nil
}

// checkViolation enforces the two documented guards:
//   - an open-orders request must never be answered with a position update;
//   - a positions request must never be answered with market data.
//
// Correlation is by request id. Responses with no recorded request pass.
func (n *Normalizer) checkViolation(raw Raw, requestID string) error {
	if n.requests == nil || requestID == "" {
		return nil
	}
	reqKind, ok := n.requests.Lookup(requestID)
	if !ok {
		return nil
	}
	switch {
	case raw.Type == TypePositionUpdate && reqKind == RequestOpenOrders:
		n.log.Warn("position update answered an open-orders request",
			zap.String("request_id", requestID))
		return fmt.Errorf("%w: position update for open-orders request %s", ErrProtocolViolation, requestID)
	case kindForType(raw.Type) == KindMarketData && reqKind == RequestPositions:
		n.log.Warn("market data answered a positions request",
			zap.String("request_id", requestID))
		return fmt.Errorf("%w: market data for positions request %s", ErrProtocolViolation, requestID)
	}
	return nil
}
