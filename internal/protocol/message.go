package protocol

import "time"

// Type codes used by the platform's wire protocol. Unlisted codes are
// carried through as KindUnknown.
const (
	TypeLogonRequest         = 1
	TypeLogonResponse        = 2
	TypeHeartbeat            = 3
	TypeLogoff               = 5
	TypeMarketDataRequest    = 101
	TypeMarketDataSnapshot   = 104
	TypeOpenOrdersRequest    = 300
	TypeOrderUpdate          = 301
	TypePositionsRequest     = 305
	TypePositionUpdate       = 306
	TypeTradeAccountsRequest = 400
	TypeTradeAccountResponse = 401
	TypeBalanceUpdate        = 600
)

// Field keys present in raw payloads.
const (
	FieldTradeAccount      = "TradeAccount"
	FieldSymbol            = "Symbol"
	FieldServerOrderID     = "ServerOrderID"
	FieldRequestID         = "RequestID"
	FieldOrderStatus       = "OrderStatus"
	FieldBuySell           = "BuySell"
	FieldOrderType         = "OrderType"
	FieldOrderQuantity     = "OrderQuantity"
	FieldPrice             = "Price1"
	FieldFilledQuantity    = "FilledQuantity"
	FieldLastFillQuantity  = "LastFillQuantity"
	FieldLastFillPrice     = "LastFillPrice"
	FieldAverageFillPrice  = "AverageFillPrice"
	FieldLastTradePrice    = "LastTradePrice"
	FieldPositionQuantity  = "PositionQuantity"
	FieldAveragePrice      = "AveragePrice"
	FieldCashBalance       = "CashBalance"
	FieldHeartbeatInterval = "HeartbeatIntervalSec"
	FieldResult            = "Result"
	FieldUsername          = "Username"
	FieldPassword          = "Password"
	FieldInfoText          = "InfoText"
	FieldReason            = "Reason"
	FieldDateTime          = "DateTime"
)

// Raw is the opaque payload produced by the transport codec: a type code
// plus a flat field map. Framing and encoding are the codec's concern.
type Raw struct {
	Type   int
	Fields map[string]any
}

type Kind string

const (
	KindUnknown              Kind = "UNKNOWN"
	KindLogonResponse        Kind = "LOGON_RESPONSE"
	KindHeartbeat            Kind = "HEARTBEAT"
	KindLogoff               Kind = "LOGOFF"
	KindMarketData           Kind = "MARKET_DATA"
	KindOrderUpdate          Kind = "ORDER_UPDATE"
	KindPositionUpdate       Kind = "POSITION_UPDATE"
	KindTradeAccountResponse Kind = "TRADE_ACCOUNT_RESPONSE"
	KindBalanceUpdate        Kind = "BALANCE_UPDATE"
)

// Message is the normalized variant the rest of the pipeline consumes.
// Mode is derived from the trade account, never transmitted by the server.
type Message struct {
	Kind      Kind
	Type      int
	Mode      Mode
	Account   string
	Symbol    string
	OrderID   string
	RequestID string

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
	Balance       float64

	HeartbeatIntervalSec int
	Timestamp            time.Time
}

func kindForType(code int) Kind {
	switch code {
	case TypeLogonResponse:
		return KindLogonResponse
	case TypeHeartbeat:
		return KindHeartbeat
	case TypeLogoff:
		return KindLogoff
	case TypeMarketDataRequest, TypeMarketDataSnapshot:
		return KindMarketData
	case TypeOrderUpdate:
		return KindOrderUpdate
	case TypePositionUpdate:
		return KindPositionUpdate
	case TypeTradeAccountResponse:
		return KindTradeAccountResponse
	case TypeBalanceUpdate:
		return KindBalanceUpdate
	default:
		return KindUnknown
	}
}
