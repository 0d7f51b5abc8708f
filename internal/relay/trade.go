// Package relay contains the canonical trade model, the normalizer and the
// pipeline joining the upstream connector to the durable sink and the
// broadcast hub.
package relay

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawTrade is the exchange-shaped trade frame as received on the upstream
// stream. Field tags follow the exchange protocol.
type RawTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// TradeEvent is the canonical trade record used by every stage after
// normalization. It is a value type and is never mutated after creation;
// the sink and the hub each receive their own copy.
type TradeEvent struct {
	Symbol            string
	Price             decimal.Decimal
	Quantity          decimal.Decimal
	Notional          decimal.Decimal
	ExchangeTimestamp int64
	ReceivedAt        time.Time
}

// TradePayload is the shape pushed to subscribers. Volume duplicates
// Notional under the name downstream consumers expect, and Datetime is the
// exchange timestamp rendered as RFC3339.
type TradePayload struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
	Datetime  string          `json:"datetime"`
}

// Payload converts the event into its broadcast representation.
func (e TradeEvent) Payload() TradePayload {
	return TradePayload{
		Symbol:    e.Symbol,
		Price:     e.Price,
		Volume:    e.Notional,
		Quantity:  e.Quantity,
		Timestamp: e.ExchangeTimestamp,
		Datetime:  time.UnixMilli(e.ExchangeTimestamp).UTC().Format(time.RFC3339Nano),
	}
}
