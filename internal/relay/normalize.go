package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports why a raw frame was rejected by normalization.
// Rejections are returned as values, never panics, so callers count and
// drop without losing control flow.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trade frame: %s %s", e.Field, e.Reason)
}

// Normalize maps an exchange frame into a canonical TradeEvent. The
// notional is computed with decimal arithmetic at full input precision
// before the event is handed to any consumer.
func Normalize(raw RawTrade) (TradeEvent, error) {
	symbol := strings.TrimSpace(raw.Symbol)
	if symbol == "" {
		return TradeEvent{}, &ValidationError{Field: "symbol", Reason: "is empty"}
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return TradeEvent{}, &ValidationError{Field: "price", Reason: "is not a decimal"}
	}
	if !price.IsPositive() {
		return TradeEvent{}, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	quantity, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return TradeEvent{}, &ValidationError{Field: "quantity", Reason: "is not a decimal"}
	}
	if !quantity.IsPositive() {
		return TradeEvent{}, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	if raw.EventTime <= 0 {
		return TradeEvent{}, &ValidationError{Field: "timestamp", Reason: "must be positive"}
	}

	return TradeEvent{
		Symbol:            symbol,
		Price:             price,
		Quantity:          quantity,
		Notional:          price.Mul(quantity),
		ExchangeTimestamp: raw.EventTime,
		ReceivedAt:        time.Now().UTC(),
	}, nil
}
