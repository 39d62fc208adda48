package types

import (
	"encoding/json"
	"fmt"
)

// LiquidityLevel is one maker price level: [side, price, baseQuantity].
// Levels are non-binding indications used only for quote computation.
type LiquidityLevel struct {
	Side     Side
	Price    float64
	Quantity float64
}

// MarshalJSON emits the positional [side, price, quantity] form.
func (l LiquidityLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{l.Side, l.Price, l.Quantity})
}

// UnmarshalJSON parses the positional [side, price, quantity] form.
func (l *LiquidityLevel) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("liquidity level must have 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &l.Side); err != nil {
		return fmt.Errorf("liquidity level side: %w", err)
	}
	if !l.Side.Valid() {
		return fmt.Errorf("liquidity level side %q invalid", l.Side)
	}
	if err := json.Unmarshal(raw[1], &l.Price); err != nil {
		return fmt.Errorf("liquidity level price: %w", err)
	}
	if err := json.Unmarshal(raw[2], &l.Quantity); err != nil {
		return fmt.Errorf("liquidity level quantity: %w", err)
	}
	if l.Price <= 0 || l.Quantity <= 0 {
		return fmt.Errorf("liquidity level price/quantity must be positive")
	}
	return nil
}

// LiquidityIndication is a maker's ephemeral statement of executable size,
// keyed by (chain, market, maker connection). Last write wins; it vanishes on
// maker disconnect or expiry.
type LiquidityIndication struct {
	ChainID      ChainID          `json:"chainId"`
	Market       string           `json:"market"`
	ConnectionID string           `json:"connectionId"`
	Levels       []LiquidityLevel `json:"levels"`
}
