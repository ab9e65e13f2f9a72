package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TradeSignal is the recommendation an algorithm emits for a pair.
// The zero value is NoAction so an unset signal never trades.
type TradeSignal uint8

const (
	NoAction TradeSignal = iota
	Buy
	Sell
)

var signalNames = map[TradeSignal]string{
	NoAction: "no_action",
	Buy:      "buy",
	Sell:     "sell",
}

func (s TradeSignal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TradeSignal(%d)", uint8(s))
}

// ParseTradeSignal accepts "buy", "sell", "no_action" in any case, as well as
// the CamelCase forms ("NoAction") some algorithm servers emit.
func ParseTradeSignal(raw string) (TradeSignal, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	case "no_action", "noaction", "none", "hold":
		return NoAction, nil
	default:
		return NoAction, fmt.Errorf("unknown trade signal %q", raw)
	}
}

// MarshalJSON encodes the signal as a quoted lowercase string.
func (s TradeSignal) MarshalJSON() ([]byte, error) {
	name, ok := signalNames[s]
	if !ok {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return json.Marshal(name)
}

// UnmarshalJSON rejects unknown strings instead of defaulting.
func (s *TradeSignal) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("trade signal must be a string: %w", err)
	}
	parsed, err := ParseTradeSignal(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AlgorithmSignal is one entry of the signal service response.
type AlgorithmSignal struct {
	Algorithm string      `json:"algorithm"`
	Signal    TradeSignal `json:"signal"`
	Amount    float64     `json:"amount"`
}

// Algorithm is a catalog entry mapping a stored id to the name the signal
// service uses.
type Algorithm struct {
	ID   string
	Name string
}
