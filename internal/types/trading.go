package types

import (
	"fmt"
	"strings"
)

// Direction is the side of a position or signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection accepts long/short and the buy/sell aliases used by brokers.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown direction %q", raw)
	}
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

func (d Direction) String() string { return string(d) }

// NormalizeInstrument upper-cases and trims an instrument name.
func NormalizeInstrument(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
