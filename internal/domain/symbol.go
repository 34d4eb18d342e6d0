package domain

import (
	"fmt"
	"time"
)

type Symbol int

const (
	SymbolHearts   Symbol = 1
	SymbolDiamonds Symbol = 2
	SymbolClubs    Symbol = 3
	SymbolSpades   Symbol = 4
)

// Alphabet lists every accepted symbol in ascending order.
var Alphabet = []Symbol{SymbolHearts, SymbolDiamonds, SymbolClubs, SymbolSpades}

func (s Symbol) Valid() bool {
	return s >= SymbolHearts && s <= SymbolSpades
}

func (s Symbol) Name() string {
	switch s {
	case SymbolHearts:
		return "Hearts"
	case SymbolDiamonds:
		return "Diamonds"
	case SymbolClubs:
		return "Clubs"
	case SymbolSpades:
		return "Spades"
	default:
		return fmt.Sprintf("Symbol(%d)", int(s))
	}
}

func ValidateSymbol(s Symbol) error {
	if !s.Valid() {
		return fmt.Errorf("%w: symbol %d outside alphabet 1..%d", ErrValidation, int(s), len(Alphabet))
	}

	return nil
}

type SymbolEvent struct {
	SessionID SessionID
	Symbol    Symbol
	Position  int
	CreatedAt time.Time
}
