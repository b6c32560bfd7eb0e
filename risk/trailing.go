package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING STOP - One-way ratchet per position
// ═══════════════════════════════════════════════════════════════════════════════
//
// State machine: INACTIVE → ACTIVE → TRIGGERED
//
// The stop follows the high-water mark up and never comes back down. Once the
// price touches the stop the state latches TRIGGERED and the evaluator turns
// it into a trailing_stop exit condition.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TrailingStop mutates a position's TrailingStopState. It is the only
// component allowed to write that record.
type TrailingStop struct {
	distance decimal.Decimal
}

// NewTrailingStop creates a tracker with the configured stop distance
func NewTrailingStop(distance decimal.Decimal) *TrailingStop {
	return &TrailingStop{distance: distance}
}

// Init arms the ratchet when a position opens
func (ts *TrailingStop) Init(pos *types.Position) {
	pos.Trailing = types.TrailingStopState{
		SchemaVersion:   types.TrailingStopSchemaVersion,
		Enabled:         true,
		State:           types.TrailingActive,
		ActivationPrice: pos.EntryPrice,
		Distance:        ts.distance,
		CurrentStop:     pos.EntryPrice.Sub(ts.distance),
		HighestPrice:    pos.EntryPrice,
	}

	log.Debug().
		Str("position", pos.ID).
		Str("stop", pos.Trailing.CurrentStop.StringFixed(4)).
		Msg("Trailing stop armed")
}

// Update feeds one fresh price observation through the ratchet and reports
// whether the stop has triggered. Corrupted state fail-safes: the stop is
// clamped to no looser than entry and ratcheting halts until re-init.
func (ts *TrailingStop) Update(pos *types.Position, price decimal.Decimal) bool {
	t := &pos.Trailing

	if !t.Enabled || t.State == types.TrailingInactive {
		return false
	}

	if !t.Valid() {
		ts.failSafe(pos)
		return false
	}

	if t.State == types.TrailingTriggered {
		return true
	}

	// Ratchet: the stop only ever tightens
	if price.GreaterThan(t.HighestPrice) {
		t.HighestPrice = price
		newStop := t.HighestPrice.Sub(t.Distance)
		if newStop.GreaterThan(t.CurrentStop) {
			t.CurrentStop = newStop
			log.Debug().
				Str("position", pos.ID).
				Str("high", t.HighestPrice.StringFixed(4)).
				Str("stop", t.CurrentStop.StringFixed(4)).
				Msg("Trailing stop tightened")
		}
	}

	if price.LessThanOrEqual(t.CurrentStop) {
		t.State = types.TrailingTriggered
		log.Info().
			Str("position", pos.ID).
			Str("price", price.StringFixed(4)).
			Str("stop", t.CurrentStop.StringFixed(4)).
			Msg("🛑 Trailing stop triggered")
		return true
	}

	return false
}

// failSafe resets corrupted state to a breakeven stop (never looser than
// entry) and halts the ratchet until the next full re-initialization
func (ts *TrailingStop) failSafe(pos *types.Position) {
	t := &pos.Trailing

	log.Error().
		Str("position", pos.ID).
		Int("schema", t.SchemaVersion).
		Str("stop", t.CurrentStop.String()).
		Str("high", t.HighestPrice.String()).
		Msg("❌ Corrupted trailing-stop state, fail-safing to entry")

	pos.Trailing = types.TrailingStopState{
		SchemaVersion:   types.TrailingStopSchemaVersion,
		Enabled:         true,
		State:           types.TrailingInactive, // Ratchet halted until re-init
		ActivationPrice: pos.EntryPrice,
		Distance:        ts.distance,
		CurrentStop:     pos.EntryPrice,
		HighestPrice:    pos.EntryPrice,
	}
}
