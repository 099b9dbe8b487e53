package controller

import (
	"trinity/internal/models"
	"trinity/pkg/utils"
)

// ValidTransitions enumerates the legal TradeRecord.State transitions
// a trade record may take.
var ValidTransitions = map[string][]string{
	models.TradeStateOpen:    {models.TradeStateClosing, models.TradeStateError},
	models.TradeStateClosing: {models.TradeStateClosed, models.TradeStateError},
	models.TradeStateClosed:  {},
	models.TradeStateError:   {}, // only manual/operator reset, never automatic
}

// CanTransition reports whether moving a trade from `from` to `to` is
// a legal transition.
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether state holds live legs on the exchanges.
func IsOpen(state string) bool {
	return state == models.TradeStateOpen || state == models.TradeStateClosing
}

// setState moves tr to state if CanTransition allows it, refusing the
// mutation and logging otherwise. A fresh TradeRecord with no prior
// trade map entry (state assigned at construction, not transitioned)
// does not go through this path.
func (c *Controller) setState(tr *models.TradeRecord, state string) bool {
	if !CanTransition(tr.State, state) {
		if c.log != nil {
			c.log.Error("illegal trade state transition",
				utils.String("trade_id", tr.TradeID), utils.Symbol(tr.Symbol),
				utils.String("from", tr.State), utils.String("to", state))
		}
		return false
	}
	tr.State = state
	return true
}
