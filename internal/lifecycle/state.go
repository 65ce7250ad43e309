package lifecycle

import (
	"fmt"

	"github.com/nixikanius/trading-bot/internal/core"
)

// legalTransitions is the order state machine. Terminal states have no
// outgoing edges; a late fill on a cancelled or expired order updates the
// ledger but never the state.
var legalTransitions = map[core.OrderState][]core.OrderState{
	core.OrderStateCreated: {
		core.OrderStateSubmitted,
		core.OrderStateCancelled, // shutdown before dispatch
	},
	core.OrderStateSubmitted: {
		core.OrderStateAcknowledged,
		core.OrderStateRejected,
		core.OrderStateSubmissionFailed,
		core.OrderStateCancelled,
	},
	core.OrderStateAcknowledged: {
		core.OrderStatePartiallyFilled,
		core.OrderStateFilled,
		core.OrderStateCancelled,
		core.OrderStateExpired,
	},
	core.OrderStatePartiallyFilled: {
		core.OrderStateAcknowledged,
		core.OrderStateFilled,
		core.OrderStateCancelled,
		core.OrderStateExpired,
	},
}

// canTransition reports whether from → to is a legal edge
func canTransition(from, to core.OrderState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionError describes an attempted illegal state change
type transitionError struct {
	ClientOrderID string
	From, To      core.OrderState
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s (order %s)", e.From, e.To, e.ClientOrderID)
}
