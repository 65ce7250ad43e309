package ledger

import (
	"errors"

	"github.com/nixikanius/trading-bot/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var errEmptyFillID = errors.New("fill id must not be empty")

// Decision is the outcome of admission control for one intent
type Decision struct {
	Admitted bool
	Reason   core.RejectReason
}

// Admit is shorthand for an accepting decision
func Admit() Decision {
	return Decision{Admitted: true}
}

// Reject is shorthand for a refusing decision
func Reject(reason core.RejectReason) Decision {
	return Decision{Reason: reason}
}

// pendingQuantity sums the signed unfilled remainder of live orders for
// one instrument. Accepted-but-unfilled quantity counts against the limits
// as if it had already filled.
func pendingQuantity(open []core.Order, instrumentID string) decimal.Decimal {
	pending := decimal.Zero
	for _, o := range open {
		if o.InstrumentID != instrumentID || o.State.IsTerminal() {
			continue
		}
		remainder := o.Quantity.Sub(o.FilledQty)
		if remainder.Sign() > 0 {
			pending = pending.Add(remainder.Mul(o.Side.Sign()))
		}
	}
	return pending
}

// CheckAdmission is the pure limit predicate: it projects the intent onto
// the snapshot plus the unfilled remainder of live orders, and rejects when
// the projected per-instrument position or aggregate exposure would exceed
// the configured limits. Landing exactly on a limit is admitted; exceeding
// it is not.
func CheckAdmission(intent core.Intent, snap core.LedgerSnapshot, open []core.Order, limits core.RiskLimits) Decision {
	pos := snap.PositionFor(intent.InstrumentID)
	delta := intent.Quantity.Mul(intent.Side.Sign())
	projected := pos.Quantity.Add(pendingQuantity(open, intent.InstrumentID)).Add(delta)

	if projected.Abs().GreaterThan(limits.MaxPositionFor(intent.InstrumentID)) {
		return Reject(core.RejectPositionLimitExceeded)
	}

	price := intent.Price
	if price.IsZero() {
		if mark, ok := snap.Marks[intent.InstrumentID]; ok {
			price = mark
		} else {
			price = pos.AvgEntryPrice
		}
	}

	// Projected exposure: replace this instrument's term with the projected
	// quantity valued at the intent price
	current := decimal.Zero
	if mark, ok := snap.Marks[intent.InstrumentID]; ok && !mark.IsZero() {
		current = pos.Quantity.Abs().Mul(mark)
	} else {
		current = pos.Quantity.Abs().Mul(pos.AvgEntryPrice)
	}
	projectedExposure := snap.Exposure.Sub(current).Add(projected.Abs().Mul(price))

	if projectedExposure.GreaterThan(limits.MaxNotional) {
		return Reject(core.RejectExposureLimitExceeded)
	}

	return Admit()
}

// AdmissionController gates intents before submission: halted instruments,
// the pure limit predicate, then the order-rate token bucket. The rate
// check runs last so a rejected intent never burns a token.
type AdmissionController struct {
	limits  core.RiskLimits
	limiter *rate.Limiter
	halts   core.HaltChecker
	logger  core.ILogger
}

// NewAdmissionController creates an admission controller. halts may be nil
// when no circuit breaker is wired.
func NewAdmissionController(limits core.RiskLimits, halts core.HaltChecker, logger core.ILogger) *AdmissionController {
	return &AdmissionController{
		limits:  limits,
		limiter: rate.NewLimiter(rate.Limit(limits.MaxOrderRate), limits.OrderBurst),
		halts:   halts,
		logger:  logger.WithField("component", "admission"),
	}
}

// Admit decides whether an intent may proceed to submission against the
// most recently reconciled snapshot. open carries the live orders whose
// unfilled remainder is reserved against the limits.
func (a *AdmissionController) Admit(intent core.Intent, snap core.LedgerSnapshot, open []core.Order) Decision {
	if a.halts != nil && a.halts.IsHalted(intent.InstrumentID) {
		a.logger.Warn("Intent rejected: instrument halted", "instrument", intent.InstrumentID)
		return Reject(core.RejectInstrumentHalted)
	}

	if d := CheckAdmission(intent, snap, open, a.limits); !d.Admitted {
		a.logger.Warn("Intent rejected",
			"instrument", intent.InstrumentID,
			"side", intent.Side.String(),
			"quantity", intent.Quantity,
			"reason", string(d.Reason))
		return d
	}

	if !a.limiter.Allow() {
		a.logger.Warn("Intent rejected: order rate limit", "instrument", intent.InstrumentID)
		return Reject(core.RejectRateLimitExceeded)
	}

	return Admit()
}
