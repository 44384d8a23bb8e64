/*
allocator.go - Money to session-entitlement conversion

PURPOSE:
  Pure calculation: given the money carried forward from earlier payments and
  a new payment, decide how many whole sessions the cumulative money unlocks
  and how much rolls forward toward the next one. No I/O, no state.

WHY DECIMAL:
  Session prices like 333.33 do not divide evenly in binary floating point.
  decimal.Decimal arithmetic keeps the conservation property exact:

    previousCarryForward + amountPaid
      == newlyReleased * perSessionAmount + newCarryForward

  for every valid input, so no money is ever lost or invented by allocation.

EXAMPLE:
  perSession=400, carryForward=0,  paid=650 -> released=1, carryForward=250
  perSession=400, carryForward=250, paid=550 -> released=2, carryForward=0
*/
package ledger

import "github.com/shopspring/decimal"

// Allocation is the result of applying one payment to a package.
type Allocation struct {
	// NewlyReleased is the number of whole sessions this payment unlocked.
	NewlyReleased int
	// NewCarryForward is money paid but not yet enough for another whole
	// session. Always 0 <= NewCarryForward < perSessionAmount.
	NewCarryForward decimal.Decimal
}

// Allocate converts cumulative money into session entitlement.
//
// Guarantees for valid inputs (previousCarryForward >= 0, amountPaid > 0,
// perSessionAmount > 0):
//   - 0 <= NewCarryForward < perSessionAmount
//   - previousCarryForward + amountPaid ==
//     NewlyReleased*perSessionAmount + NewCarryForward (exact)
//   - NewlyReleased is monotonically non-decreasing in cumulative payments.
func Allocate(previousCarryForward, amountPaid, perSessionAmount decimal.Decimal) (Allocation, error) {
	if perSessionAmount.LessThanOrEqual(decimal.Zero) {
		return Allocation{}, ErrInvalidAmount
	}
	if amountPaid.LessThanOrEqual(decimal.Zero) {
		return Allocation{}, ErrInvalidAmount
	}
	if previousCarryForward.IsNegative() {
		return Allocation{}, ErrInvalidAmount
	}

	effective := previousCarryForward.Add(amountPaid)

	// A quotient of two 2-decimal amounts is never within 1e-16 of a whole
	// number unless it is exactly whole, so rounding at 16 digits before
	// flooring cannot cross an integer boundary.
	released := effective.DivRound(perSessionAmount, 16).Floor()
	carry := effective.Sub(released.Mul(perSessionAmount))

	return Allocation{
		NewlyReleased:   int(released.IntPart()),
		NewCarryForward: carry,
	}, nil
}
