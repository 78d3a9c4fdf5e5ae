package service

import (
	"fmt"
	"strings"
)

// PartialSettlementError reports a settlement step that failed after earlier
// steps had committed. Err is the original failure. CompensationErrs is empty
// when the rollback restored every committed step; when non-empty the affected
// balances are inconsistent and require manual reconciliation, which callers
// must log distinctly from ordinary failures.
type PartialSettlementError struct {
	Op               string
	OrderID          int64
	Err              error
	CompensationErrs []error
}

func (e *PartialSettlementError) Error() string {
	if len(e.CompensationErrs) == 0 {
		return fmt.Sprintf("%s: order %d: %v (compensated)", e.Op, e.OrderID, e.Err)
	}
	comp := make([]string, len(e.CompensationErrs))
	for i, c := range e.CompensationErrs {
		comp[i] = c.Error()
	}
	return fmt.Sprintf("%s: order %d: %v (compensation failed: %s)",
		e.Op, e.OrderID, e.Err, strings.Join(comp, "; "))
}

func (e *PartialSettlementError) Unwrap() error {
	return e.Err
}

// Compensated reports whether the rollback fully restored prior steps.
func (e *PartialSettlementError) Compensated() bool {
	return len(e.CompensationErrs) == 0
}
