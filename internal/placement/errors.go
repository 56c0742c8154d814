package placement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"futures-worker/internal/store"
)

var (
	// ErrSizing is returned when the computed quantity is unusable.
	ErrSizing = errors.New("sizing error")
	// ErrPlacementFailed is returned when a leg failed and every placed leg was canceled.
	ErrPlacementFailed = errors.New("placement failed")
	// ErrFailedRollback is returned when a placed leg could not be canceled.
	ErrFailedRollback = errors.New("rollback failed")
)

// SizingError explains why no order was sent.
type SizingError struct {
	Reason string
	Qty    decimal.Decimal
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing: %s (qty %s)", e.Reason, e.Qty.String())
}

func (e *SizingError) Unwrap() error { return ErrSizing }

// PlacementError reports a trio whose placement did not complete. It matches
// ErrPlacementFailed, or ErrFailedRollback when Rollback is set, as well as
// the exchange error that caused it.
type PlacementError struct {
	TrioID   string
	Role     store.Role
	Err      error
	Rollback error
	State    store.TrioState
}

func (e *PlacementError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("trio %s: %s leg failed: %v; rollback failed: %v", e.TrioID, e.Role, e.Err, e.Rollback)
	}
	return fmt.Sprintf("trio %s: %s leg failed: %v", e.TrioID, e.Role, e.Err)
}

func (e *PlacementError) Unwrap() []error {
	if e.Rollback != nil {
		return []error{ErrFailedRollback, e.Err}
	}
	return []error{ErrPlacementFailed, e.Err}
}
