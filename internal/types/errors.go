package types

import (
	"errors"
	"fmt"
)

// Venue operations, used to label VenueError
const (
	OpListPositions = "list_positions"
	OpSubmitOrder   = "submit_order"
	OpModify        = "modify_position"
	OpBalance       = "account_balance"
	OpQuote         = "quote"
	OpInstrument    = "instrument"
	OpIndicators    = "indicators"
)

// VenueError is the failure half of a venue call result. A nil error is Ok.
type VenueError struct {
	Op   string
	Code int64
	Err  error
}

func (e *VenueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: venue error %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: venue error %d: %v", e.Op, e.Code, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// NewVenueError wraps err for op, keeping an existing code when err is already a VenueError
func NewVenueError(op string, err error) *VenueError {
	var ve *VenueError
	if errors.As(err, &ve) {
		return &VenueError{Op: op, Code: ve.Code, Err: ve.Err}
	}
	return &VenueError{Op: op, Err: err}
}

// VenueCode extracts the venue code from err, or 0
func VenueCode(err error) int64 {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return 0
}
