package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDeliveryResult is returned when a handler produces an undeclared DeliveryResult
	ErrInvalidDeliveryResult = errors.New("contracts: invalid delivery result")
	// ErrInvalidFlushResult is returned when a flush handler produces an undeclared FlushResult
	ErrInvalidFlushResult = errors.New("contracts: invalid flush result")
)

// CheckDeliveryResult returns an error wrapping ErrInvalidDeliveryResult for undeclared values
func CheckDeliveryResult(r DeliveryResult) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDeliveryResult, int(r))
	}
	return nil
}

// CheckFlushResult returns an error wrapping ErrInvalidFlushResult for undeclared values
func CheckFlushResult(r FlushResult) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFlushResult, int(r))
	}
	return nil
}
