package models

import "errors"

// Sentinel errors shared by the stores, the order engine and the API layer.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrOrderNotFound       = errors.New("order not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrOrderNotSettleable  = errors.New("order not settleable")
	ErrUserExists          = errors.New("user already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
)

// ValidationError is returned when a request is rejected before any side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError
func NewValidationError(msg string) error {
	return &ValidationError{Message: msg}
}
