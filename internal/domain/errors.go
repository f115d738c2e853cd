package domain

import "errors"

// Sentinel errors every component wraps with fmt.Errorf("...: %w", ...)
// at its boundary so callers can classify failures with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrReplay              = errors.New("replay detected")
	ErrInsufficientBalance = errors.New("insufficient prepaid balance")
	ErrQueueFull           = errors.New("queue full")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrChainUnavailable    = errors.New("chain unavailable")
	ErrWalletUnavailable   = errors.New("no wallet available")
	ErrNotRollbackable     = errors.New("job is not eligible for rollback")
	ErrInternal            = errors.New("internal error")
)
