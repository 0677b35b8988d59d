package api

import "errors"

// The error taxonomy from the design's error handling section. Stage code
// wraps one of these sentinels with contextual detail via fmt.Errorf("%w: ...")
// so callers can still errors.Is against the category.
var (
	ErrConfig            = errors.New("config error")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSourceCorrupt     = errors.New("source corrupt")
	ErrPlatformNotFound  = errors.New("platform not found")
	ErrWriteFailed       = errors.New("write failed")
	ErrCancelled         = errors.New("cancelled")
)
