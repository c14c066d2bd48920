package ferry

import "errors"

// ErrInvalidInput is returned when admin input fails validation.
var ErrInvalidInput = errors.New("ferry: invalid input")

// ErrNotFound is returned when an admin operation targets a missing row.
var ErrNotFound = errors.New("ferry: not found")

// ErrDuplicateFeedKey is returned when another destination already reads
// the same feed.
var ErrDuplicateFeedKey = errors.New("ferry: feed key already used by another destination")
