package ledger

import "github.com/cockroachdb/errors"

var (
	ErrNotFound      = errors.New("execution not found")
	ErrNotRunning    = errors.New("execution is not running")
	ErrTokenMismatch = errors.New("lock token mismatch")
	ErrInvalidStatus = errors.New("invalid status")
	ErrUnavailable   = errors.New("ledger storage unavailable")
)
