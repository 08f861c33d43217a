package device

import "errors"

// Failure taxonomy surfaced to the command processor. Only unreachable is
// retryable; the rest need operator correction, not a resend.
var (
	ErrAuthFailed        = errors.New("device authentication failed")
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrDeviceRejected    = errors.New("device rejected request")
	ErrImageInvalid      = errors.New("invalid face image")
)

// Retryable reports whether a failed device call may be re-enqueued.
func Retryable(err error) bool {
	return errors.Is(err, ErrDeviceUnreachable)
}
