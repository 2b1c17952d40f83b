package cloud

import (
	"errors"
	"fmt"
)

// Error classes drive the poller's failure handling: auth errors invalidate
// the session and retry once with a fresh credential, transient errors back
// off and retry within the cycle, not-found permanently stops one device.
// Every failure a Client method returns is one of these three.

// AuthError reports a rejected or expired credential (HTTP 401/403).
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("cloud: %s: credential rejected (status %d)", e.Op, e.Status)
}

// TransientError reports a failure worth retrying: transport errors,
// timeouts, 429 and 5xx responses, and malformed response bodies.
type TransientError struct {
	Op     string
	Status int // 0 when the failure happened below HTTP
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cloud: %s: status %d", e.Op, e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError reports a device the cloud account no longer knows.
type NotFoundError struct {
	Op       string
	DeviceID string
}

func (e *NotFoundError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("cloud: %s: not found", e.Op)
	}
	return fmt.Sprintf("cloud: %s: device %s not bound to account", e.Op, e.DeviceID)
}

// IsAuth reports whether err is (or wraps) a credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a retryable failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is (or wraps) an unknown-device response.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
