package session

import (
	"errors"
	"fmt"
)

var (
	errMissingDialer   = errors.New("dialer is required")
	errMissingEndpoint = errors.New("endpoint is required")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opSessionNew = "session.new"
	opStart      = "session.start"
	opReconnect  = "session.reconnect"
	opRun        = "session.run"
	opCursor     = "session.cursor"
	opRemoteDiff = "session.remote_diff"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
