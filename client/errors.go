package client

import (
	"errors"
	"fmt"
)

// a structurally invalid payload. malformed payloads are dropped and
// logged, never stored.
type ValidationError struct {
	EntityKind EntityKind
	Message    string
}

func NewValidationError(kind EntityKind, format string, args ...any) *ValidationError {
	return &ValidationError{
		EntityKind: kind,
		Message:    fmt.Sprintf(format, args...),
	}
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation (%s): %s", self.EntityKind, self.Message)
}

// a transport failure or non-2xx response. for mutations this triggers
// rollback. for expansions this sets the view's loadingFailed flag and
// preserves cached data.
type NetworkError struct {
	StatusCode int
	Op         string
	Err        error
}

func NewNetworkError(op string, statusCode int, err error) *NetworkError {
	return &NetworkError{
		StatusCode: statusCode,
		Op:         op,
		Err:        err,
	}
}

func (self *NetworkError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("network (%s): %s", self.Op, self.Err)
	}
	return fmt.Sprintf("network (%s): status %d", self.Op, self.StatusCode)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsNetworkError(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}

// a keyed request that was superseded by a newer request with the same
// logical key. the response is discarded, not applied.
var ErrSuperseded = errors.New("request superseded")
