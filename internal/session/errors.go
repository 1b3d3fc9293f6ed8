package session

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when the state value presented to
// CompleteAuthorization does not match the one issued by the flow.
var ErrInvalidState = errors.New("authorization state mismatch")

// ErrTokenUnavailable is returned when no usable credential exists for a
// service and no automatic remedy (refresh) is possible. The caller must
// re-run the interactive flow.
var ErrTokenUnavailable = errors.New("no usable token")

// UnknownServiceError indicates a service or version that is not present in
// the configuration.
type UnknownServiceError struct {
	Service string
	Version string
}

func (e *UnknownServiceError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("service %s has no configured audience for version %s", e.Service, e.Version)
	}
	return fmt.Sprintf("service %s is not in the configuration", e.Service)
}

// ExchangeDeniedError indicates the issuer rejected a token-exchange grant,
// e.g. for insufficient scope.
type ExchangeDeniedError struct {
	Service string
	Err     error
}

func (e *ExchangeDeniedError) Error() string {
	return fmt.Sprintf("token exchange for %s denied: %v", e.Service, e.Err)
}

func (e *ExchangeDeniedError) Unwrap() error {
	return e.Err
}
