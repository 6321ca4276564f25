package bridge

import (
	"context"
	"errors"
	"fmt"

	"vdv-nats-bridge/internal/vdv"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitError    = 1 // generic and/or unexpected error
	ExitCanceled = 2 // operation canceled
	ExitAPIError = 3 // VDV-453 API error
)

type UnsupportedServiceError struct {
	Service string
}

func (e *UnsupportedServiceError) Error() string {
	return fmt.Sprintf("invalid/unsupported service %q", e.Service)
}

// UpstreamSubscribeError wraps a failed subscription handshake.
type UpstreamSubscribeError struct {
	Service vdv.Service
	Err     error
}

func (e *UpstreamSubscribeError) Error() string {
	return fmt.Sprintf("subscribe to %s: %v", e.Service, e.Err)
}

func (e *UpstreamSubscribeError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}
	var apiErr *vdv.APIError
	if errors.As(err, &apiErr) {
		return ExitAPIError
	}
	return ExitError
}
