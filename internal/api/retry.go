package api

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
)

const maxRetryDelay = 16 * time.Second

// retryDelay returns the wait before retrying after the n-th failed attempt (n >= 1).
func retryDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

type failureClass int

const (
	failureFatal failureClass = iota
	failureRetryable
	failureBackendDown
)

// classify decides how a failed attempt is handled. Connection refused means
// nothing is listening and is reported as offline without retrying.
func classify(err error) failureClass {
	if err == nil {
		return failureFatal
	}
	if errors.Is(err, context.Canceled) {
		return failureFatal
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return failureBackendDown
	}
	if apiErr, ok := apperrors.AsAPIError(err); ok {
		if apiErr.Retryable() {
			return failureRetryable
		}
		return failureFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failureRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failureRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return failureRetryable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return failureRetryable
	}
	// io.EOF and friends from a dropped keep-alive connection
	return failureRetryable
}
