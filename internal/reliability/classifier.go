package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
)

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// RealtimeError is an error frame received from a streaming upstream.
type RealtimeError struct {
	Service     string
	MessageType string
	Message     string
}

func (e *RealtimeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Service, e.MessageType, e.Message)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ErrorCode reduces a collaborator error to a low-cardinality label for
// metrics and logs. Nothing is retried automatically; "transient" only tells
// an operator that resubmitting is likely to help.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		statusErr   *StatusError
		realtimeErr *RealtimeError
		exitErr     *exec.ExitError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &statusErr):
		if IsRetryableHTTPStatus(statusErr.StatusCode) {
			return "upstream_transient"
		}
		return "upstream_rejected"
	case errors.As(err, &realtimeErr):
		if IsRetryableRealtimeMessageType(realtimeErr.MessageType) {
			return "upstream_transient"
		}
		return "upstream_rejected"
	case errors.As(err, &exitErr):
		return "process_failed"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	default:
		return "error"
	}
}
