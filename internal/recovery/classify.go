package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// Classify maps an adapter error to a classified execution error.
// Adapters that already classify (quality gates, explicit blocks) pass
// through untouched.
func Classify(err error) *domain.ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *domain.ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ClassifiedError{
			Type: domain.FailureTimeout, Code: "timeout",
			Message: err.Error(), Retryable: true,
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyGRPC(st)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &domain.ClassifiedError{
				Type: domain.FailureTimeout, Code: "timeout",
				Message: err.Error(), Retryable: true,
			}
		}
		return &domain.ClassifiedError{
			Type: domain.FailureNetwork, Code: "network",
			Message: err.Error(), Retryable: true,
		}
	}

	return classifyMessage(err.Error())
}

func classifyGRPC(st *status.Status) *domain.ClassifiedError {
	switch st.Code() {
	case codes.ResourceExhausted:
		c := &domain.ClassifiedError{
			Type: domain.FailureRateLimited, Code: "rate_limited",
			Message: st.Message(), Retryable: true,
		}
		// RetryInfo, when present, is surfaced in the message so the
		// manager's delay can be inspected by operators.
		for _, detail := range st.Details() {
			if info, ok := detail.(*errdetails.RetryInfo); ok && info.RetryDelay != nil {
				c.Message = st.Message() + " (retry after " + info.RetryDelay.AsDuration().String() + ")"
			}
		}
		return c
	case codes.Unauthenticated:
		return &domain.ClassifiedError{
			Type: domain.FailureAuthExpired, Code: "auth_expired",
			Message: st.Message(), Retryable: true,
		}
	case codes.PermissionDenied:
		return &domain.ClassifiedError{
			Type: domain.FailureBlocked, Code: "blocked",
			Message: st.Message(), Retryable: true,
		}
	case codes.DeadlineExceeded:
		return &domain.ClassifiedError{
			Type: domain.FailureTimeout, Code: "timeout",
			Message: st.Message(), Retryable: true,
		}
	case codes.Unavailable, codes.Aborted:
		return &domain.ClassifiedError{
			Type: domain.FailureNetwork, Code: "network",
			Message: st.Message(), Retryable: true,
		}
	case codes.InvalidArgument, codes.NotFound:
		return &domain.ClassifiedError{
			Type: domain.FailureUnknown, Code: "invalid_request",
			Message: st.Message(), Retryable: false,
		}
	default:
		return &domain.ClassifiedError{
			Type: domain.FailureUnknown, Code: "unknown",
			Message: st.Message(), Retryable: true,
		}
	}
}

func classifyMessage(msg string) *domain.ClassifiedError {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota"):
		return &domain.ClassifiedError{
			Type: domain.FailureRateLimited, Code: "rate_limited",
			Message: msg, Retryable: true,
		}
	case strings.Contains(msg, "401") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "session expired") ||
		strings.Contains(lower, "token expired"):
		return &domain.ClassifiedError{
			Type: domain.FailureAuthExpired, Code: "auth_expired",
			Message: msg, Retryable: true,
		}
	case strings.Contains(msg, "403") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "blocked") ||
		strings.Contains(lower, "access denied"):
		return &domain.ClassifiedError{
			Type: domain.FailureBlocked, Code: "blocked",
			Message: msg, Retryable: true,
		}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return &domain.ClassifiedError{
			Type: domain.FailureTimeout, Code: "timeout",
			Message: msg, Retryable: true,
		}
	case strings.Contains(lower, "connection") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return &domain.ClassifiedError{
			Type: domain.FailureNetwork, Code: "network",
			Message: msg, Retryable: true,
		}
	default:
		return &domain.ClassifiedError{
			Type: domain.FailureUnknown, Code: "unknown",
			Message: msg, Retryable: true,
		}
	}
}
