package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/benthamhq/bentham/internal/core/domain"
)

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("Expected nil for nil error, got %v", got)
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &domain.ClassifiedError{Type: domain.FailureQualityGate, Code: "quality_gate", Retryable: true}
	wrapped := fmt.Errorf("attempt failed: %w", orig)

	got := Classify(wrapped)
	if got != orig {
		t.Errorf("Expected pass-through of classified error, got %v", got)
	}
}

func TestClassifyDeadline(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Type != domain.FailureTimeout || !got.Retryable {
		t.Errorf("Expected retryable timeout, got %v retryable=%v", got.Type, got.Retryable)
	}
}

func TestClassifyGRPCStatus(t *testing.T) {
	cases := []struct {
		code      codes.Code
		want      domain.FailureType
		retryable bool
	}{
		{codes.ResourceExhausted, domain.FailureRateLimited, true},
		{codes.Unauthenticated, domain.FailureAuthExpired, true},
		{codes.PermissionDenied, domain.FailureBlocked, true},
		{codes.DeadlineExceeded, domain.FailureTimeout, true},
		{codes.Unavailable, domain.FailureNetwork, true},
		{codes.InvalidArgument, domain.FailureUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			got := Classify(status.Error(tc.code, "boom"))
			if got.Type != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got.Type)
			}
			if got.Retryable != tc.retryable {
				t.Errorf("Expected retryable=%v, got %v", tc.retryable, got.Retryable)
			}
		})
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.FailureType
	}{
		{"HTTP 429 Too Many Requests", domain.FailureRateLimited},
		{"daily quota exceeded", domain.FailureRateLimited},
		{"HTTP 401 Unauthorized", domain.FailureAuthExpired},
		{"session expired, please sign in", domain.FailureAuthExpired},
		{"HTTP 403 Forbidden", domain.FailureBlocked},
		{"captcha challenge presented", domain.FailureBlocked},
		{"request timeout after 90s", domain.FailureTimeout},
		{"connection refused", domain.FailureNetwork},
		{"HTTP 502 Bad Gateway", domain.FailureNetwork},
		{"something odd happened", domain.FailureUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			got := Classify(errors.New(tc.msg))
			if got.Type != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.msg, got.Type, tc.want)
			}
			if !got.Retryable {
				t.Errorf("Classify(%q) should be retryable", tc.msg)
			}
		})
	}
}
