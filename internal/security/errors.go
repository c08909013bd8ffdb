package security

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the stable machine-readable code of a guard or enforcement failure.
type Kind string

const (
	KindSubscriptionNotFound      Kind = "SUBSCRIPTION_NOT_FOUND"
	KindSubscriptionCanceled      Kind = "SUBSCRIPTION_CANCELED"
	KindSubscriptionSuspended     Kind = "SUBSCRIPTION_SUSPENDED"
	KindSubscriptionInvalidStatus Kind = "SUBSCRIPTION_INVALID_STATUS"
	KindFeatureDisabled           Kind = "FEATURE_DISABLED"
	KindPermissionDenied          Kind = "PERMISSION_DENIED"
	KindAccountLocked             Kind = "ACCOUNT_LOCKED"
	KindRateLimitExceeded         Kind = "RATE_LIMIT_EXCEEDED"
	KindReauthRequired            Kind = "REAUTH_REQUIRED"
	KindGuardUnavailable          Kind = "GUARD_UNAVAILABLE"
)

// Error is a typed guard or enforcement failure. Two errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	ExpiresAt  time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *Error) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// GRPCStatus lets grpc/status.FromError translate the error for gRPC callers.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Kind {
	case KindSubscriptionNotFound:
		code = codes.NotFound
	case KindSubscriptionCanceled, KindSubscriptionSuspended, KindSubscriptionInvalidStatus,
		KindFeatureDisabled, KindPermissionDenied:
		code = codes.PermissionDenied
	case KindAccountLocked, KindRateLimitExceeded:
		code = codes.ResourceExhausted
	case KindReauthRequired:
		code = codes.Unauthenticated
	case KindGuardUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Unknown
	}
	return status.New(code, e.Error())
}

// Sentinels for errors.Is comparisons.
var (
	ErrSubscriptionNotFound      = &Error{Kind: KindSubscriptionNotFound}
	ErrSubscriptionCanceled      = &Error{Kind: KindSubscriptionCanceled}
	ErrSubscriptionSuspended     = &Error{Kind: KindSubscriptionSuspended}
	ErrSubscriptionInvalidStatus = &Error{Kind: KindSubscriptionInvalidStatus}
	ErrFeatureDisabled           = &Error{Kind: KindFeatureDisabled}
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrAccountLocked             = &Error{Kind: KindAccountLocked}
	ErrRateLimitExceeded         = &Error{Kind: KindRateLimitExceeded}
	ErrReauthRequired            = &Error{Kind: KindReauthRequired}
	ErrGuardUnavailable          = &Error{Kind: KindGuardUnavailable}
)

func SubscriptionNotFound(tenantID string) *Error {
	return &Error{Kind: KindSubscriptionNotFound, Status: http.StatusNotFound,
		Message: fmt.Sprintf("no subscription for tenant %s", tenantID)}
}

func SubscriptionCanceled(tenantID string) *Error {
	return &Error{Kind: KindSubscriptionCanceled, Status: http.StatusForbidden,
		Message: fmt.Sprintf("subscription for tenant %s is canceled", tenantID)}
}

func SubscriptionSuspended(tenantID string) *Error {
	return &Error{Kind: KindSubscriptionSuspended, Status: http.StatusForbidden,
		Message: fmt.Sprintf("subscription for tenant %s is suspended", tenantID)}
}

func SubscriptionInvalidStatus(tenantID, status string) *Error {
	return &Error{Kind: KindSubscriptionInvalidStatus, Status: http.StatusForbidden,
		Message: fmt.Sprintf("subscription for tenant %s has unsupported status %q", tenantID, status)}
}

func FeatureDisabled(feature string) *Error {
	return &Error{Kind: KindFeatureDisabled, Status: http.StatusForbidden,
		Message: fmt.Sprintf("feature %s is not enabled for this tenant", feature)}
}

func PermissionDenied(permission string) *Error {
	return &Error{Kind: KindPermissionDenied, Status: http.StatusForbidden,
		Message: fmt.Sprintf("missing permission %s", permission)}
}

// GuardUnavailable wraps a datastore failure inside a guard. Guards fail closed.
func GuardUnavailable(guard string, err error) *Error {
	return &Error{Kind: KindGuardUnavailable, Status: http.StatusServiceUnavailable,
		Message: guard + " could not be evaluated", Err: err}
}

// AccountLocked is returned while a temporary lock is active on the caller.
func AccountLocked(reason string, expiresAt time.Time, retryAfter time.Duration) *Error {
	return &Error{Kind: KindAccountLocked, Status: http.StatusLocked,
		Message: withReason("account temporarily locked", reason), ExpiresAt: expiresAt, RetryAfter: retryAfter}
}

// RateLimitExceeded is returned while an enforced rate limit is active.
func RateLimitExceeded(reason string, expiresAt time.Time, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimitExceeded, Status: http.StatusTooManyRequests,
		Message: withReason("rate limit enforced", reason), ExpiresAt: expiresAt, RetryAfter: retryAfter}
}

// ReauthRequired asks the caller to authenticate again. Waiting does not help,
// so no RetryAfter is set.
func ReauthRequired(reason string) *Error {
	return &Error{Kind: KindReauthRequired, Status: http.StatusUnauthorized,
		Message: withReason("re-authentication required", reason)}
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + ": " + reason
}
