package kiro

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

// Verdict says what a failed upstream call means for the credential that
// made it.
type Verdict struct {
	// Cooldown is true when the credential should be put into cooldown.
	Cooldown bool
	Reason   cooldown.Reason
	// Override is a server-provided cooldown, such as Retry-After.
	Override time.Duration
	// TryNext is true when another credential may succeed.
	TryNext bool
}

var (
	suspendedMarkers = [][]byte{[]byte("suspend"), []byte("TEMPORARILY_SUSPENDED")}
	quotaMarkers     = [][]byte{[]byte("quota"), []byte("MONTHLY_REQUEST_COUNT"), []byte("usage limit")}
	modelMarkers     = [][]byte{[]byte("INSUFFICIENT_MODEL_CAPACITY"), []byte("model is unavailable"), []byte("model unavailable"), []byte("model not available")}
)

// Classify maps a send error onto a cooldown decision. Errors that are not
// a *StatusError are transport failures: the credential is fine, but another
// attempt may succeed.
func Classify(err error) Verdict {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return Verdict{TryNext: true}
	}
	return ClassifyStatus(serr.StatusCode, serr.Body, serr.RetryAfter)
}

// ClassifyStatus maps an upstream status and body onto a Verdict.
func ClassifyStatus(status int, body []byte, retryAfter time.Duration) Verdict {
	switch {
	case status == http.StatusTooManyRequests:
		if containsAny(body, quotaMarkers) {
			return Verdict{Cooldown: true, Reason: cooldown.QuotaExhausted, TryNext: true}
		}
		return Verdict{Cooldown: true, Reason: cooldown.RateLimitExceeded, Override: retryAfter, TryNext: true}
	case status == http.StatusUnauthorized:
		return Verdict{Cooldown: true, Reason: cooldown.AuthenticationFailed, TryNext: true}
	case status == http.StatusForbidden:
		if containsAny(body, suspendedMarkers) {
			return Verdict{Cooldown: true, Reason: cooldown.AccountSuspended, TryNext: true}
		}
		if containsAny(body, quotaMarkers) {
			return Verdict{Cooldown: true, Reason: cooldown.QuotaExhausted, TryNext: true}
		}
		return Verdict{Cooldown: true, Reason: cooldown.AuthenticationFailed, TryNext: true}
	case status == http.StatusPaymentRequired:
		return Verdict{Cooldown: true, Reason: cooldown.QuotaExhausted, TryNext: true}
	case containsAny(body, modelMarkers):
		return Verdict{Cooldown: true, Reason: cooldown.ModelUnavailable, TryNext: true}
	case status >= 500:
		return Verdict{Cooldown: true, Reason: cooldown.ServerError, Override: retryAfter, TryNext: true}
	default:
		// 400 and other client errors describe the request, not the credential.
		return Verdict{}
	}
}

func containsAny(body []byte, markers [][]byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range markers {
		if bytes.Contains(lower, bytes.ToLower(m)) {
			return true
		}
	}
	return false
}
