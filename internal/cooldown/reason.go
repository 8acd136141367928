package cooldown

import (
	"fmt"
	"strings"
	"time"
)

// Reason identifies why a credential was put into cooldown.
type Reason int

const (
	// RateLimitExceeded means the upstream answered 429.
	RateLimitExceeded Reason = iota
	// AccountSuspended means the upstream reported the account as suspended.
	AccountSuspended
	// QuotaExhausted means the account used up its quota.
	QuotaExhausted
	// TokenRefreshFailed means the access token could not be refreshed.
	TokenRefreshFailed
	// ServerError means the upstream failed with a 5xx.
	ServerError
	// ModelUnavailable means the requested model is temporarily unavailable.
	ModelUnavailable
	// AuthenticationFailed means the upstream rejected the credential.
	AuthenticationFailed
)

type reasonInfo struct {
	name        string
	description string
	duration    time.Duration
	recoverable bool
}

var reasonTable = [...]reasonInfo{
	RateLimitExceeded:    {"rate_limit_exceeded", "rate limit exceeded", 60 * time.Second, true},
	AccountSuspended:     {"account_suspended", "account suspended", 24 * time.Hour, false},
	QuotaExhausted:       {"quota_exhausted", "quota exhausted", 24 * time.Hour, false},
	TokenRefreshFailed:   {"token_refresh_failed", "token refresh failed", 60 * time.Second, true},
	ServerError:          {"server_error", "upstream server error", 120 * time.Second, true},
	ModelUnavailable:     {"model_unavailable", "model unavailable", 300 * time.Second, true},
	AuthenticationFailed: {"authentication_failed", "authentication failed", time.Hour, false},
}

// Reasons lists every reason in declaration order.
func Reasons() []Reason {
	out := make([]Reason, len(reasonTable))
	for i := range reasonTable {
		out[i] = Reason(i)
	}
	return out
}

func (r Reason) info() reasonInfo {
	if r < 0 || int(r) >= len(reasonTable) {
		return reasonInfo{name: fmt.Sprintf("reason(%d)", int(r)), description: "unknown", duration: 60 * time.Second, recoverable: true}
	}
	return reasonTable[r]
}

// DefaultDuration is the base cooldown applied on the first trigger.
func (r Reason) DefaultDuration() time.Duration { return r.info().duration }

// AutoRecoverable reports whether the reason clears by itself after a short wait.
func (r Reason) AutoRecoverable() bool { return r.info().recoverable }

// Description returns a human readable description.
func (r Reason) Description() string { return r.info().description }

func (r Reason) String() string { return r.info().name }

// MarshalText encodes the reason as its snake_case name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a snake_case reason name.
func (r *Reason) UnmarshalText(b []byte) error {
	parsed, err := ParseReason(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReason resolves a reason from its snake_case name. Case and dashes are ignored.
func ParseReason(s string) (Reason, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, info := range reasonTable {
		if info.name == key {
			return Reason(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cooldown reason %q", s)
}
