package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes. Zero stands
// for a transport-level failure, which is always worth a retry.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 0, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
