package sender

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
)

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider returned HTTP %d (code %d): %s, retry after %v", e.StatusCode, e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("provider returned HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// classifyResponse returns nil for 2xx and a classified error otherwise.
func classifyResponse(status int, body []byte, retryAfter string) error {
	if status >= 200 && status < 300 {
		return nil
	}

	perr := &ProviderError{StatusCode: status, Message: http.StatusText(status)}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		perr.Message = env.Error.Message
		perr.Code = env.Error.Code
	}

	switch {
	case status == http.StatusTooManyRequests:
		if d, ok := ParseRetryAfter(retryAfter, time.Now()); ok {
			perr.RetryAfter = d
		}
		return apperrors.Transient(apperrors.CodeProviderRateLimited, perr)
	case status >= 500:
		return apperrors.Transient(apperrors.CodeProviderUnavailable, perr)
	case status == http.StatusRequestTimeout:
		return apperrors.Transient(apperrors.CodeProviderUnavailable, perr)
	default:
		return apperrors.Permanent(apperrors.CodeProviderRejected, perr)
	}
}

// ParseRetryAfter reads a Retry-After value in either delta-seconds or
// HTTP-date form.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
