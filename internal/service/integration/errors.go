package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

var (
	ErrTimeout       = errors.New("analysis timed out")
	ErrQuotaExceeded = errors.New("analysis quota exceeded")
	ErrUnavailable   = errors.New("analysis service unavailable")
	ErrInvalidInput  = errors.New("invalid analysis input")

	ErrMediaNotFound      = errors.New("media not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsRetryable reports whether a failed enrichment attempt may succeed if it is
// tried again later. Timeouts, quota, transport and storage failures are
// transient, as is anything unclassified; malformed input and missing media
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrMediaNotFound)
}

// classifyTransport maps a failed round trip to a sentinel.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("analysis request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// classifyStatus tags a non-2xx response with the matching sentinel.
func classifyStatus(statusCode int, body string) error {
	statusErr := &httpStatusError{StatusCode: statusCode, Body: truncate(body, 512)}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, statusErr)
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, statusErr)
	case statusCode >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, statusErr)
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusUnsupportedMediaType,
		statusCode == http.StatusUnprocessableEntity,
		statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", ErrInvalidInput, statusErr)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, statusErr)
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
