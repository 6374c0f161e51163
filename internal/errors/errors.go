// Package errors defines the typed failures surfaced by the pipeline.
// Every error carries a stable code so callers can choose a recovery
// boundary (asset, page or process) without matching on message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure kind.
type ErrorCode string

const (
	ErrInvalidURL        ErrorCode = "INVALID_URL"
	ErrChallengeDetected ErrorCode = "CHALLENGE_DETECTED"
	ErrStillChallenged   ErrorCode = "STILL_CHALLENGED"
	ErrFetchFailed       ErrorCode = "FETCH_FAILED"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrDownloadFailed    ErrorCode = "DOWNLOAD_FAILED"
	ErrFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	ErrInvalidHash       ErrorCode = "INVALID_HASH"
	ErrSaveFailed        ErrorCode = "SAVE_FAILED"
	ErrLoadFailed        ErrorCode = "LOAD_FAILED"
	ErrInvalidFormat     ErrorCode = "INVALID_FORMAT"
	ErrInvalidSitemap    ErrorCode = "INVALID_SITEMAP"
	ErrConfig            ErrorCode = "CONFIG"
	ErrMissingAPIKey     ErrorCode = "MISSING_API_KEY"
	ErrCostLimit         ErrorCode = "COST_LIMIT"
)

// SnackError is a structured error with a code, message and optional cause.
type SnackError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *SnackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SnackError) Unwrap() error {
	return e.Err
}

// NewInvalidURL reports a URL that cannot be parsed or has no host.
func NewInvalidURL(raw string, err error) *SnackError {
	return &SnackError{
		Code:    ErrInvalidURL,
		Message: fmt.Sprintf("invalid URL %q", raw),
		Details: map[string]any{"url": raw},
		Err:     err,
	}
}

// NewChallengeDetected reports a bot-challenge page that survived the light retry budget.
func NewChallengeDetected(url, signature string) *SnackError {
	return &SnackError{
		Code:    ErrChallengeDetected,
		Message: fmt.Sprintf("bot challenge detected at %s (%s)", url, signature),
		Details: map[string]any{"url": url, "signature": signature},
	}
}

// NewStillChallenged reports a challenge that the browser could not get past.
func NewStillChallenged(url, signature string) *SnackError {
	return &SnackError{
		Code:    ErrStillChallenged,
		Message: fmt.Sprintf("page still challenged after browser render: %s (%s)", url, signature),
		Details: map[string]any{"url": url, "signature": signature},
	}
}

// NewFetchFailed reports a fetch that failed after all attempts.
func NewFetchFailed(url string, attempts int, err error) *SnackError {
	return &SnackError{
		Code:    ErrFetchFailed,
		Message: fmt.Sprintf("failed to fetch %s after %d attempt(s)", url, attempts),
		Details: map[string]any{"url": url, "attempts": attempts},
		Err:     err,
	}
}

// NewRateLimited reports an exhausted budget of 429 responses.
func NewRateLimited(url string, attempts int) *SnackError {
	return &SnackError{
		Code:    ErrRateLimited,
		Message: fmt.Sprintf("rate limited by %s after %d attempt(s)", url, attempts),
		Details: map[string]any{"url": url, "attempts": attempts},
	}
}

// NewDownloadFailed reports a non-200 media download, keeping a short body preview.
func NewDownloadFailed(url string, status int, preview string) *SnackError {
	return &SnackError{
		Code:    ErrDownloadFailed,
		Message: fmt.Sprintf("download of %s returned status %d: %s", url, status, preview),
		Details: map[string]any{"url": url, "status": status, "preview": preview},
	}
}

// NewFileNotFound reports a media file missing on disk.
func NewFileNotFound(path string, err error) *SnackError {
	return &SnackError{
		Code:    ErrFileNotFound,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewInvalidHash reports a malformed SHA-256 digest.
func NewInvalidHash(hash string) *SnackError {
	return &SnackError{
		Code:    ErrInvalidHash,
		Message: fmt.Sprintf("invalid sha256 hash %q", hash),
		Details: map[string]any{"hash": hash},
	}
}

// NewSaveFailed reports a registry write failure.
func NewSaveFailed(path string, err error) *SnackError {
	return &SnackError{
		Code:    ErrSaveFailed,
		Message: fmt.Sprintf("failed to save registry %s", path),
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewLoadFailed reports an unreadable or corrupt registry.
func NewLoadFailed(path string, err error) *SnackError {
	return &SnackError{
		Code:    ErrLoadFailed,
		Message: fmt.Sprintf("failed to load registry %s", path),
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewInvalidFormat reports data with an unexpected shape.
func NewInvalidFormat(msg string) *SnackError {
	return &SnackError{
		Code:    ErrInvalidFormat,
		Message: msg,
	}
}

// NewInvalidSitemap reports a source that is neither a sitemap nor scrapeable HTML.
func NewInvalidSitemap(source string) *SnackError {
	return &SnackError{
		Code:    ErrInvalidSitemap,
		Message: fmt.Sprintf("invalid sitemap format: %s", source),
		Details: map[string]any{"source": source},
	}
}

// NewConfig reports a configuration problem.
func NewConfig(msg string, err error) *SnackError {
	return &SnackError{
		Code:    ErrConfig,
		Message: msg,
		Err:     err,
	}
}

// NewMissingAPIKey reports the absent provider key.
func NewMissingAPIKey(envVar string) *SnackError {
	return &SnackError{
		Code:    ErrMissingAPIKey,
		Message: fmt.Sprintf("%s environment variable is required", envVar),
		Details: map[string]any{"env": envVar},
	}
}

// NewCostLimit reports that the configured spend ceiling has been reached.
func NewCostLimit(total, limit float64) *SnackError {
	return &SnackError{
		Code:    ErrCostLimit,
		Message: fmt.Sprintf("estimated cost $%.4f reached stop threshold $%.4f", total, limit),
		Details: map[string]any{"total": total, "limit": limit},
	}
}

// Is checks if err, or any error it wraps, is a SnackError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SnackError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first SnackError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var sErr *SnackError
	if stderrors.As(err, &sErr) {
		return sErr.Code
	}
	return ""
}
