package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth          = "AUTH_ERROR"
	ErrCodeClient        = "CLIENT_ERROR"
	ErrCodeServerError   = "SERVER_ERROR"
	ErrCodeRateLimit     = "RATE_LIMIT"
	ErrCodeNetwork       = "NETWORK_ERROR"
	ErrCodeMalformed     = "MALFORMED_DATA"
	ErrCodeGraphQL       = "GRAPHQL_ERROR"
	ErrCodeNotConfigured = "NOT_CONFIGURED"
	ErrCodeBackup        = "BACKUP_ERROR"
	ErrCodeStorage       = "STORAGE_ERROR"
	ErrCodeConflict      = "CONFLICT_ERROR"
)

// Sentinel errors
var (
	ErrNotConfigured        = errors.New("sync not configured")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrRateLimited          = errors.New("rate limited by remote")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrClientRequestFailed  = errors.New("client request failed")
	ErrRemoteServer         = errors.New("remote server error")
	ErrRemoteAPI            = errors.New("remote API error")
	ErrTransientNetwork     = errors.New("transient network error")
	ErrMalformedRemoteData  = errors.New("malformed remote data")
	ErrInvalidBackupFormat  = errors.New("invalid backup format")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrInvalidConflictIndex = errors.New("invalid conflict index")
	ErrInvalidAlias         = errors.New("invalid mutation alias")
	ErrMissingResult        = errors.New("no result for operation")
	ErrProjectNotFound      = errors.New("project not found")
)

// APIError represents an error from a remote API. It matches
// ErrRemoteAPI and the sentinel of its status class.
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	RequestID  string         `json:"request_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Errors     []GraphQLError `json:"errors,omitempty"`
}

// NewAPIError classifies an HTTP status into an APIError.
func NewAPIError(status int, message string) *APIError {
	code := ErrCodeClient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeAuth
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case status >= 500:
		code = ErrCodeServerError
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{Code: code, Message: message, StatusCode: status}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() []error {
	errs := []error{ErrRemoteAPI}
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		errs = append(errs, ErrAuthenticationFailed)
	case e.StatusCode == http.StatusTooManyRequests:
		errs = append(errs, ErrRateLimited)
	case e.StatusCode >= 500:
		errs = append(errs, ErrRemoteServer)
	case e.StatusCode >= 400:
		errs = append(errs, ErrClientRequestFailed)
	}
	return errs
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// MalformedDataError is a JSON decode failure on a remote payload.
type MalformedDataError struct {
	Source string
	Length int
	Prefix string
	Err    error
}

const malformedPrefixLen = 200

// NewMalformedDataError keeps the payload length and a short prefix.
func NewMalformedDataError(source string, body []byte, err error) *MalformedDataError {
	prefix := body
	if len(prefix) > malformedPrefixLen {
		prefix = prefix[:malformedPrefixLen]
	}
	return &MalformedDataError{Source: source, Length: len(body), Prefix: string(prefix), Err: err}
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed data from %s (%d bytes, starts %q): %v", e.Source, e.Length, e.Prefix, e.Err)
}

func (e *MalformedDataError) Unwrap() error {
	return e.Err
}

func (e *MalformedDataError) Is(target error) bool {
	return target == ErrMalformedRemoteData
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code     string
	Phase    string
	Provider string
	Err      error
}

func (e *SyncError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("sync %s [%s]: provider %s: %v", e.Phase, e.Code, e.Provider, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// BackupError is a structural validation failure on import.
type BackupError struct {
	Reason string
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("invalid backup format: %s", e.Reason)
}

func (e *BackupError) Is(target error) bool {
	return target == ErrInvalidBackupFormat
}

// CodeOf returns the error code carried by err, if any.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	switch {
	case errors.Is(err, ErrMalformedRemoteData):
		return ErrCodeMalformed
	case errors.Is(err, ErrTransientNetwork):
		return ErrCodeNetwork
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrCodeRateLimit
	case errors.Is(err, ErrNotConfigured):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrInvalidBackupFormat):
		return ErrCodeBackup
	}
	return ""
}
