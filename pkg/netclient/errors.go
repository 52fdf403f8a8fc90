package netclient

import (
	"fmt"
	"net/http"
)

// Code is a symbolic error code from the closed failure taxonomy.
type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternalServerError Code = "INTERNAL_SERVER_ERROR"
	CodeBadGateway          Code = "BAD_GATEWAY"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeGatewayTimeout      Code = "GATEWAY_TIMEOUT"
	CodeTimeout             Code = "TIMEOUT"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeUnknown             Code = "UNKNOWN"
)

// Error is the normalized failure value returned by Client.
// Retryable is fixed at creation and never recomputed downstream.
type Error struct {
	Code      Code
	Status    int // 0 when no HTTP response was received
	Message   string
	Retryable bool
	Body      []byte // raw response body, when available
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusInternalServerError:
		return CodeInternalServerError
	case http.StatusBadGateway:
		return CodeBadGateway
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return CodeGatewayTimeout
	default:
		return CodeUnknown
	}
}

// retryableStatus reports whether a status code is worth retrying:
// 408, 429 and all 5xx responses.
func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func newStatusError(status int, body []byte) *Error {
	return &Error{
		Code:      codeForStatus(status),
		Status:    status,
		Message:   http.StatusText(status),
		Retryable: retryableStatus(status),
		Body:      body,
	}
}

func newTimeoutError(url string) *Error {
	return &Error{Code: CodeTimeout, Message: "request timed out: " + url, Retryable: true}
}

func newNetworkError(err error) *Error {
	return &Error{Code: CodeNetworkError, Message: err.Error(), Retryable: true}
}

func newRateLimitedError(domain string) *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limit window too long for " + domain, Retryable: false}
}
