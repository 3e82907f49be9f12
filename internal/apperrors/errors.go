// Package apperrors carries the error taxonomy shared by the gateway, the
// workers and the HTTP boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindRejected  Kind = "rejected"
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is an error with a stable code that callers can switch on.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Rejected(code, message string) error {
	return &Error{Kind: KindRejected, Code: code, Message: message}
}

func NotFound(code, message string) error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Transient(code string, err error) error {
	return &Error{Kind: KindTransient, Code: code, Message: "transient failure", Err: err}
}

func Permanent(code string, err error) error {
	return &Error{Kind: KindPermanent, Code: code, Message: "permanent failure", Err: err}
}

// KindOf reports the kind of the first *Error in err's chain. Errors outside
// the taxonomy are treated as transient.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

func IsPermanent(err error) bool {
	k := KindOf(err)
	return k == KindPermanent || k == KindRejected || k == KindNotFound
}

// HTTPStatus maps err to the status code returned at the API boundary.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindRejected:
		if appErr.Code == CodeUnauthorized {
			return http.StatusUnauthorized
		}
		if appErr.Code == CodeForbidden {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Code returns the stable code of err, or "internal_error".
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}

const (
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeInvalidSignature    = "invalid_signature"
	CodeMissingAccount      = "missing_account_id"
	CodeInvalidRequest      = "invalid_request"
	CodeAccountNotFound     = "account_not_found"
	CodeTemplateNotFound    = "template_not_found"
	CodeTemplateNotApproved = "template_not_approved"
	CodeCampaignNotFound    = "campaign_not_found"
	CodeEventNotFound       = "event_not_found"
	CodeRateLimited         = "rate_limit_exceeded"
	CodeProviderRateLimited = "provider_rate_limited"
	CodeProviderRejected    = "provider_rejected"
	CodeProviderUnavailable = "provider_unavailable"
	CodeMalformedPayload    = "malformed_payload"
	CodeStoreUnavailable    = "store_unavailable"
	CodeQueueUnavailable    = "queue_unavailable"
)
