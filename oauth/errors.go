// Package oauth holds the protocol vocabulary shared by the authorization server:
// error codes, parameter names and the small parsing helpers around them.
package oauth

import (
	"errors"
	"net/url"
)

// ErrorCode is an OAuth 2.0 / OpenID Connect error code.
type ErrorCode string

const (
	InvalidRequest          ErrorCode = "invalid_request"
	InvalidClient           ErrorCode = "invalid_client"
	InvalidGrant            ErrorCode = "invalid_grant"
	UnauthorizedClient      ErrorCode = "unauthorized_client"
	AccessDenied            ErrorCode = "access_denied"
	InvalidScope            ErrorCode = "invalid_scope"
	UnsupportedResponseType ErrorCode = "unsupported_response_type"
	UnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ServerError             ErrorCode = "server_error"
	LoginRequired           ErrorCode = "login_required"
	ConsentRequired         ErrorCode = "consent_required"
)

const serverErrorDescription = "The authorization server encountered an unexpected error."

// Error is a protocol error. Description and State are sent to the client,
// Cause is kept for logging only.
type Error struct {
	Code        ErrorCode
	Description string
	State       string
	Cause       error
}

// NewError builds a protocol error with a description.
func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithState returns a copy of the error carrying the client state.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

// WithCause returns a copy of the error carrying an internal cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Cause = err
	return &cp
}

// Parameters renders the error as Authorization Response parameters.
func (e *Error) Parameters() map[string]string {
	params := map[string]string{"error": string(e.Code)}
	if e.Description != "" {
		params["error_description"] = e.Description
	}
	if e.State != "" {
		params["state"] = e.State
	}
	return params
}

// Values renders the error as query parameters for the error page.
func (e *Error) Values() url.Values {
	values := url.Values{}
	for k, v := range e.Parameters() {
		values.Set(k, v)
	}
	return values
}

// AsError converts any error into a protocol error. Errors that are not
// protocol errors become server_error with a generic description and the
// original error as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ServerError, Description: serverErrorDescription, Cause: err}
}

// IsCode reports whether err is a protocol error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Code == code
}
