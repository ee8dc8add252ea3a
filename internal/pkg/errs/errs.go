/*
Package errs provides custom error types and application-level error code constants.

This file defines CustomError, which carries a business code, a user-facing message and
the HTTP status used when the error is reported over REST.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"spachat/internal/pkg/logx"
)

// CustomError is the error shape reported to clients.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int `json:"code"`

	// Message is the user-friendly error description.
	Message string `json:"message"`

	// Status is the HTTP status used for REST responses.
	Status int `json:"-"`
}

// Error implements the error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("Error Code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// NewError builds a *CustomError from a predefined code. Details are printf arguments
// for message templates that contain verbs; for ErrUnknown the first detail may be the
// underlying error, which is logged and never exposed. Unknown codes fall back to ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	templateErr, ok := errorMap[code]

	if !ok {
		logx.Error(
			fmt.Errorf("attempted to create an error with an unknown code in errorMap"),
			"Unknown error code requested",
			"requested_code", code,
		)

		unknownErr := errorMap[ErrUnknown]
		return &unknownErr
	}

	customErr := templateErr

	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	if code == ErrUnknown && len(details) > 0 {
		if originalErr, ok := details[0].(error); ok {
			logx.Error(originalErr, "Handling ErrUnknown with underlying error")
		}
	} else if len(details) > 0 {
		if strings.Contains(customErr.Message, "%") {
			customErr.Message = fmt.Sprintf(customErr.Message, details...)
		} else {
			logx.Warn("Details provided for error without formatting placeholders. Details ignored.", "code", code)
		}
	}

	return &customErr
}

// From returns err as a *CustomError when it is one, and ErrUnknown otherwise.
func From(err error) *CustomError {
	if err == nil {
		return nil
	}

	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr
	}

	return NewError(ErrUnknown, err)
}
