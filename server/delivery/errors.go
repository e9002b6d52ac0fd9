/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/emersion/go-smtp"
)

// Error is a failed remote request. Code is bucketed into the small set of
// status codes understood by the calling MTA, StatusCode is the HTTP status
// returned by the remote (500 when no response was received).
type Error struct {
	Code       int
	StatusCode int
	Details    string
}

// NewError classifies the HTTP status code of a failed request.
func NewError(statusCode int, details string) *Error {
	return &Error{
		Code:       bucketCode(statusCode),
		StatusCode: statusCode,
		Details:    details,
	}
}

func bucketCode(statusCode int) int {
	switch statusCode {
	case http.StatusOK:
		return 200
	case http.StatusUnauthorized:
		return 421
	default:
		return 432
	}
}

// Error implements the error interface. The leading status code is what the
// MTA parses from the output of the pipe command.
func (err *Error) Error() string {
	return fmt.Sprintf("%d %s", err.Code, err.Details)
}

// SMTPError returns the transient LMTP reply for this delivery failure.
func (err *Error) SMTPError() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		Message:      fmt.Sprintf("%s (%d)", singleLine(err.Details), err.StatusCode),
	}
}

// singleLine collapses all whitespace runs, including line breaks, so the text
// fits into a single protocol reply line.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
