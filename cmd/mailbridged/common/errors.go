/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"errors"
)

// ErrorWithExitCode is an error which exits the process with Code.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (err *ErrorWithExitCode) Error() string {
	return err.Err.Error()
}

func (err *ErrorWithExitCode) Unwrap() error {
	return err.Err
}

// StartupError marks err as failure before serving started.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  err,
		Code: 1,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitCodeErr *ErrorWithExitCode
	if errors.As(err, &exitCodeErr) {
		return exitCodeErr.Code
	}
	return 1
}
