/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package lmtp

import (
	"errors"

	"github.com/emersion/go-smtp"
)

var ErrInvalidCommand = &smtp.SMTPError{
	Code:         500,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Invalid command",
}

var ErrServiceNotAvailable = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "localhost Service not available",
}

var errDataInterrupted = errors.New("lmtp: data interrupted")
