// Copyright 2023 - 2025 The Tessera Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package terr defines the coded errors used across the engine. Codes are
// stable, messages are not. Callers should test codes with the predicates
// below instead of matching message text.
package terr

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	Ok uint16 = 0

	// Group 1: internal errors
	ErrInternal uint16 = 20101
	ErrNYI      uint16 = 20102
	ErrOOM      uint16 = 20103

	// Group 3: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 4: unexpected state
	ErrInvalidState uint16 = 20400
)

// Error carries an error code plus a formatted message. It is always
// returned wrapped with a stack by the constructors below.
type Error struct {
	code    uint16
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Code() uint16 {
	return e.code
}

func newError(_ context.Context, code uint16, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return errors.WithStack(&Error{code: code, message: msg})
}

func NewInternalError(ctx context.Context, msg string, args ...any) error {
	return newError(ctx, ErrInternal, "internal error: "+msg, args...)
}

func NewNYI(ctx context.Context, msg string, args ...any) error {
	return newError(ctx, ErrNYI, "not yet implemented: "+msg, args...)
}

func NewOOM(ctx context.Context) error {
	return newError(ctx, ErrOOM, "out of memory")
}

func NewBadConfig(ctx context.Context, msg string, args ...any) error {
	return newError(ctx, ErrBadConfig, "invalid configuration: "+msg, args...)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) error {
	return newError(ctx, ErrInvalidInput, "invalid input: "+msg, args...)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) error {
	return newError(ctx, ErrInvalidState, "invalid state: "+msg, args...)
}

// GetCode returns the error code of err, or Ok if err carries none.
func GetCode(err error) uint16 {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Ok
}

func IsErrCode(err error, code uint16) bool {
	return err != nil && GetCode(err) == code
}

func IsOOM(err error) bool {
	return IsErrCode(err, ErrOOM)
}
