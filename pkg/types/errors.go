// Copyright 2026 The OpenAgents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the wire-visible error taxonomy. The string value is what
// HTTP responses carry in error_message and what stream error frames carry
// in their error field.
type ErrorKind string

const (
	ErrAuthenticationRequired ErrorKind = "authentication_required"
	ErrAuthenticationFailed   ErrorKind = "authentication_failed"
	ErrDuplicateAgent         ErrorKind = "duplicate_agent"
	ErrUnknownAgent           ErrorKind = "unknown_agent"
	ErrInvalidEvent           ErrorKind = "invalid_event"
	ErrUnknownMod             ErrorKind = "unknown_mod"
	ErrModLoadFailed          ErrorKind = "mod_load_failed"
	ErrStorageUnavailable     ErrorKind = "storage_unavailable"
	ErrTimeout                ErrorKind = "timeout"
	ErrForbidden              ErrorKind = "forbidden"
	ErrInternal               ErrorKind = "internal"
)

// Error carries a taxonomy kind across component boundaries. Interior code
// wraps with fmt.Errorf("...: %w", err) as usual; the transport surfaces
// look the kind up with KindOf.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare-kind sentinel, so
// errors.Is(err, &Error{Kind: ErrTimeout}) works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a kinded error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the taxonomy kind from anywhere in err's chain.
// Unrecognized non-nil errors report ErrInternal; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
