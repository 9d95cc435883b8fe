/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vme

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors returned by the VME core.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota + 1
	KindInvalidLevel
	KindUnsupported
	KindResourceExhausted
	KindNoBusNumbersLeft
	KindAlreadyInUse
	KindAlreadyBound
	KindBusy
	KindInvalidWindow
	KindInvalidOffset
	KindNoMatchingDevice
	KindNotFound
)

var kindNames = map[ErrorKind]string{
	KindInvalidArgument:   "invalid argument",
	KindInvalidLevel:      "invalid interrupt level",
	KindUnsupported:       "operation not supported",
	KindResourceExhausted: "resource exhausted",
	KindNoBusNumbersLeft:  "no bus numbers left",
	KindAlreadyInUse:      "already in use",
	KindAlreadyBound:      "already bound",
	KindBusy:              "busy",
	KindInvalidWindow:     "invalid window",
	KindInvalidOffset:     "invalid offset",
	KindNoMatchingDevice:  "no matching device",
	KindNotFound:          "not found",
}

// Some kinds refine a broader kind; an error of the narrow kind also matches
// the sentinel of the broad one.
var kindParents = map[ErrorKind]ErrorKind{
	KindInvalidLevel:     KindInvalidArgument,
	KindNoBusNumbersLeft: KindResourceExhausted,
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for use with errors.Is
var (
	ErrInvalidArgument   = &Error{kind: KindInvalidArgument}
	ErrInvalidLevel      = &Error{kind: KindInvalidLevel}
	ErrUnsupported       = &Error{kind: KindUnsupported}
	ErrResourceExhausted = &Error{kind: KindResourceExhausted}
	ErrNoBusNumbersLeft  = &Error{kind: KindNoBusNumbersLeft}
	ErrAlreadyInUse      = &Error{kind: KindAlreadyInUse}
	ErrAlreadyBound      = &Error{kind: KindAlreadyBound}
	ErrBusy              = &Error{kind: KindBusy}
	ErrInvalidWindow     = &Error{kind: KindInvalidWindow}
	ErrInvalidOffset     = &Error{kind: KindInvalidOffset}
	ErrNoMatchingDevice  = &Error{kind: KindNoMatchingDevice}
	ErrNotFound          = &Error{kind: KindNotFound}
)

// ErrNotImplemented is returned by a bridge backend for an operation it does
// not provide. The core reports it to callers as KindUnsupported.
var ErrNotImplemented = errors.New("not implemented by bridge")

// Error is the error type returned by the VME core.
type Error struct {
	kind         ErrorKind
	cause        string
	resourceType string
	err          error
}

func NewError(kind ErrorKind) *Error {
	return &Error{kind: kind}
}

func (e *Error) Error() string {
	errorString := "vme: " + e.kind.String()
	if len(e.resourceType) != 0 {
		errorString += fmt.Sprintf(", Resource: %s", e.resourceType)
	}
	if len(e.cause) != 0 {
		errorString += fmt.Sprintf(", Cause: %s", e.cause)
	}
	if e.err != nil {
		errorString += fmt.Sprintf(", Internal Error: %s", e.err)
	}
	return errorString
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the sentinel of this error's kind, or of the kind it refines.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.cause != "" || t.err != nil || t.resourceType != "" {
		return false
	}

	if t.kind == e.kind {
		return true
	}

	parent, ok := kindParents[e.kind]
	return ok && parent == t.kind
}

// Getters

func (e *Error) Kind() ErrorKind {
	return e.kind
}

func (e *Error) Cause() string {
	return e.cause
}

func (e *Error) ResourceType() string {
	return e.resourceType
}

// Setters

func (e *Error) WithCause(cause string) *Error {
	e.cause = cause
	return e
}

func (e *Error) WithError(err error) *Error {
	e.err = err
	return e
}

func (e *Error) WithResourceType(t ResourceKind) *Error {
	e.resourceType = t.String()
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var vmeErr *Error
	if errors.As(err, &vmeErr) {
		return vmeErr.kind
	}
	return 0
}

// backendError converts an error returned by a bridge backend. A missing
// operation becomes KindUnsupported; anything else is passed through
// unchanged.
func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotImplemented) {
		return NewError(KindUnsupported).WithCause(op + " not supported").WithError(err)
	}
	return err
}
