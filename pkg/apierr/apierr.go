// Package apierr defines the stable error taxonomy bubbled up across the
// API surface. Every internal error a caller needs to distinguish is
// wrapped in a *Error carrying one of the Codes below; everything else
// collapses to Internal.
package apierr

import (
	"errors"
	"fmt"
)

// Code is a stable, RPC-facing error classification.
type Code string

const (
	InvalidRequest     Code = "InvalidRequest"
	Unauthorized       Code = "Unauthorized"
	Forbidden          Code = "Forbidden"
	NotFound           Code = "NotFound"
	DuplicateName      Code = "DuplicateName"
	AlreadyTerminal    Code = "AlreadyTerminal"
	StillRunning       Code = "StillRunning"
	InUse              Code = "InUse"
	Insufficient       Code = "Insufficient"
	BuildFailed        Code = "BuildFailed"
	SpawnFailed        Code = "SpawnFailed"
	SandboxCorrupted   Code = "SandboxCorrupted"
	Overflow           Code = "Overflow"
	CycleDetected      Code = "CycleDetected"
	MissingVolumes     Code = "MissingVolumes"
	ParseError         Code = "ParseError"
	InvalidMount       Code = "InvalidMount"
	InvalidSize        Code = "InvalidSize"
	InvalidCIDR        Code = "InvalidCIDR"
	UnknownRuntime     Code = "UnknownRuntime"
	DependencyUnsatisfied Code = "DependencyUnsatisfied"
	Internal           Code = "Internal"
)

// Error is the concrete error type every package in this module should
// return for a caller-distinguishable failure.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause, tagging it with code.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err, walking the Unwrap chain. Returns
// Internal for any error that never passed through New/Wrap.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
