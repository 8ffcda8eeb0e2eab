// Unified error handling for the auto speed calibration host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Calibration errors. Unsafe configuration, sensor, mechanical and abort
	// errors end a run; everything else is reported and handled locally.
	ErrUnsafeConfig      ErrorCode = "UNSAFE_CONFIG"
	ErrSensorUnavailable ErrorCode = "SENSOR_UNAVAILABLE"
	ErrMechanicalFault   ErrorCode = "MECHANICAL_FAULT"
	ErrAborted           ErrorCode = "ABORTED"

	// Link errors
	ErrLink ErrorCode = "LINK"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Stage is the calibration stage the error was raised in (if known)
	Stage string

	// Value is the last parameter value under test (if known)
	Value *float64

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetStage sets the calibration stage
func (e *HostError) SetStage(stage string) *HostError {
	e.Stage = stage
	return e
}

// SetValue records the value under test
func (e *HostError) SetValue(v float64) *HostError {
	e.Value = &v
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// ConfigValidationError creates an error for an option that fails validation
func ConfigValidationError(option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s': %s", option, reason)).
		SetContext("option", option)
}

// UnsafeConfigError creates an error for parameters that cannot be tested safely
func UnsafeConfigError(format string, args ...interface{}) *HostError {
	return New(ErrUnsafeConfig, fmt.Sprintf(format, args...))
}

// SensorUnavailableError creates an error for a missing or implausible position reading
func SensorUnavailableError(axis string, err error) *HostError {
	return Wrap(err, ErrSensorUnavailable, fmt.Sprintf("position sensor unavailable on axis %s", axis)).
		SetContext("axis", axis)
}

// MechanicalFaultError creates an error for a hard fault reported by the motion system
func MechanicalFaultError(operation string, err error) *HostError {
	return Wrap(err, ErrMechanicalFault, fmt.Sprintf("%s failed", operation))
}

// AbortedError creates an error for an externally requested stop
func AbortedError(err error) *HostError {
	return Wrap(err, ErrAborted, "calibration aborted")
}

// LinkError creates an error for a transport failure
func LinkError(operation string, err error) *HostError {
	return Wrap(err, ErrLink, operation)
}

// Is checks if any error in the chain matches the given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if stderrors.As(err, &hostErr) {
			if hostErr.Code == code {
				return true
			}
			err = hostErr.Err
			continue
		}
		return false
	}
	return false
}

// IsUnsafeConfig reports errors that mean the requested calibration cannot
// be carried out safely. A sensor that cannot be read is one of them.
func IsUnsafeConfig(err error) bool {
	return Is(err, ErrUnsafeConfig) || Is(err, ErrSensorUnavailable)
}

// IsFatal checks if the error must end a calibration run
func IsFatal(err error) bool {
	return IsUnsafeConfig(err) ||
		Is(err, ErrMechanicalFault) ||
		Is(err, ErrAborted)
}
