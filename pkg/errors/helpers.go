// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	stderrors "errors"
	"time"
)

// Fatal wraps err as a non-retryable step error.
func Fatal(message string) *FatalError {
	return &FatalError{Message: message}
}

// FatalWrap wraps err as a non-retryable step error preserving the cause.
func FatalWrap(err error) *FatalError {
	if err == nil {
		return nil
	}
	return &FatalError{Message: err.Error(), Cause: err}
}

// RetryAfter wraps err as a retryable step error with an absolute
// earliest-retry time.
func RetryAfter(err error, at time.Time) *RetryableError {
	msg := "retryable error"
	if err != nil {
		msg = err.Error()
	}
	return &RetryableError{Message: msg, RetryAfter: at, Cause: err}
}

// NewConflict reports that the target entity is already terminal.
func NewConflict(message string) *StatusError {
	return &StatusError{Code: CodeConflict, Message: message}
}

// NewGone reports that the owning run is already terminal.
func NewGone(message string) *StatusError {
	return &StatusError{Code: CodeGone, Message: message}
}

// NewTooEarly reports that a step was started before its retry window
// opened. retryAfter is the absolute time the step becomes eligible.
func NewTooEarly(retryAfter time.Time) *StatusError {
	return &StatusError{Code: CodeTooEarly, Message: "step not yet eligible", RetryAfter: retryAfter}
}

// NewThrottled reports an upstream rate limit with the time the caller
// should wait for.
func NewThrottled(retryAfter time.Time) *StatusError {
	return &StatusError{Code: CodeThrottled, Message: "throttled", RetryAfter: retryAfter}
}

// NewServerError wraps a transient storage failure.
func NewServerError(err error) *StatusError {
	msg := "internal storage error"
	if err != nil {
		msg = err.Error()
	}
	return &StatusError{Code: CodeServerError, Message: msg, Cause: err}
}

// statusCode extracts the StatusError code from err, or 0.
func statusCode(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return 0
}

// StatusOf returns the StatusError carried by err, or nil.
func StatusOf(err error) *StatusError {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsConflict reports whether err is a 409 ordering signal.
func IsConflict(err error) bool { return statusCode(err) == CodeConflict }

// IsGone reports whether err is a 410 run-terminal signal.
func IsGone(err error) bool { return statusCode(err) == CodeGone }

// IsTooEarly reports whether err is a 425 retry-window signal.
func IsTooEarly(err error) bool { return statusCode(err) == CodeTooEarly }

// IsThrottled reports whether err is a 429 throttle.
func IsThrottled(err error) bool { return statusCode(err) == CodeThrottled }

// IsNotFound reports whether err is a 404 or a NotFoundError.
func IsNotFound(err error) bool {
	if statusCode(err) == CodeNotFound {
		return true
	}
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

// IsServerError reports whether err is a transient 5xx storage failure.
func IsServerError(err error) bool { return statusCode(err) >= 500 }

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}

// AsRetryable returns the RetryableError wrapped by err, or nil.
func AsRetryable(err error) *RetryableError {
	var re *RetryableError
	if stderrors.As(err, &re) {
		return re
	}
	return nil
}
