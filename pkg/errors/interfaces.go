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

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "conflict", "too_early", "gone", "throttled", "fatal"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *RetryableError) ErrorType() string { return "retryable" }

// IsRetryable implements ErrorClassifier.
func (e *RetryableError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *SerializationError) ErrorType() string { return "serialization" }

// IsRetryable implements ErrorClassifier. Serialization failures are
// deterministic; retrying encodes the same unsupported value again.
func (e *SerializationError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *DeserializationError) ErrorType() string { return "deserialization" }

// IsRetryable implements ErrorClassifier.
func (e *DeserializationError) IsRetryable() bool { return false }
