// Copyright 2024 The Authors.
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

package vmap

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) at the
// point of detection so callers can use errors.Is.
var (
	// ErrNotFound is returned when a path or key has no record. It is
	// expected and must never be logged.
	ErrNotFound = errors.New("vmap: not found")

	// ErrImmutableState is returned when a mutation is attempted against
	// a copy that has already been sealed by Copy().
	ErrImmutableState = errors.New("vmap: immutable copy")

	// ErrReleasedState is returned when an operation is attempted
	// against a copy that has already been released.
	ErrReleasedState = errors.New("vmap: released copy")

	// ErrAlreadyWriting is returned when a second writing session is
	// started against a component that only permits one at a time.
	ErrAlreadyWriting = errors.New("vmap: writing session already active")

	// ErrIoError wraps a recoverable I/O failure. Flush retries this
	// kind with exponential backoff until the retry budget is spent.
	ErrIoError = errors.New("vmap: recoverable i/o error")

	// ErrFatalIoError is the escalation of ErrIoError once the retry
	// budget for a flush has been exhausted.
	ErrFatalIoError = errors.New("vmap: fatal i/o error")

	// ErrCorruption is returned when an on-disk record is structurally
	// invalid (e.g. a length prefix runs past the end of the file, or
	// a format-version byte does not match).
	ErrCorruption = errors.New("vmap: corrupt record")

	// ErrPathOverflow is returned by path arithmetic that would
	// overflow a uint64 (notably any operation on math.MaxUint64).
	ErrPathOverflow = errors.New("vmap: path overflow")

	// ErrBackpressureExceeded is returned by Copy when the number of
	// sealed-but-unflushed copies would exceed maximumMapSize/flushInterval.
	ErrBackpressureExceeded = errors.New("vmap: backpressure exceeded")

	// ErrCancelled is returned when an in-flight operation is
	// interrupted via context cancellation.
	ErrCancelled = errors.New("vmap: cancelled")

	// ErrMergeError is returned when a path-index merge cannot proceed,
	// typically because a writing session is concurrently active.
	ErrMergeError = errors.New("vmap: merge error")

	// ErrHashingFailed is returned when the hasher cannot complete a
	// version; this is fatal to that copy only.
	ErrHashingFailed = errors.New("vmap: hashing failed")

	// ErrConfigurationError is returned by Config.Validate.
	ErrConfigurationError = errors.New("vmap: invalid configuration")
)
