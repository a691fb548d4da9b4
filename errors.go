// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rsvisor

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrNoSlots          = errors.New("no free service slots")
	ErrBadConfig        = errors.New("invalid service configuration")
	ErrDuplicateLabel   = fmt.Errorf("%w: label already in use", ErrBadConfig)
	ErrDeviceConflict   = fmt.Errorf("%w: device already owned", ErrBadConfig)
	ErrImage            = errors.New("exec image error")
	ErrImageNotFound    = fmt.Errorf("%w: not found", ErrImage)
	ErrImageCorrupt     = fmt.Errorf("%w: corrupt", ErrImage)
	ErrPrivilegeDenied  = errors.New("privilege denied")
	ErrTimeout          = errors.New("timed out")
	ErrSyscall          = errors.New("system call failed")
	ErrCrashDetected    = errors.New("crash detected")
	ErrUpdateAborted    = errors.New("update aborted")
	ErrUpdateInProgress = errors.New("update already in progress")
	ErrNoSuchService    = errors.New("no such service")
	ErrBadState         = errors.New("service in wrong state")
	ErrShuttingDown     = errors.New("supervisor shutting down")
	ErrBadRequest       = errors.New("bad request")
)

// Kind classifies errors returned to the dispatch layer.
type Kind int

const (
	KindOther Kind = iota
	ResourceExhausted
	ConfigInvalid
	ImageError
	PrivilegeDenied
	Timeout
	SyscallFailed
	CrashDetected
	UpdateAborted
)

var kindNames = []string{
	"Other",
	"ResourceExhausted",
	"ConfigInvalid",
	"ImageError",
	"PrivilegeDenied",
	"Timeout",
	"SyscallFailed",
	"CrashDetected",
	"UpdateAborted",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindSentinels = map[Kind]error{
	ResourceExhausted: ErrNoSlots,
	ConfigInvalid:     ErrBadConfig,
	ImageError:        ErrImage,
	PrivilegeDenied:   ErrPrivilegeDenied,
	Timeout:           ErrTimeout,
	SyscallFailed:     ErrSyscall,
	CrashDetected:     ErrCrashDetected,
	UpdateAborted:     ErrUpdateAborted,
}

// Error is the error type returned by lifecycle and update operations.
// Errno is only meaningful for SyscallFailed.
type Error struct {
	Kind   Kind
	Label  string
	Errno  syscall.Errno
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	s, ok := kindSentinels[e.Kind]
	if ok {
		msg = s.Error()
	}
	cause := e.Err
	if cause != nil && ok && errors.Is(cause, s) {
		// The cause already names the kind, e.g. ErrImageNotFound.
		msg = cause.Error()
		cause = nil
	}
	if e.Kind == SyscallFailed && e.Errno != 0 {
		msg = fmt.Sprintf("%s (errno %d)", msg, int(e.Errno))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if cause != nil {
		msg += ": " + cause.Error()
	}
	if e.Label != "" {
		msg = e.Label + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against the sentinel for the error's kind, so that
// errors.Is(err, ErrUpdateAborted) works without the cause being lost.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, label string, err error) *Error {
	return &Error{Kind: kind, Label: label, Err: err}
}

func syscallError(label, op string, err error) *Error {
	e := &Error{Kind: SyscallFailed, Label: label, Reason: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

func abortError(label, reason string, cause error) *Error {
	return &Error{Kind: UpdateAborted, Label: label, Reason: reason, Err: cause}
}

// KindOf classifies any error.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindOther
}
