// Package apperr defines the failure taxonomy shared by every component
// and the mapping from failures to process exit codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by who can fix it and whether retrying helps.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindUserInput
	KindNotFound
	KindCloudAPI
	KindStateConsistency
	KindLifecycleTimeout
	KindNotReady
	KindTransport
	KindSyncConflict
	KindCancelled
)

var kindNames = map[Kind]string{
	KindInternal:         "internal error",
	KindConfiguration:    "configuration error",
	KindUserInput:        "invalid input",
	KindNotFound:         "not found",
	KindCloudAPI:         "cloud API error",
	KindStateConsistency: "state consistency error",
	KindLifecycleTimeout: "lifecycle timeout",
	KindNotReady:         "environment not ready",
	KindTransport:        "transport error",
	KindSyncConflict:     "sync conflict",
	KindCancelled:        "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Exit codes returned by the command boundary.
const (
	ExitOK        = 0
	ExitUser      = 2
	ExitCloud     = 3
	ExitInternal  = 4
	ExitConflict  = 5
	ExitCancelled = 130
)

// Error is a structured failure naming the component and resource involved.
type Error struct {
	Kind      Kind
	Component string
	Resource  string
	// Capability names the missing permission or feature, when known.
	Capability string
	// Transient marks cloud failures that may succeed on retry.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Resource != "" {
		fmt.Fprintf(&b, " (%s)", e.Resource)
	}
	if e.Capability != "" {
		fmt.Fprintf(&b, ", missing %s", e.Capability)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.NotReady)
// style sentinels work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Component == "" && t.Resource == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons by kind.
var (
	Configuration    = &Error{Kind: KindConfiguration}
	UserInput        = &Error{Kind: KindUserInput}
	NotFound         = &Error{Kind: KindNotFound}
	CloudAPI         = &Error{Kind: KindCloudAPI}
	StateConsistency = &Error{Kind: KindStateConsistency}
	LifecycleTimeout = &Error{Kind: KindLifecycleTimeout}
	NotReady         = &Error{Kind: KindNotReady}
	Transport        = &Error{Kind: KindTransport}
	SyncConflict     = &Error{Kind: KindSyncConflict}
	Cancelled        = &Error{Kind: KindCancelled}
)

// New builds an Error for component and resource wrapping err.
func New(kind Kind, component, resource string, err error) *Error {
	return &Error{Kind: kind, Component: component, Resource: resource, Err: err}
}

// Newf is New with a formatted message as the wrapped error.
func Newf(kind Kind, component, resource, format string, args ...any) *Error {
	return New(kind, component, resource, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfiguration, KindUserInput, KindNotFound, KindNotReady:
		return ExitUser
	case KindCloudAPI, KindLifecycleTimeout, KindTransport:
		return ExitCloud
	case KindSyncConflict:
		return ExitConflict
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitInternal
	}
}
