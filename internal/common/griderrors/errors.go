// Package griderrors contains generic errors shared across the grid's
// subsystems. Handlers map these to HTTP status codes at the boundary; inner
// code returns them wrapped with github.com/pkg/errors for stack traces.
//
// If multiple errors occur in some function (e.g., several sweep targets fail
// independently), that function should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package griderrors

import (
	"fmt"
)

// ErrAlreadyExists is returned whenever some resource already exists, for
// example an object-store key being written twice or a duplicate dedup token.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "object" or "dedup token"
	Value   string // Resource name or key
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is returned whenever some resource isn't found.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "sessionID"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrStaleVersion is returned when a submission is tagged with session or
// network identifiers that are no longer current. Stale submissions are
// rejected before any write so obsolete data never mixes into a live dataset.
type ErrStaleVersion struct {
	Field   string // "session" or "network"
	Got     string
	Current string
}

func (err *ErrStaleVersion) Error() string {
	return fmt.Sprintf("stale %s identifier %q, current is %q", err.Field, err.Got, err.Current)
}

// ErrUpgradeRequired is returned when the server no longer accepts the
// client's version. Fatal and non-retryable: the worker must stop and tell
// the user to upgrade instead of retrying forever.
type ErrUpgradeRequired struct {
	ClientVersion int
	MinVersion    int
}

func (err *ErrUpgradeRequired) Error() string {
	return fmt.Sprintf("client version %d is no longer supported (minimum %d); please upgrade",
		err.ClientVersion, err.MinVersion)
}

// ErrUploadAbandoned is returned by the upload client after exhausting its
// retry attempts for one chunk. The chunk stays in the local buffer.
type ErrUploadAbandoned struct {
	Attempts int
	LastErr  error
}

func (err *ErrUploadAbandoned) Error() string {
	return fmt.Sprintf("upload abandoned after %d attempts: %v", err.Attempts, err.LastErr)
}

func (err *ErrUploadAbandoned) Unwrap() error { return err.LastErr }

// ErrInvalidStatusTransition is returned by index repositories when a status
// change violates pending -> committed -> orphaned -> tombstoned. In
// particular tombstoned entries are never resurrected.
type ErrInvalidStatusTransition struct {
	ID   string
	From string
	To   string
}

func (err *ErrInvalidStatusTransition) Error() string {
	return fmt.Sprintf("index entry %s cannot move from %s to %s", err.ID, err.From, err.To)
}
