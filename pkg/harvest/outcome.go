package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Class classifies the result of a fetch attempt.
type Class string

const (
	// ClassSuccess means the payload was fetched and parsed.
	ClassSuccess Class = "success"

	// ClassPermanent means the item will never succeed (wrong type, not applicable).
	ClassPermanent Class = "permanent"

	// ClassTransient means network, rate-limit or unexpected-status failures.
	ClassTransient Class = "transient"

	// ClassMalformed means the payload failed structural parsing.
	ClassMalformed Class = "malformed"

	// ClassInterrupted means the run was stopped before the key reached a
	// terminal state. The key stays pending.
	ClassInterrupted Class = "interrupted"
)

// FetchError is a typed fetch failure returned by a Source.
type FetchError struct {
	Class  Class
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failure: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failure: %s", e.Class, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports a failure worth retrying later.
func Transient(reason string, err error) error {
	return &FetchError{Class: ClassTransient, Reason: reason, Err: err}
}

// Permanent reports a failure that will never succeed.
func Permanent(reason string) error {
	return &FetchError{Class: ClassPermanent, Reason: reason}
}

// Malformed reports a payload that could not be parsed.
func Malformed(reason string, err error) error {
	return &FetchError{Class: ClassMalformed, Reason: reason, Err: err}
}

// ClassOf maps an error returned by a Source to its Class.
// Unknown errors are connection-level failures and therefore transient.
func ClassOf(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassInterrupted
	}
	return ClassTransient
}

// Outcome is the single terminal result of processing one key.
type Outcome struct {
	Key   Key
	Class Class

	// Items holds the payload, in page order, when Class is ClassSuccess.
	Items []json.RawMessage

	// Calls is the number of fetch attempts made.
	Calls int

	// Err is the last failure, nil on success.
	Err error
}

// Reason returns a short human-readable cause of the outcome.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return string(o.Class)
	}
	var fe *FetchError
	if errors.As(o.Err, &fe) {
		return fe.Reason
	}
	return o.Err.Error()
}
