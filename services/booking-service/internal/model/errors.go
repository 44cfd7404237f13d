package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidRange          = errors.New("invalid range")
	ErrUnknownResource       = errors.New("unknown resource")
	ErrUnknownService        = errors.New("unknown service")
	ErrUnknownHold           = errors.New("unknown hold")
	ErrUnknownBooking        = errors.New("unknown booking")
	ErrSlotUnavailable       = errors.New("slot unavailable")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrAlreadyConsumed       = errors.New("already consumed")
	ErrGuardBusy             = errors.New("resource busy, retry")
	ErrIdempotencyInProgress = errors.New("request with the same client id is still in progress")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidRangeError is a ValidationError for a range whose end is not after its start.
type InvalidRangeError struct {
	From time.Time
	To   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: to (%s) must be after from (%s)", e.To.Format(time.RFC3339), e.From.Format(time.RFC3339))
}

func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange || target == ErrValidation
}

// NotFoundError wraps one of the unknown-entity sentinels with the missing id.
type NotFoundError struct {
	Kind error
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Kind }

func UnknownResource(id string) error { return &NotFoundError{Kind: ErrUnknownResource, ID: id} }
func UnknownService(id string) error  { return &NotFoundError{Kind: ErrUnknownService, ID: id} }
func UnknownHold(id string) error     { return &NotFoundError{Kind: ErrUnknownHold, ID: id} }
func UnknownBooking(id string) error  { return &NotFoundError{Kind: ErrUnknownBooking, ID: id} }

// SlotUnavailableError reports a rejected claim together with the owners of the claims it collided with.
type SlotUnavailableError struct {
	ResourceID     string
	Interval       Interval
	ConflictingIDs []string
}

func (e *SlotUnavailableError) Error() string {
	msg := fmt.Sprintf("slot unavailable on resource %s for [%s, %s)", e.ResourceID,
		e.Interval.Start.UTC().Format(time.RFC3339), e.Interval.End.UTC().Format(time.RFC3339))
	if len(e.ConflictingIDs) > 0 {
		msg += ": conflicts with " + strings.Join(e.ConflictingIDs, ", ")
	}
	return msg
}

func (e *SlotUnavailableError) Unwrap() error { return ErrSlotUnavailable }

type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s cannot go from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyConsumedError is returned on an idempotent replay whose entity has since reached a
// terminal state. Callers get the entity back alongside the error.
type AlreadyConsumedError struct {
	Entity string
	ID     string
	State  string
}

func (e *AlreadyConsumedError) Error() string {
	return fmt.Sprintf("%s %s already %s", e.Entity, e.ID, e.State)
}

func (e *AlreadyConsumedError) Unwrap() error { return ErrAlreadyConsumed }
