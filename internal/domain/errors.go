package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrDuplicateEntity      = errors.New("duplicate entity")
	ErrCycleDetected        = errors.New("dependency cycle detected")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrConfiguration        = errors.New("invalid configuration")
)

// EntityError attributes a failure to one entity id with a one-line reason.
type EntityError struct {
	Kind   error
	Entity string
	ID     string
	Reason string
}

func (e *EntityError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

func (e *EntityError) Unwrap() error {
	return e.Kind
}

func NotFound(entity, id string) error {
	return &EntityError{Kind: ErrUnknownEntity, Entity: entity, ID: id, Reason: "not found"}
}

func Duplicate(entity, id string) error {
	return &EntityError{Kind: ErrDuplicateEntity, Entity: entity, ID: id, Reason: "already exists"}
}

func Invalid(entity, id, reason string) error {
	return &EntityError{Kind: ErrValidation, Entity: entity, ID: id, Reason: reason}
}
