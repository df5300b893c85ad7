// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrelationMiss is returned when an internal ID or platform handle
	// has no entry in a correlation cache.
	ErrCorrelationMiss = errors.New("correlation miss")
	// ErrBroadcasterSealed is returned by AddReceiver after the first broadcast.
	ErrBroadcasterSealed = errors.New("broadcaster already started")
	// ErrUnknownSource is returned when a receiver reports an invalid source.
	ErrUnknownSource = errors.New("unknown source")
)

// CorrelationMissError describes a failed cache lookup.
type CorrelationMissError struct {
	Source     Source
	InternalID uint64
	Handle     string
}

func (e *CorrelationMissError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("could not find %s message %s in correlation cache", e.Source, e.Handle)
	}
	return fmt.Sprintf("could not find internal message %d in %s correlation cache", e.InternalID, e.Source)
}

func (e *CorrelationMissError) Unwrap() error {
	return ErrCorrelationMiss
}

// DeliveryError wraps the error returned by a receiver during a broadcast.
type DeliveryError struct {
	Source Source
	Event  string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %s event to %s: %v", e.Event, e.Source, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
