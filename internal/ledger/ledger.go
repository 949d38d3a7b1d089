// Package ledger defines the contract-facing collaborator the session engine
// reads ride records from and submits ride transactions to.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/squarejellyfish/ntuber/internal/models"
)

// ZeroAddress is what the contract reports for an unassigned fulfiller.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

type EventKind string

const (
	EventRequested EventKind = "RideRequested"
	EventAccepted  EventKind = "RideAccepted"
	EventStarted   EventKind = "RideStarted"
	EventCompleted EventKind = "RideCompleted"
	EventCancelled EventKind = "RideCancelled"
	EventRated     EventKind = "DriverRated"
)

// EventKinds lists every mutation notification the contract emits.
var EventKinds = []EventKind{EventRequested, EventAccepted, EventStarted, EventCompleted, EventCancelled, EventRated}

// Event is a change notification. RideID is zero for DriverRated, which
// the contract emits without a ride id.
type Event struct {
	Kind   EventKind
	RideID uint64
}

// Record is the raw ride tuple as stored by the contract.
type Record struct {
	ID              uint64
	Passenger       string
	Driver          string
	PickupLocation  string
	DropoffLocation string
	Amount          *big.Int // wei
	Timestamp       uint64   // unix seconds
	Status          uint8
	IsRated         bool
	Rating          uint8
}

type Reader interface {
	RideCount(ctx context.Context) (uint64, error)
	Ride(ctx context.Context, id uint64) (Record, error)
}

// Notifier delivers change notifications until ctx ends; the channel is
// closed when the subscription stops.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Writer submits transactions and blocks until they are confirmed or fail.
type Writer interface {
	RequestRide(ctx context.Context, pickup, dropoff string, value *big.Int) error
	AcceptRide(ctx context.Context, id uint64) error
	StartRide(ctx context.Context, id uint64) error
	CompleteRide(ctx context.Context, id uint64) error
	CancelRide(ctx context.Context, id uint64) error
	RateDriver(ctx context.Context, id uint64, stars uint8) error
}

type Client interface {
	Reader
	Writer
	Notifier
	// Identity is the local account address transactions are signed with.
	Identity() models.Address
}

var (
	ErrRejected = errors.New("transaction rejected")
	ErrReverted = errors.New("transaction reverted")
	ErrFailed   = errors.New("transaction failed")
	ErrNotFound = errors.New("ride not found")
)

// TxError is a terminal failure of one transaction attempt.
type TxError struct {
	Op     string
	Kind   error // ErrRejected, ErrReverted or ErrFailed
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TxError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func Reverted(op, reason string) error {
	return &TxError{Op: op, Kind: ErrReverted, Reason: reason}
}

func Rejected(op string) error {
	return &TxError{Op: op, Kind: ErrRejected, Reason: "user rejected the transaction"}
}
