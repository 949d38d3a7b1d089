package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address is a ledger account address. Comparisons ignore hex case.
type Address string

func (a Address) Equal(b Address) bool {
	return a != "" && b != "" && strings.EqualFold(string(a), string(b))
}

func (a Address) IsZero() bool { return a == "" }

// Point is a labelled geographic location.
type Point struct {
	Label string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

type Status int

const (
	StatusCreated Status = iota
	StatusAccepted
	StatusOngoing
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{"Created", "Accepted", "Ongoing", "Completed", "Cancelled"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ride status %q", b)
}

// Trackable reports whether live position relay is meaningful for the status.
func (s Status) Trackable() bool { return s == StatusAccepted || s == StatusOngoing }

// Terminal reports whether the ledger will never move the ride again.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
)

func (r Role) Valid() bool { return r == RoleRequester || r == RoleFulfiller }

// Ride is the client-side view of one ledger ride record.
type Ride struct {
	ID        uint64          `json:"id"`
	Requester Address         `json:"requester"`
	Fulfiller Address         `json:"fulfiller,omitempty"`
	Pickup    Point           `json:"pickup"`
	Dropoff   Point           `json:"dropoff"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
	Rated     bool            `json:"rated"`
	Rating    uint8           `json:"rating,omitempty"`
}

// Involves reports whether addr is the requester or the fulfiller of the ride.
func (r Ride) Involves(addr Address) bool {
	return r.Requester.Equal(addr) || r.Fulfiller.Equal(addr)
}

// Sample is the latest known fulfiller position for a ride.
type Sample struct {
	RideID    uint64    `json:"ride_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Publisher Address   `json:"publisher"`
	At        time.Time `json:"at"`
}

// Fix is a single device position reading.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Accuracy float64   `json:"accuracy,omitempty"`
	At       time.Time `json:"at"`
}
