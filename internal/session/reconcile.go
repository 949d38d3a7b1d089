// Package session derives what the local user is doing from the mirrored
// ledger and drives the ride actions they can take.
package session

import (
	"github.com/squarejellyfish/ntuber/internal/fare"
	"github.com/squarejellyfish/ntuber/internal/models"
)

type Mode int

const (
	ModeIdle Mode = iota
	ModeWaitingForFulfiller
	ModeFulfillerEnRoute
	ModeTripInProgress
	ModeRating
	ModeHistory
)

var modeNames = [...]string{"Idle", "WaitingForFulfiller", "FulfillerEnRoute", "TripInProgress", "Rating", "History"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "Unknown"
	}
	return modeNames[m]
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// derived reports whether the mode is one the reconciler puts the session in
// on its own, as opposed to an overlay the user opened.
func (m Mode) derived() bool {
	switch m {
	case ModeWaitingForFulfiller, ModeFulfillerEnRoute, ModeTripInProgress, ModeRating:
		return true
	}
	return false
}

// Draft is the trip the requester is composing.
type Draft struct {
	Pickup  *models.Point `json:"pickup,omitempty"`
	Dropoff *models.Point `json:"dropoff,omitempty"`
}

func (d Draft) Complete() bool { return d.Pickup != nil && d.Dropoff != nil }

// State is the session context. It is owned by the engine loop and passed by
// value everywhere else.
type State struct {
	Mode     Mode
	Role     models.Role
	Identity models.Address

	// RideID is the ride of interest, 0 when none. Ride is its last
	// observed copy.
	RideID uint64
	Ride   *models.Ride

	// ManualRating is set when Rating was entered by the user, which
	// suspends evaluation. ReturnMode is where ExitRating goes back to.
	ManualRating bool
	ReturnMode   Mode

	Draft    Draft
	Quote    fare.Quote
	Position *models.Sample

	Pending   string
	LastError string
}

// Deferred answers whether a ride's rating was skipped.
type Deferred interface {
	IsDeferred(id uint64) bool
}

// Select returns the newest ride the identity takes part in.
func Select(rides []models.Ride, identity models.Address) (models.Ride, bool) {
	var best models.Ride
	found := false
	for _, r := range rides {
		if !r.Involves(identity) {
			continue
		}
		if !found || r.ID > best.ID {
			best, found = r, true
		}
	}
	return best, found
}

func find(rides []models.Ride, id uint64) (models.Ride, bool) {
	for _, r := range rides {
		if r.ID == id {
			return r, true
		}
	}
	return models.Ride{}, false
}

// RatingEligible reports whether the identity still owes a rating for ride.
func RatingEligible(r models.Ride, identity models.Address) bool {
	return r.Status == models.StatusCompleted && !r.Rated && r.Requester.Equal(identity)
}

// Reconcile projects the ride set onto the session. It is pure: the same
// inputs always produce the same state.
func Reconcile(s State, rides []models.Ride, deferred Deferred) State {
	if s.Mode == ModeHistory || (s.Mode == ModeRating && s.ManualRating) {
		if s.RideID != 0 {
			if r, ok := find(rides, s.RideID); ok {
				s.Ride = &r
			}
		}
		return s
	}

	ride, ok := Select(rides, s.Identity)
	if !ok {
		return unpin(s, ModeIdle)
	}

	switch ride.Status {
	case models.StatusCreated:
		if s.Role == models.RoleRequester {
			return pin(s, ride, ModeWaitingForFulfiller)
		}
		return unpin(s, ModeIdle)
	case models.StatusAccepted:
		return pin(s, ride, ModeFulfillerEnRoute)
	case models.StatusOngoing:
		return pin(s, ride, ModeTripInProgress)
	case models.StatusCompleted:
		if s.Role == models.RoleRequester && RatingEligible(ride, s.Identity) && !isDeferred(deferred, ride.ID) {
			return pin(s, ride, ModeRating)
		}
	case models.StatusCancelled:
		if s.Mode == ModeWaitingForFulfiller || s.Mode == ModeFulfillerEnRoute {
			return ResetTrip(s)
		}
	}

	// A terminal ride that needs no rating leaves a derived trip mode for
	// Idle and is unpinned, so nothing keeps relaying for a finished ride.
	if s.Mode.derived() {
		return unpin(s, ModeIdle)
	}
	if s.RideID == ride.ID {
		s.Ride = &ride
	}
	return s
}

func isDeferred(d Deferred, id uint64) bool {
	return d != nil && d.IsDeferred(id)
}

func pin(s State, r models.Ride, mode Mode) State {
	if s.RideID != r.ID {
		s.Position = nil
	}
	s.RideID = r.ID
	s.Ride = &r
	s.Mode = mode
	s.ManualRating = false
	return s
}

func unpin(s State, mode Mode) State {
	s.RideID = 0
	s.Ride = nil
	s.Position = nil
	s.Mode = mode
	s.ManualRating = false
	return s
}

// ResetTrip returns to Idle and drops the ride of interest, the draft and
// the quote.
func ResetTrip(s State) State {
	s = unpin(s, ModeIdle)
	s.Draft = Draft{}
	s.Quote = fare.Quote{}
	return s
}

// CanSwitchRole reports whether the role may change in s.
func CanSwitchRole(s State) bool {
	return s.Mode == ModeIdle || s.Mode == ModeHistory || s.RideID == 0
}
