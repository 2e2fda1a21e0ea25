package rt

import "time"

// StopTimeUpdate is the realtime state of one stop event within a trip
// update. Owned by its TripUpdate and replaced with it on every merge.
type StopTimeUpdate struct {
	Id           string `db:"id"`
	TripUpdateId string `db:"trip_update_id"`

	// Order is the stop's position in the journey, dense and zero-based.
	Order  int    `db:"stop_order"`
	StopId string `db:"stop_id"`

	Message *string `db:"message"`

	// Both the resolved datetime and the delay are kept so that a future
	// base-schedule change can be re-applied without losing information.
	Arrival       *time.Time      `db:"arrival"`
	ArrivalDelay  DelaySeconds    `db:"arrival_delay_seconds"`
	ArrivalStatus StopEventStatus `db:"arrival_status"`

	Departure       *time.Time      `db:"departure"`
	DepartureDelay  DelaySeconds    `db:"departure_delay_seconds"`
	DepartureStatus StopEventStatus `db:"departure_status"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// MakeStopTimeUpdate builds a StopTimeUpdate with a fresh id and both
// statuses defaulted to none.
func MakeStopTimeUpdate(stopId string, order int) *StopTimeUpdate {
	return &StopTimeUpdate{
		Id:              genUuid(),
		StopId:          stopId,
		Order:           order,
		ArrivalStatus:   StatusNone,
		DepartureStatus: StatusNone,
		CreatedAt:       time.Now().UTC(),
	}
}

// IsEqual compares every observable field of two stop time updates.
// Value equality is not overloaded on the struct itself: rows carry ids and
// bookkeeping timestamps that must not take part in change detection.
func (s *StopTimeUpdate) IsEqual(other *StopTimeUpdate) bool {
	if other == nil {
		return false
	}
	return s.StopId == other.StopId &&
		stringPtrEqual(s.Message, other.Message) &&
		s.Order == other.Order &&
		timePtrEqual(s.Departure, other.Departure) &&
		s.DepartureDelay == other.DepartureDelay &&
		s.DepartureStatus == other.DepartureStatus &&
		timePtrEqual(s.Arrival, other.Arrival) &&
		s.ArrivalDelay == other.ArrivalDelay &&
		s.ArrivalStatus == other.ArrivalStatus
}

func stringPtrEqual(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a *time.Time, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
