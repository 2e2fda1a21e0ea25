package rt

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotUTC is returned when a timestamp that must be UTC carries another
// location. Timestamps are stored without time zone; letting a zoned value
// through would silently corrupt every comparison against stored state.
var ErrNotUTC = errors.New("timestamp must be in UTC")

// ErrCirculationDateUnresolvable reports that no start timestamp inside the
// search window could be computed for a base trip.
type ErrCirculationDateUnresolvable struct {
	TripId string
	Since  time.Time
	Until  time.Time
}

func (e *ErrCirculationDateUnresolvable) Error() string {
	return fmt.Sprintf("impossible to calculate the circulation date of trip %s on period [%v, %v]",
		e.TripId, e.Since, e.Until)
}

// BaseStopTime is one scheduled stop of the base trip, cached on the
// VehicleJourney for the duration of one ingestion. Times of day are UTC
// seconds from midnight. Not persisted.
type BaseStopTime struct {
	StopId           string
	ArrivalSeconds   *int
	DepartureSeconds *int
	Timezone         string
}

// VehicleJourney is one circulation of a base trip on a specific day,
// identified by (trip_id, start_timestamp).
type VehicleJourney struct {
	Id             string    `db:"id"`
	TripId         string    `db:"trip_id"`
	StartTimestamp time.Time `db:"start_timestamp"`

	// BaseStops is the cached base schedule, empty for realtime-only
	// (added) trips. Rebuilt by the connector on every ingestion.
	BaseStops []BaseStopTime `db:"-"`
}

// MakeVehicleJourney resolves the circulation date of a base trip.
//
// The timetable service only returns times of day, so the start timestamp is
// recomputed here: take the first stop's time of day on since's date; if that
// lands before since, the circulation belongs to the next day; if it then
// lands after until, the window does not contain this circulation at all.
// For realtime-only trips (no base stops) explicitStart is used verbatim.
// All inputs must be UTC.
func MakeVehicleJourney(tripId string, baseStops []BaseStopTime, since time.Time, until time.Time,
	explicitStart *time.Time) (*VehicleJourney, error) {

	if err := requireUTC(since, until); err != nil {
		return nil, err
	}
	if explicitStart != nil {
		if err := requireUTC(*explicitStart); err != nil {
			return nil, err
		}
	}

	vj := VehicleJourney{
		Id:        genUuid(),
		TripId:    tripId,
		BaseStops: baseStops,
	}

	if len(baseStops) == 0 && explicitStart != nil {
		vj.StartTimestamp = *explicitStart
		return &vj, nil
	}
	if len(baseStops) == 0 {
		return nil, fmt.Errorf("trip %s has no base stops and no explicit start", tripId)
	}

	first := baseStops[0]
	startSeconds := first.ArrivalSeconds
	if startSeconds == nil {
		startSeconds = first.DepartureSeconds
	}
	if startSeconds == nil {
		return nil, fmt.Errorf("first stop of trip %s has neither arrival nor departure time", tripId)
	}

	start := TimeOfDayOn(DateOf(since), *startSeconds)
	if start.Before(since) {
		start = start.AddDate(0, 0, 1)
	}
	if until.Before(start) {
		return nil, &ErrCirculationDateUnresolvable{TripId: tripId, Since: since, Until: until}
	}
	vj.StartTimestamp = start
	return &vj, nil
}

// CirculationDate is the UTC midnight of the journey's start timestamp.
func (vj *VehicleJourney) CirculationDate() time.Time {
	return DateOf(vj.StartTimestamp)
}

// DateOf truncates a timestamp to UTC midnight of its day.
func DateOf(at time.Time) time.Time {
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
}

// TimeOfDayOn composes a date at UTC midnight with seconds from midnight.
func TimeOfDayOn(date time.Time, seconds int) time.Time {
	return date.Add(time.Duration(seconds) * time.Second)
}

// SecondsOfDay extracts UTC seconds from midnight of a timestamp.
func SecondsOfDay(at time.Time) int {
	utc := at.UTC()
	return utc.Hour()*3600 + utc.Minute()*60 + utc.Second()
}

func requireUTC(timestamps ...time.Time) error {
	for _, at := range timestamps {
		if at.Location() != time.UTC {
			return fmt.Errorf("%v: %w", at, ErrNotUTC)
		}
	}
	return nil
}
