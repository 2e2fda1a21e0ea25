// Package merge reconciles three sources of truth for one vehicle journey:
// the base timetable cached on the journey, the trip update already in
// storage (possibly absent), and the trip update that just arrived.
package merge

import (
	logger "log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
)

// Merge combines the stored trip update and the incoming one against the
// base schedule carried by incoming.Vj.
//
// The result is the stored update when one exists, otherwise the incoming
// one, mutated in place so persistence captures it. A nil result means the
// incoming update brings no observable change and the caller should skip
// both persistence and publication for this trip.
//
// isNewComplete declares that the incoming update lists the trip's full stop
// sequence. It drives two things: the stop iteration follows the incoming
// sequence instead of the base schedule, and nil trip-level fields mean
// "back to normal" instead of "no information".
func Merge(log *logger.Logger, old *rt.TripUpdate, incoming *rt.TripUpdate, isNewComplete bool) *rt.TripUpdate {
	vj := incoming.Vj
	if vj == nil {
		log.Printf("trip update without vehicle journey ignored (contributor %s)", incoming.ContributorId)
		return nil
	}

	result := incoming
	if old != nil {
		result = old
		// The stored journey row wins over the one built for this ingestion.
		if old.Vj != nil {
			vj.Id = old.Vj.Id
		}
	}

	tripChanged := old == nil
	if result.Status != incoming.Status {
		result.Status = incoming.Status
		tripChanged = true
	}
	tripChanged = adoptString(&result.Message, incoming.Message, isNewComplete) || tripChanged
	tripChanged = adoptString(&result.CompanyId, incoming.CompanyId, isNewComplete) || tripChanged
	tripChanged = adoptString(&result.PhysicalModeId, incoming.PhysicalModeId, isNewComplete) || tripChanged
	tripChanged = adoptString(&result.Headsign, incoming.Headsign, isNewComplete) || tripChanged
	tripChanged = adoptEffect(&result.Effect, incoming.Effect, isNewComplete) || tripChanged
	if result.ContributorId != incoming.ContributorId {
		result.ContributorId = incoming.ContributorId
		tripChanged = true
	}
	result.Vj = vj
	result.VjId = vj.Id

	// A cancelled trip keeps no stop sequence.
	if result.Status == rt.TripStatusDelete {
		result.StopTimeUpdates = nil
		return result
	}

	drivers := buildDriverSequence(log, vj, incoming, isNewComplete)

	stopsChanged := false
	var resultStops []*rt.StopTimeUpdate
	var lastDeparture *time.Time
	var lastBaseDepartureSeconds *int
	circulationDate := vj.CirculationDate()

	for index, base := range drivers {
		// Resolve base times of day onto the circulation date. The date only
		// ever moves forward: once the sequence crosses midnight every later
		// stop is on the next day.
		var baseArrival, baseDeparture *time.Time
		if base.ArrivalSeconds != nil {
			if lastBaseDepartureSeconds != nil && *lastBaseDepartureSeconds > *base.ArrivalSeconds {
				circulationDate = circulationDate.AddDate(0, 0, 1)
			}
			at := rt.TimeOfDayOn(circulationDate, *base.ArrivalSeconds)
			baseArrival = &at
		}
		if base.DepartureSeconds != nil {
			if base.ArrivalSeconds != nil && *base.ArrivalSeconds > *base.DepartureSeconds {
				circulationDate = circulationDate.AddDate(0, 0, 1)
			}
			at := rt.TimeOfDayOn(circulationDate, *base.DepartureSeconds)
			baseDeparture = &at
		}

		order := len(resultStops)
		newSt := incoming.FindStop(base.StopId, index)
		dbSt := old.FindStop(base.StopId, index)

		var resultStop *rt.StopTimeUpdate
		switch {
		case old != nil && newSt != nil:
			// Stored state and fresh information for the same stop: adopt the
			// candidate only when it differs observably from storage.
			candidate := makeMergedStopTime(baseArrival, baseDeparture, lastDeparture, newSt, base.StopId, order)
			if dbSt == nil || !dbSt.IsEqual(candidate) {
				stopsChanged = true
				resultStop = candidate
			} else {
				resultStop = dbSt
			}

		case old == nil && newSt != nil:
			// Nothing stored yet: record the fresh information.
			stopsChanged = true
			resultStop = makeMergedStopTime(baseArrival, baseDeparture, lastDeparture, newSt, base.StopId, order)

		case old != nil && newSt == nil:
			// Stored state and no fresh information: keep storage untouched,
			// only the order index is refreshed. No delay propagation here;
			// incremental connectors that want it must expand their input
			// before the merge.
			if dbSt != nil {
				dbSt.Order = order
				resultStop = dbSt
			} else {
				stopsChanged = true
				resultStop = makeBaseStopTime(baseArrival, baseDeparture, base.StopId, order)
			}

		default:
			// No stored state, no fresh information: materialize the base
			// schedule.
			stopsChanged = true
			resultStop = makeBaseStopTime(baseArrival, baseDeparture, base.StopId, order)
		}

		lastDeparture = resultStop.Departure
		resultStops = append(resultStops, resultStop)

		// A stop removed from the trip must not drag later stops behind it.
		if !resultStop.ArrivalStatus.IsDeleted() {
			lastBaseDepartureSeconds = base.DepartureSeconds
		}
	}

	if stopsChanged {
		result.StopTimeUpdates = resultStops
	}
	if stopsChanged || tripChanged {
		return result
	}
	return nil
}

// buildDriverSequence decides which stop list drives the merge: the incoming
// update's own sequence for complete feeds, the base schedule otherwise.
// For complete feeds, stops unknown to the base schedule are accepted when
// flagged as added and get an ad-hoc base record built from their incoming
// times.
func buildDriverSequence(log *logger.Logger, vj *rt.VehicleJourney, incoming *rt.TripUpdate,
	isNewComplete bool) []rt.BaseStopTime {

	if !isNewComplete {
		return vj.BaseStops
	}

	drivers := make([]rt.BaseStopTime, 0, len(incoming.StopTimeUpdates))
	for _, st := range incoming.StopTimeUpdates {
		base := findBaseStop(vj.BaseStops, st.StopId)
		if base != nil {
			drivers = append(drivers, *base)
			continue
		}
		if st.ArrivalStatus.IsAdded() || st.DepartureStatus.IsAdded() {
			synthesized := rt.BaseStopTime{StopId: st.StopId}
			if st.Arrival != nil {
				seconds := rt.SecondsOfDay(*st.Arrival)
				synthesized.ArrivalSeconds = &seconds
			}
			if st.Departure != nil {
				seconds := rt.SecondsOfDay(*st.Departure)
				synthesized.DepartureSeconds = &seconds
			}
			drivers = append(drivers, synthesized)
			continue
		}
		log.Printf("journey %s: no base stop found for stop %s, entry ignored", vj.TripId, st.StopId)
	}
	return drivers
}

func findBaseStop(baseStops []rt.BaseStopTime, stopId string) *rt.BaseStopTime {
	for i := range baseStops {
		if baseStops[i].StopId == stopId {
			return &baseStops[i]
		}
	}
	return nil
}

// makeMergedStopTime builds the candidate adjusted stop from the base times,
// the tracked previous departure and the incoming entry.
func makeMergedStopTime(baseArrival, baseDeparture, lastDeparture *time.Time, input *rt.StopTimeUpdate,
	stopId string, order int) *rt.StopTimeUpdate {

	departure, departureStatus, departureDelay :=
		resolveStopEvent(baseDeparture, input.DepartureStatus, input.DepartureDelay)
	arrival, arrivalStatus, arrivalDelay :=
		resolveStopEvent(baseArrival, input.ArrivalStatus, input.ArrivalDelay)

	// Backfill missing events so every stop carries a usable pair.
	if arrival == nil {
		if departure != nil {
			arrival = copyTime(departure)
		} else {
			arrival = copyTime(lastDeparture)
		}
	}
	if departure == nil {
		departure = copyTime(arrival)
	}

	// Same monotonicity rules as the consistency pass, anchored on the last
	// adjusted departure instead of the raw base schedule.
	if lastDeparture != nil && arrival != nil && lastDeparture.After(*arrival) {
		arrivalDelay += rt.DelaySeconds(lastDeparture.Sub(*arrival))
		arrival = copyTime(lastDeparture)
	}
	if arrival != nil && departure != nil && arrival.After(*departure) {
		departureDelay += rt.DelaySeconds(arrival.Sub(*departure))
		departure = copyTime(arrival)
	}

	st := rt.MakeStopTimeUpdate(stopId, order)
	st.Arrival = arrival
	st.ArrivalDelay = arrivalDelay
	st.ArrivalStatus = arrivalStatus
	st.Departure = departure
	st.DepartureDelay = departureDelay
	st.DepartureStatus = departureStatus
	st.Message = input.Message
	return st
}

// resolveStopEvent computes one event's merged time, status and delay from
// the base time and the incoming entry's status.
func resolveStopEvent(baseTime *time.Time, inputStatus rt.StopEventStatus,
	inputDelay rt.DelaySeconds) (*time.Time, rt.StopEventStatus, rt.DelaySeconds) {

	switch {
	case inputStatus == rt.StatusUpdate:
		if baseTime == nil {
			return nil, inputStatus, inputDelay
		}
		at := baseTime.Add(inputDelay.Duration())
		return &at, inputStatus, inputDelay

	case inputStatus.IsDeleted():
		// The event no longer happens. The base time is kept so the stop stays
		// identifiable; feed builders suppress it behind the skipped marker.
		return copyTime(baseTime), inputStatus, 0

	case inputStatus.IsAdded():
		// For added stops the "base" time was synthesized from the incoming
		// entry, so this is the incoming time resolved onto the circulation
		// date.
		return copyTime(baseTime), inputStatus, 0

	default:
		return copyTime(baseTime), rt.StatusNone, 0
	}
}

// makeBaseStopTime materializes a stop carrying only the base schedule.
func makeBaseStopTime(baseArrival, baseDeparture *time.Time, stopId string, order int) *rt.StopTimeUpdate {
	st := rt.MakeStopTimeUpdate(stopId, order)
	st.Arrival = copyTime(baseArrival)
	st.Departure = copyTime(baseDeparture)
	return st
}

// adoptString moves src onto dst following the completeness rule: a nil src
// only clears dst when the incoming feed is complete. Returns true when dst
// changed.
func adoptString(dst **string, src *string, isNewComplete bool) bool {
	if src == nil && !isNewComplete {
		return false
	}
	if stringPtrEqual(*dst, src) {
		return false
	}
	*dst = src
	return true
}

func adoptEffect(dst **rt.TripEffect, src *rt.TripEffect, isNewComplete bool) bool {
	if src == nil && !isNewComplete {
		return false
	}
	if src != nil && *dst != nil && **dst == *src {
		return false
	}
	if src == nil && *dst == nil {
		return false
	}
	*dst = src
	return true
}

func stringPtrEqual(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyTime(at *time.Time) *time.Time {
	if at == nil {
		return nil
	}
	copied := *at
	return &copied
}
