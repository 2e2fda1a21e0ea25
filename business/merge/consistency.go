package merge

import (
	logger "log"

	"github.com/opentransit/tripfeed/business/data/rt"
)

// AdjustConsistency walks a freshly merged trip update and normalizes its
// stop sequence in place: missing events are borrowed from their sibling or
// the previous stop, delays default to zero, and arrival/departure ordering
// is made monotonic within and across stops.
//
// Returns false when the trip update cannot be repaired (holes in the order
// sequence, or a stop with no time at all); the caller must then drop this
// trip update and keep going with the rest of the batch.
func AdjustConsistency(log *logger.Logger, tripUpdate *rt.TripUpdate) bool {
	var previous *rt.StopTimeUpdate
	for index, st := range tripUpdate.StopTimeUpdates {
		if st.Order != index {
			log.Printf("trip update on journey %s rejected: order problem [stop order (%d) != index (%d)]",
				tripUpdate.VjId, st.Order, index)
			return false
		}

		if st.Arrival == nil {
			st.Arrival = copyTime(st.Departure)
			if st.Arrival == nil && previous != nil {
				st.Arrival = copyTime(previous.Departure)
			}
			if st.Arrival == nil {
				log.Printf("trip update on journey %s rejected: stop %s missing arrival time",
					tripUpdate.VjId, st.StopId)
				return false
			}
			if st.ArrivalDelay == 0 && st.DepartureDelay != 0 {
				st.ArrivalDelay = st.DepartureDelay
			}
		}

		if st.Departure == nil {
			st.Departure = copyTime(st.Arrival)
			if st.DepartureDelay == 0 && st.ArrivalDelay != 0 {
				st.DepartureDelay = st.ArrivalDelay
			}
		}

		if previous != nil && previous.Departure != nil && previous.Departure.After(*st.Arrival) {
			excess := previous.Departure.Sub(*st.Arrival)
			st.ArrivalDelay += rt.DelaySeconds(excess)
			st.Arrival = copyTime(previous.Departure)
		}

		if st.Arrival.After(*st.Departure) {
			excess := st.Arrival.Sub(*st.Departure)
			st.DepartureDelay += rt.DelaySeconds(excess)
			st.Departure = copyTime(st.Arrival)
		}

		previous = st
	}
	return true
}
