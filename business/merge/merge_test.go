package merge

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/opentransit/tripfeed/business/data/rt"
)

func TestMerge_firstDelayOnEmptyStorage(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	result := Merge(logWriter.log, nil, makeIncomingDelay(vj, 300), false)

	is.True(result != nil)
	is.Equal(len(result.StopTimeUpdates), 3)

	stopA := result.StopTimeUpdates[0]
	is.Equal(stopA.StopId, "stopA")
	is.Equal(stopA.Order, 0)
	is.Equal(stopA.ArrivalStatus, rt.StatusNone)
	is.True(stopA.Arrival.Equal(atServiceDate(28800)))

	stopB := result.StopTimeUpdates[1]
	is.Equal(stopB.StopId, "stopB")
	is.Equal(stopB.ArrivalStatus, rt.StatusUpdate)
	is.Equal(stopB.ArrivalDelay, delayOf(300))
	is.True(stopB.Arrival.Equal(atServiceDate(29400 + 300)))
	is.True(stopB.Departure.Equal(atServiceDate(29460 + 300)))

	stopC := result.StopTimeUpdates[2]
	is.Equal(stopC.StopId, "stopC")
	is.True(stopC.Arrival.Equal(atServiceDate(30000)))
}

func TestMerge_repeatedFeedBringsNoChange(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	stored := Merge(logWriter.log, nil, makeIncomingDelay(vj, 300), false)
	is.True(stored != nil)

	// The producer resends the exact same payload; a fresh incoming update is
	// built from it, but nothing observable may change.
	again := Merge(logWriter.log, stored, makeIncomingDelay(makeTestVj(), 300), false)
	if again != nil {
		t.Errorf("Merge() reported a change for an identical repeated feed")
	}
}

func TestMerge_growingDelayReplacesStoredOne(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	stored := Merge(logWriter.log, nil, makeIncomingDelay(vj, 300), false)
	is.True(stored != nil)

	result := Merge(logWriter.log, stored, makeIncomingDelay(makeTestVj(), 600), false)
	is.True(result != nil)

	stopB := result.StopTimeUpdates[1]
	is.Equal(stopB.ArrivalDelay, delayOf(600))
	is.True(stopB.Arrival.Equal(atServiceDate(29400 + 600)))
}

func TestMerge_cancellationDropsStopSequence(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	stored := Merge(logWriter.log, nil, makeIncomingDelay(vj, 300), false)
	is.True(stored != nil)

	incoming := rt.MakeTripUpdate(makeTestVj(), "contributor-1", rt.TripStatusDelete)
	result := Merge(logWriter.log, stored, incoming, false)

	is.True(result != nil)
	is.Equal(result.Status, rt.TripStatusDelete)
	is.Equal(len(result.StopTimeUpdates), 0)
}

func TestMerge_updateReactivatesCancelledTrip(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	stored := Merge(logWriter.log, nil, makeIncomingDelay(makeTestVj(), 300), false)
	is.True(stored != nil)
	stored = Merge(logWriter.log, stored, rt.MakeTripUpdate(makeTestVj(), "contributor-1", rt.TripStatusDelete), false)
	is.True(stored != nil)
	is.Equal(len(stored.StopTimeUpdates), 0)

	// The producer withdraws the cancellation with a plain delay update; the
	// stop sequence rematerializes from the base schedule plus the new delay.
	result := Merge(logWriter.log, stored, makeIncomingDelay(makeTestVj(), 120), false)
	is.True(result != nil)
	is.Equal(result.Status, rt.TripStatusUpdate)
	is.Equal(len(result.StopTimeUpdates), 3)

	stopA := result.StopTimeUpdates[0]
	is.Equal(stopA.StopId, "stopA")
	is.Equal(stopA.ArrivalStatus, rt.StatusNone)
	is.True(stopA.Arrival.Equal(atServiceDate(28800)))

	stopB := result.StopTimeUpdates[1]
	is.Equal(stopB.ArrivalStatus, rt.StatusUpdate)
	is.Equal(stopB.ArrivalDelay, delayOf(120))
	is.True(stopB.Arrival.Equal(atServiceDate(29400 + 120)))
	is.True(stopB.Departure.Equal(atServiceDate(29460 + 120)))

	stopC := result.StopTimeUpdates[2]
	is.Equal(stopC.StopId, "stopC")
	is.True(stopC.Arrival.Equal(atServiceDate(30000)))
}

func TestMerge_messageOnlyChangeIsDetected(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	stored := Merge(logWriter.log, nil, makeIncomingDelay(vj, 300), false)
	is.True(stored != nil)
	storedStops := stored.StopTimeUpdates

	incoming := makeIncomingDelay(makeTestVj(), 300)
	incoming.Message = strPtr("bus replacement at stopB")
	result := Merge(logWriter.log, stored, incoming, false)

	is.True(result != nil)
	is.Equal(*result.Message, "bus replacement at stopB")
	// Stop sequence is untouched: same stored rows, not a rebuilt list.
	is.Equal(len(result.StopTimeUpdates), len(storedStops))
	for i := range storedStops {
		is.Equal(result.StopTimeUpdates[i].Id, storedStops[i].Id)
	}
}

func TestMerge_completeFeedWithDetourStop(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	vj := makeTestVj()
	incoming := rt.MakeTripUpdate(vj, "contributor-1", rt.TripStatusUpdate)

	stopA := rt.MakeStopTimeUpdate("stopA", 0)
	stopA.ArrivalStatus = rt.StatusUpdate
	stopA.DepartureStatus = rt.StatusUpdate

	// stopB is bypassed, stopD serves in its place.
	stopB := rt.MakeStopTimeUpdate("stopB", 1)
	stopB.ArrivalStatus = rt.StatusDeletedForDetour
	stopB.DepartureStatus = rt.StatusDeletedForDetour

	stopD := rt.MakeStopTimeUpdate("stopD", 2)
	stopD.ArrivalStatus = rt.StatusAddedForDetour
	stopD.Arrival = timePtr(atServiceDate(29520))
	stopD.DepartureStatus = rt.StatusAddedForDetour
	stopD.Departure = timePtr(atServiceDate(29580))

	stopC := rt.MakeStopTimeUpdate("stopC", 3)
	stopC.ArrivalStatus = rt.StatusUpdate
	stopC.DepartureStatus = rt.StatusUpdate

	incoming.StopTimeUpdates = []*rt.StopTimeUpdate{stopA, stopB, stopD, stopC}

	result := Merge(logWriter.log, nil, incoming, true)
	is.True(result != nil)
	is.Equal(len(result.StopTimeUpdates), 4)

	bypassed := result.StopTimeUpdates[1]
	is.Equal(bypassed.StopId, "stopB")
	is.True(bypassed.ArrivalStatus.IsDeleted())
	is.True(bypassed.DepartureStatus.IsDeleted())
	is.True(bypassed.Arrival.Equal(atServiceDate(29400)))

	added := result.StopTimeUpdates[2]
	is.Equal(added.StopId, "stopD")
	is.Equal(added.Order, 2)
	is.True(added.ArrivalStatus.IsAdded())
	is.True(added.Arrival.Equal(atServiceDate(29520)))
	is.True(added.Departure.Equal(atServiceDate(29580)))

	last := result.StopTimeUpdates[3]
	is.Equal(last.StopId, "stopC")
	is.Equal(last.Order, 3)
}

func TestMerge_pastMidnightStopsLandOnNextDay(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	baseStops := []rt.BaseStopTime{
		{StopId: "stopA", ArrivalSeconds: intPtr(85800), DepartureSeconds: intPtr(85800)},
		{StopId: "stopB", ArrivalSeconds: intPtr(86100), DepartureSeconds: intPtr(86340)},
		// 00:02 on the day after the circulation date.
		{StopId: "stopC", ArrivalSeconds: intPtr(120), DepartureSeconds: intPtr(120)},
	}
	vj, err := rt.MakeVehicleJourney("trip-night", baseStops, testServiceDate,
		testServiceDate.Add(48*time.Hour), nil)
	is.NoErr(err)

	incoming := rt.MakeTripUpdate(vj, "contributor-1", rt.TripStatusUpdate)
	result := Merge(logWriter.log, nil, incoming, false)
	is.True(result != nil)
	is.Equal(len(result.StopTimeUpdates), 3)

	nextDay := testServiceDate.AddDate(0, 0, 1)
	is.True(result.StopTimeUpdates[1].Arrival.Equal(atServiceDate(86100)))
	is.True(result.StopTimeUpdates[2].Arrival.Equal(rt.TimeOfDayOn(nextDay, 120)))
}

func TestMerge_ignoresUpdateWithoutJourney(t *testing.T) {
	logWriter := makeTestLogWriter()

	incoming := &rt.TripUpdate{Status: rt.TripStatusUpdate, ContributorId: "contributor-1"}
	if Merge(logWriter.log, nil, incoming, false) != nil {
		t.Errorf("Merge() accepted a trip update without a vehicle journey")
	}
}
