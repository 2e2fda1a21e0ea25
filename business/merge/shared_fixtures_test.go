package merge

import (
	logger "log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
)

type testLogWriter struct {
	logLines []string
	log      *logger.Logger
}

func makeTestLogWriter() *testLogWriter {
	logWriter := testLogWriter{
		logLines: make([]string, 0),
	}
	logWriter.log = logger.New(&logWriter, "MERGE_TEST : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	return &logWriter
}

func (t *testLogWriter) Write(p []byte) (n int, err error) {
	t.logLines = append(t.logLines, string(p))
	return len(p), nil
}

func intPtr(i int) *int {
	return &i
}

func strPtr(s string) *string {
	return &s
}

func timePtr(at time.Time) *time.Time {
	return &at
}

func delayOf(seconds int) rt.DelaySeconds {
	return rt.DelaySeconds(time.Duration(seconds) * time.Second)
}

// testServiceDate is the circulation date used by all merge fixtures.
var testServiceDate = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// makeTestVj builds a journey on a three stop line: stopA 08:00, stopB
// 08:10/08:11, stopC 08:20. A fresh journey per call so tests can mutate it.
func makeTestVj() *rt.VehicleJourney {
	baseStops := []rt.BaseStopTime{
		{StopId: "stopA", ArrivalSeconds: intPtr(28800), DepartureSeconds: intPtr(28800)},
		{StopId: "stopB", ArrivalSeconds: intPtr(29400), DepartureSeconds: intPtr(29460)},
		{StopId: "stopC", ArrivalSeconds: intPtr(30000), DepartureSeconds: intPtr(30000)},
	}
	vj, err := rt.MakeVehicleJourney("trip-1", baseStops, testServiceDate,
		testServiceDate.Add(48*time.Hour), nil)
	if err != nil {
		panic(err)
	}
	return vj
}

// makeIncomingDelay builds the incoming trip update of a feed delaying stopB
// by delaySeconds on both events.
func makeIncomingDelay(vj *rt.VehicleJourney, delaySeconds int) *rt.TripUpdate {
	tripUpdate := rt.MakeTripUpdate(vj, "contributor-1", rt.TripStatusUpdate)
	st := rt.MakeStopTimeUpdate("stopB", 1)
	st.ArrivalStatus = rt.StatusUpdate
	st.ArrivalDelay = delayOf(delaySeconds)
	st.DepartureStatus = rt.StatusUpdate
	st.DepartureDelay = delayOf(delaySeconds)
	tripUpdate.StopTimeUpdates = []*rt.StopTimeUpdate{st}
	return tripUpdate
}

func atServiceDate(seconds int) time.Time {
	return rt.TimeOfDayOn(testServiceDate, seconds)
}
