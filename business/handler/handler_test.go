package handler

import (
	"errors"
	"fmt"
	logger "log"
	"testing"
	"time"

	"github.com/matryer/is"

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
	logWriter.log = logger.New(&logWriter, "HANDLER_TEST : ", logger.LstdFlags|logger.Lmicroseconds)
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

type fakeStore struct {
	stored    []*rt.TripUpdate
	lookups   [][]rt.DatedVJ
	saved     []*rt.RealTimeUpdate
	saveError error
}

func (f *fakeStore) GetTripUpdatesByDatedVJs(refs []rt.DatedVJ) ([]*rt.TripUpdate, error) {
	f.lookups = append(f.lookups, refs)
	return f.stored, nil
}

func (f *fakeStore) SaveRealTimeUpdate(rtu *rt.RealTimeUpdate) error {
	if f.saveError != nil {
		return f.saveError
	}
	f.saved = append(f.saved, rtu)
	return nil
}

type fakePublisher struct {
	feeds        [][]byte
	contributors []string
	publishError error
}

func (f *fakePublisher) Publish(feed []byte, contributorId string) error {
	if f.publishError != nil {
		return f.publishError
	}
	f.feeds = append(f.feeds, feed)
	f.contributors = append(f.contributors, contributorId)
	return nil
}

func makeTestTripUpdate(t *testing.T, delaySeconds int) *rt.TripUpdate {
	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	baseStops := []rt.BaseStopTime{
		{StopId: "stopA", ArrivalSeconds: intPtr(28800), DepartureSeconds: intPtr(28800)},
		{StopId: "stopB", ArrivalSeconds: intPtr(29400), DepartureSeconds: intPtr(29460)},
	}
	vj, err := rt.MakeVehicleJourney("trip-1", baseStops, since, since.Add(48*time.Hour), nil)
	if err != nil {
		t.Fatalf("unable to build test journey: %v", err)
	}

	tripUpdate := rt.MakeTripUpdate(vj, "contributor-1", rt.TripStatusUpdate)
	st := rt.MakeStopTimeUpdate("stopB", 1)
	st.ArrivalStatus = rt.StatusUpdate
	st.ArrivalDelay = rt.DelaySeconds(time.Duration(delaySeconds) * time.Second)
	st.DepartureStatus = rt.StatusUpdate
	st.DepartureDelay = rt.DelaySeconds(time.Duration(delaySeconds) * time.Second)
	tripUpdate.StopTimeUpdates = []*rt.StopTimeUpdate{st}
	return tripUpdate
}

func TestHandler_Handle(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()
	store := &fakeStore{}
	publisher := &fakePublisher{}
	h := MakeHandler(logWriter.log, store, publisher)

	rtu := rt.MakeRealTimeUpdate([]byte(`{}`), rt.ConnectorPatch, "contributor-1")
	err := h.Handle(rtu, []*rt.TripUpdate{makeTestTripUpdate(t, 300)}, false)
	is.NoErr(err)

	// The merged update is attached, persisted, and published.
	is.Equal(len(rtu.TripUpdates), 1)
	is.Equal(len(rtu.TripUpdates[0].StopTimeUpdates), 2)
	is.Equal(len(store.saved), 1)
	is.Equal(store.saved[0], rtu)
	is.Equal(len(publisher.feeds), 1)
	is.Equal(publisher.contributors[0], "contributor-1")
	is.Equal(len(store.lookups), 1)
	is.Equal(store.lookups[0][0].TripId, "trip-1")
}

func TestHandler_Handle_unchangedFeedPublishesEmptyBatch(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()

	// Seed storage by processing a first feed.
	store := &fakeStore{}
	publisher := &fakePublisher{}
	h := MakeHandler(logWriter.log, store, publisher)
	first := rt.MakeRealTimeUpdate([]byte(`{}`), rt.ConnectorPatch, "contributor-1")
	is.NoErr(h.Handle(first, []*rt.TripUpdate{makeTestTripUpdate(t, 300)}, false))

	// The same payload again merges to no change: the raw row is still
	// persisted but no trip update is linked.
	store.stored = first.TripUpdates
	second := rt.MakeRealTimeUpdate([]byte(`{}`), rt.ConnectorPatch, "contributor-1")
	is.NoErr(h.Handle(second, []*rt.TripUpdate{makeTestTripUpdate(t, 300)}, false))

	is.Equal(len(second.TripUpdates), 0)
	is.Equal(len(store.saved), 2)
}

func TestHandler_Handle_publishFailureSurfaces(t *testing.T) {
	is := is.New(t)
	logWriter := makeTestLogWriter()
	store := &fakeStore{}
	publisher := &fakePublisher{
		publishError: fmt.Errorf("broker gone: %w", ErrMessageNotPublished),
	}
	h := MakeHandler(logWriter.log, store, publisher)

	rtu := rt.MakeRealTimeUpdate([]byte(`{}`), rt.ConnectorPatch, "contributor-1")
	err := h.Handle(rtu, []*rt.TripUpdate{makeTestTripUpdate(t, 300)}, false)

	is.True(errors.Is(err, ErrMessageNotPublished))
	// The update was persisted before the publish attempt.
	is.Equal(len(store.saved), 1)
}

func TestHandler_Handle_rejectsNilUpdate(t *testing.T) {
	logWriter := makeTestLogWriter()
	h := MakeHandler(logWriter.log, &fakeStore{}, &fakePublisher{})
	if err := h.Handle(nil, nil, false); err == nil {
		t.Errorf("Handle() accepted a nil real time update")
	}
}
