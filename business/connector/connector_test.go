package connector

import (
	"errors"
	"fmt"
	logger "log"
	"testing"

	"github.com/matryer/is"

	"github.com/opentransit/tripfeed/business/data/rt"
)

type fakeErrorStore struct {
	last   *rt.RealTimeUpdate
	poked  []*rt.RealTimeUpdate
	saved  []*rt.RealTimeUpdate
	pokeErr error
}

func (f *fakeErrorStore) GetLastRealTimeUpdate(_ rt.ConnectorType, _ string) (*rt.RealTimeUpdate, error) {
	return f.last, nil
}

func (f *fakeErrorStore) PokeUpdatedAt(rtu *rt.RealTimeUpdate) error {
	if f.pokeErr != nil {
		return f.pokeErr
	}
	f.poked = append(f.poked, rtu)
	return nil
}

func (f *fakeErrorStore) SaveRealTimeUpdate(rtu *rt.RealTimeUpdate) error {
	f.saved = append(f.saved, rtu)
	return nil
}

type fakeBuilder struct {
	contributor *rt.Contributor
	tripUpdates []*rt.TripUpdate
	buildErr    error
}

func (f *fakeBuilder) Contributor() *rt.Contributor {
	return f.contributor
}

func (f *fakeBuilder) IsNewComplete() bool {
	return false
}

func (f *fakeBuilder) BuildTripUpdates(_ *rt.RealTimeUpdate) ([]*rt.TripUpdate, error) {
	return f.tripUpdates, f.buildErr
}

type fakePipeline struct {
	handled   []*rt.RealTimeUpdate
	handleErr error
}

func (f *fakePipeline) Handle(rtu *rt.RealTimeUpdate, _ []*rt.TripUpdate, _ bool) error {
	if f.handleErr != nil {
		return f.handleErr
	}
	f.handled = append(f.handled, rtu)
	return nil
}

func testContributor() *rt.Contributor {
	return &rt.Contributor{
		Id:            "contributor-1",
		Coverage:      "test",
		ConnectorType: rt.ConnectorPatch,
		IsActive:      true,
	}
}

func makeTestLogWriter() *logger.Logger {
	return logger.New(&discardWriter{}, "CONNECTOR_TEST : ", logger.LstdFlags)
}

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func TestWrapBuild_success(t *testing.T) {
	is := is.New(t)
	store := &fakeErrorStore{}
	pipeline := &fakePipeline{}
	builder := &fakeBuilder{contributor: testContributor()}

	err := WrapBuild(makeTestLogWriter(), store, builder, pipeline, []byte(`{}`))
	is.NoErr(err)
	is.Equal(len(pipeline.handled), 1)
	is.Equal(pipeline.handled[0].ContributorId, "contributor-1")
	// Persistence is the pipeline's job on the happy path.
	is.Equal(len(store.saved), 0)
}

func TestWrapBuild_buildFailureIsRecordedKO(t *testing.T) {
	is := is.New(t)
	store := &fakeErrorStore{}
	pipeline := &fakePipeline{}
	builder := &fakeBuilder{
		contributor: testContributor(),
		buildErr:    &InvalidInputError{Detail: "missing trip_id"},
	}

	err := WrapBuild(makeTestLogWriter(), store, builder, pipeline, []byte(`{"broken":`))

	var invalidInput *InvalidInputError
	is.True(errors.As(err, &invalidInput))
	is.Equal(len(pipeline.handled), 0)
	is.Equal(len(store.saved), 1)
	is.Equal(store.saved[0].Status, rt.RTStatusKO)
	is.Equal(*store.saved[0].Error, "invalid input: missing trip_id")
	is.Equal(store.saved[0].RawData, `{"broken":`)
}

func TestWrapBuild_repeatedFailureOnlyRefreshesExistingRow(t *testing.T) {
	is := is.New(t)
	raw := []byte(`{"broken":`)

	last := rt.MakeRealTimeUpdate(raw, rt.ConnectorPatch, "contributor-1")
	last.SetKO("invalid input: missing trip_id")
	store := &fakeErrorStore{last: last}
	builder := &fakeBuilder{
		contributor: testContributor(),
		buildErr:    &InvalidInputError{Detail: "missing trip_id"},
	}

	err := WrapBuild(makeTestLogWriter(), store, builder, &fakePipeline{}, raw)
	is.True(err != nil)
	is.Equal(len(store.poked), 1)
	is.Equal(store.poked[0], last)
	is.Equal(len(store.saved), 0)
}

func TestWrapBuild_differentFailureCreatesNewRow(t *testing.T) {
	is := is.New(t)
	raw := []byte(`{"broken":`)

	last := rt.MakeRealTimeUpdate([]byte(`{"other":`), rt.ConnectorPatch, "contributor-1")
	last.SetKO("invalid input: missing trip_id")
	store := &fakeErrorStore{last: last}
	builder := &fakeBuilder{
		contributor: testContributor(),
		buildErr:    &InvalidInputError{Detail: "missing trip_id"},
	}

	err := WrapBuild(makeTestLogWriter(), store, builder, &fakePipeline{}, raw)
	is.True(err != nil)
	is.Equal(len(store.poked), 0)
	is.Equal(len(store.saved), 1)
}

func TestWrapBuild_processingFailureMarksRowKO(t *testing.T) {
	is := is.New(t)
	store := &fakeErrorStore{}
	pipeline := &fakePipeline{handleErr: fmt.Errorf("publish exploded")}
	builder := &fakeBuilder{contributor: testContributor()}

	err := WrapBuild(makeTestLogWriter(), store, builder, pipeline, []byte(`{}`))
	is.True(err != nil)
	is.Equal(len(store.saved), 1)
	is.Equal(store.saved[0].Status, rt.RTStatusKO)
	is.Equal(*store.saved[0].Error, "publish exploded")
}
