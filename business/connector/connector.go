// Package connector turns raw contributor payloads into trip updates and
// drives them through the processing pipeline, recording every failure on a
// real_time_update row so no inbound payload disappears silently.
package connector

import (
	"fmt"
	logger "log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
)

// InvalidInputError reports a payload the connector cannot decode or that
// violates the feed contract. Ingest surfaces carry it back as a client
// error.
type InvalidInputError struct {
	Detail string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Detail)
}

// UnknownTargetError reports a payload referencing a trip the base schedule
// does not know inside the search window.
type UnknownTargetError struct {
	TripId string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("impossible to find the trip %s in the base schedule", e.TripId)
}

// Builder decodes one contributor's payloads into trip updates attached to
// their vehicle journeys.
type Builder interface {
	Contributor() *rt.Contributor
	// IsNewComplete reports whether this feed lists a trip's full stop
	// sequence in every payload.
	IsNewComplete() bool
	BuildTripUpdates(rtu *rt.RealTimeUpdate) ([]*rt.TripUpdate, error)
}

// Pipeline is the downstream merge/persist/publish stage.
type Pipeline interface {
	Handle(rtu *rt.RealTimeUpdate, tripUpdates []*rt.TripUpdate, isNewComplete bool) error
}

// ErrorStore is the persistence surface WrapBuild needs to record failures.
type ErrorStore interface {
	GetLastRealTimeUpdate(connector rt.ConnectorType, contributorId string) (*rt.RealTimeUpdate, error)
	PokeUpdatedAt(rtu *rt.RealTimeUpdate) error
	SaveRealTimeUpdate(rtu *rt.RealTimeUpdate) error
}

// WrapBuild runs one raw payload end to end: decode through the builder,
// process through the pipeline, and persist the outcome either way.
//
// Build failures are stored as KO rows; a payload failing repeatedly with the
// same error only refreshes its existing row instead of growing the table.
// Processing failures mark the already-persisted row KO so the raw payload
// stays inspectable. The returned error is the original failure in all cases.
func WrapBuild(log *logger.Logger, store ErrorStore, builder Builder, pipeline Pipeline, raw []byte) error {
	contributor := builder.Contributor()
	started := time.Now()

	rtu := rt.MakeRealTimeUpdate(raw, contributor.ConnectorType, contributor.Id)
	tripUpdates, err := builder.BuildTripUpdates(rtu)
	if err != nil {
		recordFailure(log, store, contributor, raw, err.Error())
		return err
	}

	if err = pipeline.Handle(rtu, tripUpdates, builder.IsNewComplete()); err != nil {
		rtu.SetKO(err.Error())
		if saveErr := store.SaveRealTimeUpdate(rtu); saveErr != nil {
			log.Printf("ERROR unable to record processing failure for contributor %s: %v",
				contributor.Id, saveErr)
		}
		return err
	}

	log.Printf("contributor %s: processed %d trip updates in %v",
		contributor.Id, len(tripUpdates), time.Since(started))
	return nil
}

// recordFailure stores a KO row for a payload that never reached the
// pipeline, collapsing repeats of the same failing payload onto one row
// whose [created_at, updated_at] span records how long the error lasted.
func recordFailure(log *logger.Logger, store ErrorStore, contributor *rt.Contributor, raw []byte,
	message string) {

	last, err := store.GetLastRealTimeUpdate(contributor.ConnectorType, contributor.Id)
	if err != nil {
		log.Printf("ERROR unable to load last update of contributor %s: %v", contributor.Id, err)
	}
	if last != nil && last.Status == rt.RTStatusKO && last.RawData == string(raw) &&
		last.Error != nil && *last.Error == message {
		if err = store.PokeUpdatedAt(last); err == nil {
			return
		}
		log.Printf("ERROR unable to refresh failing update %s: %v", last.Id, err)
	}

	rtu := rt.MakeRealTimeUpdate(raw, contributor.ConnectorType, contributor.Id)
	rtu.SetKO(message)
	if err = store.SaveRealTimeUpdate(rtu); err != nil {
		log.Printf("ERROR unable to record failure for contributor %s: %v", contributor.Id, err)
	}
}
