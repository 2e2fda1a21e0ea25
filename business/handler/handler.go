// Package handler orchestrates one ingestion batch: merge every incoming
// trip update against storage and the base schedule, adjust consistency,
// persist atomically, then publish the resulting GTFS-realtime feed.
package handler

import (
	"fmt"
	logger "log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/merge"
)

// TripUpdateStore is the persistence surface the pipeline needs.
type TripUpdateStore interface {
	GetTripUpdatesByDatedVJs(refs []rt.DatedVJ) ([]*rt.TripUpdate, error)
	SaveRealTimeUpdate(rtu *rt.RealTimeUpdate) error
}

// FeedPublisher ships a serialized feed downstream with at-least-once
// semantics.
type FeedPublisher interface {
	Publish(feed []byte, contributorId string) error
}

// Handler runs the merge/adjust/persist/publish pipeline for one batch.
type Handler struct {
	log       *logger.Logger
	store     TripUpdateStore
	publisher FeedPublisher
}

// MakeHandler builds a Handler.
func MakeHandler(log *logger.Logger, store TripUpdateStore, publisher FeedPublisher) *Handler {
	return &Handler{
		log:       log,
		store:     store,
		publisher: publisher,
	}
}

// Handle processes one real-time update whose trip updates the connector has
// already attached to their vehicle journeys.
//
// Trip updates whose merge reports no change, or that the consistency pass
// rejects, are skipped individually; the rest of the batch proceeds. The
// real-time update row itself is always persisted, links included, in a
// single transaction.
func (h *Handler) Handle(rtu *rt.RealTimeUpdate, tripUpdates []*rt.TripUpdate, isNewComplete bool) error {
	if rtu == nil {
		return fmt.Errorf("handle called without a real time update")
	}

	refs := make([]rt.DatedVJ, 0, len(tripUpdates))
	for _, tripUpdate := range tripUpdates {
		if tripUpdate.Vj == nil {
			continue
		}
		refs = append(refs, rt.DatedVJ{
			TripId:         tripUpdate.Vj.TripId,
			StartTimestamp: tripUpdate.Vj.StartTimestamp,
		})
	}
	stored, err := h.store.GetTripUpdatesByDatedVJs(refs)
	if err != nil {
		return fmt.Errorf("loading stored trip updates: %w", err)
	}

	for _, tripUpdate := range tripUpdates {
		if tripUpdate.Vj == nil {
			continue
		}
		old := findStored(stored, tripUpdate.Vj)
		merged := merge.Merge(h.log, old, tripUpdate, isNewComplete)
		if merged == nil {
			continue
		}
		if !merge.AdjustConsistency(h.log, merged) {
			continue
		}
		rtu.TripUpdates = append(rtu.TripUpdates, merged)
	}

	if err = h.store.SaveRealTimeUpdate(rtu); err != nil {
		return fmt.Errorf("persisting real time update: %w", err)
	}

	now := time.Now().UTC()
	feed, err := BuildFeed(rtu.TripUpdates, now, false)
	if err != nil {
		return fmt.Errorf("serializing feed: %w", err)
	}
	if err = h.publisher.Publish(feed, rtu.ContributorId); err != nil {
		return err
	}

	h.log.Printf("handled update for contributor %s: %d trip updates, %d feed bytes",
		rtu.ContributorId, len(rtu.TripUpdates), len(feed))
	return nil
}

func findStored(stored []*rt.TripUpdate, vj *rt.VehicleJourney) *rt.TripUpdate {
	for _, tripUpdate := range stored {
		if tripUpdate.Vj == nil {
			continue
		}
		if tripUpdate.Vj.TripId == vj.TripId && tripUpdate.Vj.StartTimestamp.Equal(vj.StartTimestamp) {
			return tripUpdate
		}
	}
	return nil
}
