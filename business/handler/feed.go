package handler

import (
	"time"

	gtfsrtproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/opentransit/tripfeed/business/data/rt"
)

const gtfsRealtimeVersion = "2.0"

// BuildFeed serializes trip updates into a binary GTFS-realtime feed.
// fullDataset selects FULL_DATASET incrementality for snapshot publications;
// the regular per-batch feeds are DIFFERENTIAL.
func BuildFeed(tripUpdates []*rt.TripUpdate, at time.Time, fullDataset bool) ([]byte, error) {
	return proto.Marshal(BuildFeedMessage(tripUpdates, at, fullDataset))
}

// BuildFeedMessage builds the feed without serializing it.
//
// Deleted trips become CANCELED entities with no stop sequence; added trips
// carry ADDED. Stop events removed from the trip fold into the SKIPPED
// relationship. Trip-level effect and free-text message ride on a paired
// alert entity, whose effect enum carries the same values.
func BuildFeedMessage(tripUpdates []*rt.TripUpdate, at time.Time, fullDataset bool) *gtfsrtproto.FeedMessage {
	incrementality := gtfsrtproto.FeedHeader_DIFFERENTIAL
	if fullDataset {
		incrementality = gtfsrtproto.FeedHeader_FULL_DATASET
	}
	feedMessage := gtfsrtproto.FeedMessage{
		Header: &gtfsrtproto.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(at.Unix())),
		},
		Entity: []*gtfsrtproto.FeedEntity{},
	}

	for _, tripUpdate := range tripUpdates {
		if tripUpdate.Vj == nil {
			continue
		}
		feedMessage.Entity = append(feedMessage.Entity, makeTripUpdateEntity(tripUpdate))
		if alert := makeAlertEntity(tripUpdate); alert != nil {
			feedMessage.Entity = append(feedMessage.Entity, alert)
		}
	}
	return &feedMessage
}

func makeTripDescriptor(tripUpdate *rt.TripUpdate) *gtfsrtproto.TripDescriptor {
	relationship := gtfsrtproto.TripDescriptor_SCHEDULED
	switch tripUpdate.Status {
	case rt.TripStatusDelete:
		relationship = gtfsrtproto.TripDescriptor_CANCELED
	case rt.TripStatusAdd:
		relationship = gtfsrtproto.TripDescriptor_ADDED
	}
	return &gtfsrtproto.TripDescriptor{
		TripId:               proto.String(tripUpdate.Vj.TripId),
		StartDate:            proto.String(tripUpdate.Vj.CirculationDate().Format("20060102")),
		StartTime:            proto.String(tripUpdate.Vj.StartTimestamp.Format("15:04:05")),
		ScheduleRelationship: &relationship,
	}
}

func makeTripUpdateEntity(tripUpdate *rt.TripUpdate) *gtfsrtproto.FeedEntity {
	entityTripUpdate := gtfsrtproto.TripUpdate{
		Trip: makeTripDescriptor(tripUpdate),
	}
	for _, st := range tripUpdate.StopTimeUpdates {
		entityTripUpdate.StopTimeUpdate = append(entityTripUpdate.StopTimeUpdate, makeStopTimeUpdateEntity(st))
	}
	return &gtfsrtproto.FeedEntity{
		Id:         proto.String(tripUpdate.VjId),
		TripUpdate: &entityTripUpdate,
	}
}

func makeStopTimeUpdateEntity(st *rt.StopTimeUpdate) *gtfsrtproto.TripUpdate_StopTimeUpdate {
	relationship := gtfsrtproto.TripUpdate_StopTimeUpdate_SCHEDULED
	if st.ArrivalStatus.IsDeleted() || st.DepartureStatus.IsDeleted() {
		relationship = gtfsrtproto.TripUpdate_StopTimeUpdate_SKIPPED
	}

	entity := gtfsrtproto.TripUpdate_StopTimeUpdate{
		StopSequence:         proto.Uint32(uint32(st.Order)),
		StopId:               proto.String(st.StopId),
		ScheduleRelationship: &relationship,
	}
	if st.Arrival != nil && !st.ArrivalStatus.IsDeleted() {
		entity.Arrival = &gtfsrtproto.TripUpdate_StopTimeEvent{
			Time:  proto.Int64(st.Arrival.Unix()),
			Delay: proto.Int32(int32(st.ArrivalDelay.Duration() / time.Second)),
		}
	}
	if st.Departure != nil && !st.DepartureStatus.IsDeleted() {
		entity.Departure = &gtfsrtproto.TripUpdate_StopTimeEvent{
			Time:  proto.Int64(st.Departure.Unix()),
			Delay: proto.Int32(int32(st.DepartureDelay.Duration() / time.Second)),
		}
	}
	return &entity
}

// makeAlertEntity carries the trip-level effect and message. Returns nil
// when the trip has neither.
func makeAlertEntity(tripUpdate *rt.TripUpdate) *gtfsrtproto.FeedEntity {
	if tripUpdate.Effect == nil && tripUpdate.Message == nil {
		return nil
	}

	effect := gtfsrtproto.Alert_UNKNOWN_EFFECT
	if tripUpdate.Effect != nil {
		effect = mapEffect(*tripUpdate.Effect)
	}
	alert := gtfsrtproto.Alert{
		Effect: &effect,
		InformedEntity: []*gtfsrtproto.EntitySelector{
			{
				AgencyId: tripUpdate.CompanyId,
				Trip:     makeTripDescriptor(tripUpdate),
			},
		},
	}
	if tripUpdate.Message != nil {
		alert.HeaderText = &gtfsrtproto.TranslatedString{
			Translation: []*gtfsrtproto.TranslatedString_Translation{
				{Text: proto.String(*tripUpdate.Message)},
			},
		}
	}
	return &gtfsrtproto.FeedEntity{
		Id:    proto.String(tripUpdate.VjId + "_alert"),
		Alert: &alert,
	}
}

func mapEffect(effect rt.TripEffect) gtfsrtproto.Alert_Effect {
	switch effect {
	case rt.EffectNoService:
		return gtfsrtproto.Alert_NO_SERVICE
	case rt.EffectReducedService:
		return gtfsrtproto.Alert_REDUCED_SERVICE
	case rt.EffectSignificantDelays:
		return gtfsrtproto.Alert_SIGNIFICANT_DELAYS
	case rt.EffectDetour:
		return gtfsrtproto.Alert_DETOUR
	case rt.EffectAdditionalService:
		return gtfsrtproto.Alert_ADDITIONAL_SERVICE
	case rt.EffectModifiedService:
		return gtfsrtproto.Alert_MODIFIED_SERVICE
	default:
		return gtfsrtproto.Alert_UNKNOWN_EFFECT
	}
}
