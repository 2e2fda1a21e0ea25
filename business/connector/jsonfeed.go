package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	logger "log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/timetable"
)

// circulationWindow bounds the base-schedule search around the announced
// circulation date. Two days absorbs past-midnight trips announced on the
// previous service day.
const circulationWindow = 48 * time.Hour

// TimetableService is the base-schedule lookup the builder depends on.
type TimetableService interface {
	GetTrip(tripId string, since time.Time, until time.Time) (*timetable.Trip, error)
}

// JSONBuilder decodes the JSON disruption feed shared by the stream and
// patch connectors. The two differ only in completeness: stream payloads
// carry a trip's full stop sequence, patch payloads only the stops they
// change.
type JSONBuilder struct {
	log         *logger.Logger
	contributor *rt.Contributor
	timetable   TimetableService
}

// MakeJSONBuilder builds a JSONBuilder for one contributor.
func MakeJSONBuilder(log *logger.Logger, contributor *rt.Contributor, tt TimetableService) *JSONBuilder {
	return &JSONBuilder{
		log:         log,
		contributor: contributor,
		timetable:   tt,
	}
}

func (b *JSONBuilder) Contributor() *rt.Contributor {
	return b.contributor
}

func (b *JSONBuilder) IsNewComplete() bool {
	return b.contributor.ConnectorType == rt.ConnectorStream
}

// tripPayload is the wire shape of one disruption message.
type tripPayload struct {
	Trip struct {
		TripId          string  `json:"trip_id"`
		CirculationDate *string `json:"circulation_date"`
		StartTimestamp  *string `json:"start_timestamp"`
		Status          string  `json:"status"`
		Message         *string `json:"message"`
		Effect          *string `json:"effect"`
		CompanyId       *string `json:"company_id"`
		PhysicalModeId  *string `json:"physical_mode_id"`
		Headsign        *string `json:"headsign"`
	} `json:"trip"`
	StopTimes []stopTimePayload `json:"stop_times"`
}

type stopTimePayload struct {
	StopId          string  `json:"stop_id"`
	Order           *int    `json:"order"`
	Message         *string `json:"message"`
	ArrivalStatus   *string `json:"arrival_status"`
	ArrivalDelay    *int    `json:"arrival_delay"`
	ArrivalTime     *string `json:"arrival_time"`
	DepartureStatus *string `json:"departure_status"`
	DepartureDelay  *int    `json:"departure_delay"`
	DepartureTime   *string `json:"departure_time"`
}

// BuildTripUpdates decodes one payload into a single trip update attached to
// its vehicle journey, resolving the base schedule through the timetable
// service. Returns *InvalidInputError for contract violations and
// *UnknownTargetError when the base schedule has no matching trip.
func (b *JSONBuilder) BuildTripUpdates(rtu *rt.RealTimeUpdate) ([]*rt.TripUpdate, error) {
	var payload tripPayload
	if err := json.Unmarshal([]byte(rtu.RawData), &payload); err != nil {
		return nil, &InvalidInputError{Detail: fmt.Sprintf("cannot decode payload: %v", err)}
	}
	if payload.Trip.TripId == "" {
		return nil, &InvalidInputError{Detail: "missing trip_id"}
	}

	status, err := parseTripStatus(payload.Trip.Status)
	if err != nil {
		return nil, err
	}

	since, explicitStart, err := resolveWindowStart(&payload)
	if err != nil {
		return nil, err
	}
	until := since.Add(circulationWindow)

	vj, baseTrip, err := b.resolveVehicleJourney(payload.Trip.TripId, status, since, until, explicitStart)
	if err != nil {
		return nil, err
	}

	tripUpdate := rt.MakeTripUpdate(vj, b.contributor.Id, status)
	tripUpdate.Message = payload.Trip.Message
	tripUpdate.CompanyId = payload.Trip.CompanyId
	tripUpdate.PhysicalModeId = payload.Trip.PhysicalModeId
	tripUpdate.Headsign = payload.Trip.Headsign
	if baseTrip != nil {
		if tripUpdate.CompanyId == nil {
			tripUpdate.CompanyId = baseTrip.CompanyId
		}
		if tripUpdate.PhysicalModeId == nil {
			tripUpdate.PhysicalModeId = baseTrip.PhysicalModeId
		}
		if tripUpdate.Headsign == nil {
			tripUpdate.Headsign = baseTrip.Headsign
		}
	}

	for index, st := range payload.StopTimes {
		stopTime, err := buildStopTime(&st, index)
		if err != nil {
			return nil, err
		}
		tripUpdate.StopTimeUpdates = append(tripUpdate.StopTimeUpdates, stopTime)
	}

	tripUpdate.Effect, err = resolveEffect(&payload, tripUpdate)
	if err != nil {
		return nil, err
	}
	return []*rt.TripUpdate{tripUpdate}, nil
}

// resolveWindowStart computes the base-schedule search start from the
// announced circulation date or start timestamp. The explicit start is kept
// for realtime-only trips that have no base schedule to derive one from.
func resolveWindowStart(payload *tripPayload) (time.Time, *time.Time, error) {
	if payload.Trip.CirculationDate != nil {
		date, err := time.ParseInLocation("2006-01-02", *payload.Trip.CirculationDate, time.UTC)
		if err != nil {
			return time.Time{}, nil, &InvalidInputError{
				Detail: fmt.Sprintf("invalid circulation_date %q", *payload.Trip.CirculationDate)}
		}
		return date, nil, nil
	}
	if payload.Trip.StartTimestamp != nil {
		start, err := time.Parse(time.RFC3339, *payload.Trip.StartTimestamp)
		if err != nil {
			return time.Time{}, nil, &InvalidInputError{
				Detail: fmt.Sprintf("invalid start_timestamp %q", *payload.Trip.StartTimestamp)}
		}
		start = start.UTC()
		return rt.DateOf(start), &start, nil
	}
	return time.Time{}, nil, &InvalidInputError{Detail: "missing circulation_date or start_timestamp"}
}

// resolveVehicleJourney locates the base trip and derives the circulation.
// Added trips are realtime-only: no base lookup, the explicit start is the
// journey identity.
func (b *JSONBuilder) resolveVehicleJourney(tripId string, status rt.TripStatus, since time.Time,
	until time.Time, explicitStart *time.Time) (*rt.VehicleJourney, *timetable.Trip, error) {

	if status == rt.TripStatusAdd {
		if explicitStart == nil {
			return nil, nil, &InvalidInputError{Detail: "added trip requires start_timestamp"}
		}
		vj, err := rt.MakeVehicleJourney(tripId, nil, since, until, explicitStart)
		if err != nil {
			return nil, nil, err
		}
		return vj, nil, nil
	}

	baseTrip, err := b.timetable.GetTrip(tripId, since, until)
	var notFound *timetable.ErrTripNotFound
	if errors.As(err, &notFound) {
		return nil, nil, &UnknownTargetError{TripId: tripId}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolving base trip %s: %w", tripId, err)
	}

	baseStops := make([]rt.BaseStopTime, 0, len(baseTrip.StopTimes))
	for _, st := range baseTrip.StopTimes {
		baseStops = append(baseStops, rt.BaseStopTime{
			StopId:           st.StopId,
			ArrivalSeconds:   st.ArrivalSeconds,
			DepartureSeconds: st.DepartureSeconds,
			Timezone:         st.Timezone,
		})
	}
	vj, err := rt.MakeVehicleJourney(tripId, baseStops, since, until, explicitStart)
	if err != nil {
		return nil, nil, err
	}
	return vj, baseTrip, nil
}

func buildStopTime(payload *stopTimePayload, index int) (*rt.StopTimeUpdate, error) {
	if payload.StopId == "" {
		return nil, &InvalidInputError{Detail: fmt.Sprintf("stop_times[%d] missing stop_id", index)}
	}
	order := index
	if payload.Order != nil {
		order = *payload.Order
	}

	st := rt.MakeStopTimeUpdate(payload.StopId, order)
	st.Message = payload.Message

	var err error
	st.ArrivalStatus, st.ArrivalDelay, st.Arrival, err =
		buildStopEvent(payload.ArrivalStatus, payload.ArrivalDelay, payload.ArrivalTime, payload.StopId)
	if err != nil {
		return nil, err
	}
	st.DepartureStatus, st.DepartureDelay, st.Departure, err =
		buildStopEvent(payload.DepartureStatus, payload.DepartureDelay, payload.DepartureTime, payload.StopId)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildStopEvent(statusValue *string, delaySeconds *int, timeValue *string,
	stopId string) (rt.StopEventStatus, rt.DelaySeconds, *time.Time, error) {

	status := rt.StatusNone
	if statusValue != nil {
		parsed, err := parseStopEventStatus(*statusValue)
		if err != nil {
			return rt.StatusNone, 0, nil, err
		}
		status = parsed
	}

	// A delay only means something for an updated event; deleted and added
	// events carry their own time.
	var delay rt.DelaySeconds
	if delaySeconds != nil && status == rt.StatusUpdate {
		delay = rt.DelaySeconds(time.Duration(*delaySeconds) * time.Second)
	}

	var at *time.Time
	if timeValue != nil {
		parsed, err := time.Parse(time.RFC3339, *timeValue)
		if err != nil {
			return rt.StatusNone, 0, nil, &InvalidInputError{
				Detail: fmt.Sprintf("stop %s: invalid event time %q", stopId, *timeValue)}
		}
		utc := parsed.UTC()
		at = &utc
	}
	if status.IsAdded() && at == nil {
		return rt.StatusNone, 0, nil, &InvalidInputError{
			Detail: fmt.Sprintf("stop %s: added event requires a time", stopId)}
	}
	return status, delay, at, nil
}

func parseTripStatus(value string) (rt.TripStatus, error) {
	switch rt.TripStatus(value) {
	case rt.TripStatusUpdate, rt.TripStatusDelete, rt.TripStatusAdd:
		return rt.TripStatus(value), nil
	case rt.TripStatusNone, "":
		return rt.TripStatusNone, nil
	}
	return rt.TripStatusNone, &InvalidInputError{Detail: fmt.Sprintf("unknown trip status %q", value)}
}

func parseStopEventStatus(value string) (rt.StopEventStatus, error) {
	switch rt.StopEventStatus(value) {
	case rt.StatusNone, rt.StatusUpdate, rt.StatusDelete, rt.StatusDeletedForDetour,
		rt.StatusAdd, rt.StatusAddedForDetour:
		return rt.StopEventStatus(value), nil
	}
	return rt.StatusNone, &InvalidInputError{Detail: fmt.Sprintf("unknown stop event status %q", value)}
}

// resolveEffect validates the announced effect or derives one from the
// update's shape when the feed stays silent.
func resolveEffect(payload *tripPayload, tripUpdate *rt.TripUpdate) (*rt.TripEffect, error) {
	if payload.Trip.Effect != nil {
		effect, err := parseTripEffect(*payload.Trip.Effect)
		if err != nil {
			return nil, err
		}
		return &effect, nil
	}
	return deriveEffect(tripUpdate), nil
}

func parseTripEffect(value string) (rt.TripEffect, error) {
	switch rt.TripEffect(value) {
	case rt.EffectNoService, rt.EffectReducedService, rt.EffectSignificantDelays, rt.EffectDetour,
		rt.EffectAdditionalService, rt.EffectModifiedService, rt.EffectUnknownEffect:
		return rt.TripEffect(value), nil
	}
	return rt.EffectUnknownEffect, &InvalidInputError{Detail: fmt.Sprintf("unknown effect %q", value)}
}

// deriveEffect infers the trip-level impact: cancellation beats detour beats
// addition beats delays. Returns nil when nothing notable is announced.
func deriveEffect(tripUpdate *rt.TripUpdate) *rt.TripEffect {
	effectOf := func(effect rt.TripEffect) *rt.TripEffect {
		return &effect
	}

	if tripUpdate.Status == rt.TripStatusDelete {
		return effectOf(rt.EffectNoService)
	}
	for _, st := range tripUpdate.StopTimeUpdates {
		if st.ArrivalStatus == rt.StatusDeletedForDetour || st.ArrivalStatus == rt.StatusAddedForDetour ||
			st.DepartureStatus == rt.StatusDeletedForDetour || st.DepartureStatus == rt.StatusAddedForDetour {
			return effectOf(rt.EffectDetour)
		}
	}
	if tripUpdate.Status == rt.TripStatusAdd {
		return effectOf(rt.EffectAdditionalService)
	}
	for _, st := range tripUpdate.StopTimeUpdates {
		if st.ArrivalDelay != 0 || st.DepartureDelay != 0 ||
			st.ArrivalStatus.IsDeleted() || st.DepartureStatus.IsDeleted() {
			return effectOf(rt.EffectSignificantDelays)
		}
	}
	return nil
}
