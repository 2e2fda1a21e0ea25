// Package rt contains the realtime trip state entities and their persistence.
//
// Entities map to four tables plus one association table:
//
//	vehicle_journey(id uuid pk, trip_id text, start_timestamp timestamp,
//	                unique(trip_id, start_timestamp))
//	trip_update(vj_id uuid pk references vehicle_journey on delete cascade,
//	            status, message, company_id, effect, physical_mode_id,
//	            headsign, contributor_id, created_at, updated_at)
//	stop_time_update(id uuid pk, trip_update_id references trip_update
//	                 on delete cascade, stop_order int, stop_id, message,
//	                 arrival timestamp, arrival_delay_seconds bigint,
//	                 arrival_status, departure timestamp,
//	                 departure_delay_seconds bigint, departure_status,
//	                 created_at, updated_at)
//	real_time_update(id uuid pk, connector, status, error, raw_data,
//	                 contributor_id, created_at, updated_at,
//	                 index(created_at), index(contributor_id, created_at))
//	associate_realtimeupdate_tripupdate(real_time_update_id, trip_update_id)
//	contributor(id text pk, coverage, token, connector_type, is_active,
//	            broker_url, exchange_name, queue_name,
//	            days_to_keep_trip_update int, days_to_keep_rt_update int)
//
// All timestamps are stored without time zone and are UTC by convention;
// foundation/database pins every session to UTC to keep it that way.
package rt

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// StopEventStatus qualifies a realtime arrival or departure event.
type StopEventStatus string

const (
	StatusNone             StopEventStatus = "none"
	StatusUpdate           StopEventStatus = "update"
	StatusDelete           StopEventStatus = "delete"
	StatusDeletedForDetour StopEventStatus = "deleted_for_detour"
	StatusAdd              StopEventStatus = "add"
	StatusAddedForDetour   StopEventStatus = "added_for_detour"
)

// IsDeleted reports whether the event is removed from the trip, either
// plainly or as half of a detour pair.
func (s StopEventStatus) IsDeleted() bool {
	return s == StatusDelete || s == StatusDeletedForDetour
}

// IsAdded reports whether the event did not exist in the base schedule.
func (s StopEventStatus) IsAdded() bool {
	return s == StatusAdd || s == StatusAddedForDetour
}

// TripStatus is the trip-level realtime status.
type TripStatus string

const (
	TripStatusNone   TripStatus = "none"
	TripStatusUpdate TripStatus = "update"
	TripStatusDelete TripStatus = "delete"
	TripStatusAdd    TripStatus = "add"
)

// TripEffect classifies the realtime impact on a trip, matching the
// GTFS-realtime Alert effect enum.
type TripEffect string

const (
	EffectNoService         TripEffect = "NO_SERVICE"
	EffectReducedService    TripEffect = "REDUCED_SERVICE"
	EffectSignificantDelays TripEffect = "SIGNIFICANT_DELAYS"
	EffectDetour            TripEffect = "DETOUR"
	EffectAdditionalService TripEffect = "ADDITIONAL_SERVICE"
	EffectModifiedService   TripEffect = "MODIFIED_SERVICE"
	EffectUnknownEffect     TripEffect = "UNKNOWN_EFFECT"
)

// ConnectorType identifies the feed format a contributor produces.
type ConnectorType string

const (
	// ConnectorStream is the broker-fed JSON connector. Every payload
	// carries the trip's full stop sequence.
	ConnectorStream ConnectorType = "stream"
	// ConnectorPatch is the HTTP push connector. Payloads only mention the
	// stops they change.
	ConnectorPatch ConnectorType = "patch"
)

// RTStatus is the processing outcome recorded on a RealTimeUpdate row.
type RTStatus string

const (
	RTStatusOK      RTStatus = "OK"
	RTStatusKO      RTStatus = "KO"
	RTStatusPending RTStatus = "pending"
)

// DelaySeconds is a signed duration persisted as whole seconds.
type DelaySeconds time.Duration

// Value implements driver.Valuer, storing whole seconds.
func (d DelaySeconds) Value() (driver.Value, error) {
	return int64(time.Duration(d) / time.Second), nil
}

// Scan implements sql.Scanner.
func (d *DelaySeconds) Scan(src interface{}) error {
	if src == nil {
		*d = 0
		return nil
	}
	seconds, ok := src.(int64)
	if !ok {
		return fmt.Errorf("cannot scan %T into DelaySeconds", src)
	}
	*d = DelaySeconds(time.Duration(seconds) * time.Second)
	return nil
}

// Duration returns the delay as a time.Duration.
func (d DelaySeconds) Duration() time.Duration {
	return time.Duration(d)
}

func genUuid() string {
	id, err := uuid.NewV4()
	if err != nil {
		// NewV4 only fails when the system entropy source does, which is
		// not recoverable here.
		panic(fmt.Sprintf("generating uuid: %v", err))
	}
	return id.String()
}
