package rt

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opentransit/tripfeed/foundation/database"
)

// TripUpdate is the cumulative realtime state of one VehicleJourney. One row
// per journey; successive feeds overwrite it through the merge engine.
type TripUpdate struct {
	VjId           string      `db:"vj_id"`
	Status         TripStatus  `db:"status"`
	Message        *string     `db:"message"`
	CompanyId      *string     `db:"company_id"`
	Effect         *TripEffect `db:"effect"`
	PhysicalModeId *string     `db:"physical_mode_id"`
	Headsign       *string     `db:"headsign"`
	ContributorId  string      `db:"contributor_id"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      *time.Time  `db:"updated_at"`

	Vj              *VehicleJourney   `db:"-"`
	StopTimeUpdates []*StopTimeUpdate `db:"-"`
}

// MakeTripUpdate builds a TripUpdate bound to vj.
func MakeTripUpdate(vj *VehicleJourney, contributorId string, status TripStatus) *TripUpdate {
	return &TripUpdate{
		VjId:          vj.Id,
		Status:        status,
		ContributorId: contributorId,
		CreatedAt:     time.Now().UTC(),
		Vj:            vj,
	}
}

// FindStop locates a stop event in the update. The unique (stop_id, order)
// match wins so journeys serving the same stop twice (lollipop lines) stay
// unambiguous; feeds that omit order still resolve through the first stop_id
// match.
func (t *TripUpdate) FindStop(stopId string, order int) *StopTimeUpdate {
	if t == nil {
		return nil
	}
	for _, st := range t.StopTimeUpdates {
		if st.StopId == stopId && st.Order == order {
			return st
		}
	}
	for _, st := range t.StopTimeUpdates {
		if st.StopId == stopId {
			return st
		}
	}
	return nil
}

// DatedVJ identifies one circulation for batch lookups.
type DatedVJ struct {
	TripId         string
	StartTimestamp time.Time
}

// tripUpdateRow carries the joined vehicle_journey columns next to the
// trip_update ones.
type tripUpdateRow struct {
	TripUpdate
	VjRowId          string    `db:"vj_row_id"`
	VjTripId         string    `db:"vj_trip_id"`
	VjStartTimestamp time.Time `db:"vj_start_timestamp"`
}

// GetTripUpdatesByDatedVJs loads the persisted trip updates matching the
// (trip_id, start_timestamp) tuples in one round trip, stop sequences
// included.
func GetTripUpdatesByDatedVJs(db *sqlx.DB, refs []DatedVJ) ([]*TripUpdate, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	// sqlx's IN expansion flattens slices into a single list, so the row-value
	// tuples are built by hand.
	placeholders := make([]string, 0, len(refs))
	args := make([]interface{}, 0, len(refs)*2)
	for _, ref := range refs {
		placeholders = append(placeholders, "(?, ?)")
		args = append(args, ref.TripId, ref.StartTimestamp)
	}
	query := "select tu.*, vj.id as vj_row_id, vj.trip_id as vj_trip_id, " +
		"vj.start_timestamp as vj_start_timestamp " +
		"from trip_update tu " +
		"join vehicle_journey vj on vj.id = tu.vj_id " +
		"where (vj.trip_id, vj.start_timestamp) in (" + strings.Join(placeholders, ", ") + ") " +
		"order by vj.trip_id"
	query = db.Rebind(query)

	rows, err := db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve trip updates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []*TripUpdate
	for rows.Next() {
		var row tripUpdateRow
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		tripUpdate := row.TripUpdate
		tripUpdate.Vj = &VehicleJourney{
			Id:             row.VjRowId,
			TripId:         row.VjTripId,
			StartTimestamp: row.VjStartTimestamp,
		}
		results = append(results, &tripUpdate)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if err = loadStopTimeUpdates(db, results); err != nil {
		return nil, err
	}
	return results, nil
}

func loadStopTimeUpdates(db *sqlx.DB, tripUpdates []*TripUpdate) error {
	if len(tripUpdates) == 0 {
		return nil
	}
	byVjId := make(map[string]*TripUpdate, len(tripUpdates))
	vjIds := make([]string, 0, len(tripUpdates))
	for _, tu := range tripUpdates {
		byVjId[tu.VjId] = tu
		vjIds = append(vjIds, tu.VjId)
	}

	statementString := "select * from stop_time_update where trip_update_id in (:vj_ids) " +
		"order by trip_update_id, stop_order"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"vj_ids": vjIds,
	})
	if err != nil {
		return fmt.Errorf("unable to retrieve stop time updates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var st StopTimeUpdate
		if err = rows.StructScan(&st); err != nil {
			return err
		}
		if tu, present := byVjId[st.TripUpdateId]; present {
			stopTime := st
			tu.StopTimeUpdates = append(tu.StopTimeUpdates, &stopTime)
		}
	}
	return rows.Err()
}

// RemoveTripUpdatesBefore deletes a contributor's trip updates whose
// circulation started before cutoff. Cascades remove stop time updates and
// association rows; journeys with no remaining trip update go with them.
// Returns the number of trip updates removed.
func RemoveTripUpdatesBefore(db *sqlx.DB, contributorId string, cutoff time.Time) (int64, error) {
	result, err := db.Exec(db.Rebind(
		"delete from vehicle_journey vj using trip_update tu "+
			"where tu.vj_id = vj.id and tu.contributor_id = ? and vj.start_timestamp < ?"),
		contributorId, cutoff)
	if err != nil {
		return 0, fmt.Errorf("unable to purge trip updates for contributor %s: %w", contributorId, err)
	}
	return result.RowsAffected()
}
