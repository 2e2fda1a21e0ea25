package rt

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RealTimeUpdate is one raw inbound payload and its processing outcome.
// Rows are immutable apart from status bookkeeping and outlive the trip
// updates they produced, so a purged trip still leaves a debuggable trail.
type RealTimeUpdate struct {
	Id            string        `db:"id"`
	Connector     ConnectorType `db:"connector"`
	Status        RTStatus      `db:"status"`
	Error         *string       `db:"error"`
	RawData       string        `db:"raw_data"`
	ContributorId string        `db:"contributor_id"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     *time.Time    `db:"updated_at"`

	TripUpdates []*TripUpdate `db:"-"`
}

// MakeRealTimeUpdate builds a RealTimeUpdate in OK status.
func MakeRealTimeUpdate(rawData []byte, connector ConnectorType, contributorId string) *RealTimeUpdate {
	return &RealTimeUpdate{
		Id:            genUuid(),
		Connector:     connector,
		Status:        RTStatusOK,
		RawData:       string(rawData),
		ContributorId: contributorId,
		CreatedAt:     time.Now().UTC(),
	}
}

// SetKO flags the row as failed with a human readable error.
func (r *RealTimeUpdate) SetKO(errorMessage string) {
	r.Status = RTStatusKO
	r.Error = &errorMessage
}

// SaveRealTimeUpdate persists the row, its linked trip updates and their stop
// sequences in one transaction. The commit is the linearization point for
// concurrent updates to the same journey: last committer wins, both leave
// their raw rows behind. Safe to call again on the same row (publish
// failures re-save it with a KO status).
func SaveRealTimeUpdate(db *sqlx.DB, rtu *RealTimeUpdate) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(
		"insert into real_time_update "+
			"(id, connector, status, error, raw_data, contributor_id, created_at) "+
			"values (:id, :connector, :status, :error, :raw_data, :contributor_id, :created_at) "+
			"on conflict (id) do update set status = excluded.status, error = excluded.error, "+
			"updated_at = now() at time zone 'utc'", rtu)
	if err != nil {
		return fmt.Errorf("unable to save real time update: %w", err)
	}

	for _, tripUpdate := range rtu.TripUpdates {
		if err = saveTripUpdate(tx, tripUpdate); err != nil {
			return err
		}
		_, err = tx.Exec(tx.Rebind(
			"insert into associate_realtimeupdate_tripupdate (real_time_update_id, trip_update_id) "+
				"values (?, ?) on conflict do nothing"), rtu.Id, tripUpdate.VjId)
		if err != nil {
			return fmt.Errorf("unable to link trip update %s: %w", tripUpdate.VjId, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit real time update: %w", err)
	}
	return nil
}

func saveTripUpdate(tx *sqlx.Tx, tripUpdate *TripUpdate) error {
	if tripUpdate.Vj == nil {
		return fmt.Errorf("trip update %s has no vehicle journey", tripUpdate.VjId)
	}

	// The journey may already exist from an earlier feed; the stored id wins
	// over the one generated during this ingestion.
	var vjId string
	err := tx.QueryRowx(tx.Rebind(
		"insert into vehicle_journey (id, trip_id, start_timestamp) values (?, ?, ?) "+
			"on conflict (trip_id, start_timestamp) do update set trip_id = excluded.trip_id "+
			"returning id"),
		tripUpdate.Vj.Id, tripUpdate.Vj.TripId, tripUpdate.Vj.StartTimestamp).Scan(&vjId)
	if err != nil {
		return fmt.Errorf("unable to save vehicle journey for trip %s: %w", tripUpdate.Vj.TripId, err)
	}
	tripUpdate.Vj.Id = vjId
	tripUpdate.VjId = vjId

	_, err = tx.NamedExec(
		"insert into trip_update "+
			"(vj_id, status, message, company_id, effect, physical_mode_id, headsign, contributor_id, created_at) "+
			"values (:vj_id, :status, :message, :company_id, :effect, :physical_mode_id, :headsign, "+
			":contributor_id, :created_at) "+
			"on conflict (vj_id) do update set status = excluded.status, message = excluded.message, "+
			"company_id = excluded.company_id, effect = excluded.effect, "+
			"physical_mode_id = excluded.physical_mode_id, headsign = excluded.headsign, "+
			"contributor_id = excluded.contributor_id, updated_at = now() at time zone 'utc'", tripUpdate)
	if err != nil {
		return fmt.Errorf("unable to save trip update %s: %w", tripUpdate.VjId, err)
	}

	// The merged stop sequence replaces the stored one wholesale; partial
	// diffs would have to re-derive order density the merge already ensured.
	_, err = tx.Exec(tx.Rebind("delete from stop_time_update where trip_update_id = ?"), tripUpdate.VjId)
	if err != nil {
		return fmt.Errorf("unable to clear stop time updates of %s: %w", tripUpdate.VjId, err)
	}
	for _, st := range tripUpdate.StopTimeUpdates {
		st.TripUpdateId = tripUpdate.VjId
	}
	if len(tripUpdate.StopTimeUpdates) > 0 {
		_, err = tx.NamedExec(
			"insert into stop_time_update "+
				"(id, trip_update_id, stop_order, stop_id, message, "+
				"arrival, arrival_delay_seconds, arrival_status, "+
				"departure, departure_delay_seconds, departure_status, created_at) "+
				"values (:id, :trip_update_id, :stop_order, :stop_id, :message, "+
				":arrival, :arrival_delay_seconds, :arrival_status, "+
				":departure, :departure_delay_seconds, :departure_status, :created_at)",
			tripUpdate.StopTimeUpdates)
		if err != nil {
			return fmt.Errorf("unable to save stop time updates of %s: %w", tripUpdate.VjId, err)
		}
	}
	return nil
}

// GetLastRealTimeUpdate returns the most recent row for a contributor and
// connector, or nil when none exists.
func GetLastRealTimeUpdate(db *sqlx.DB, connector ConnectorType, contributorId string) (*RealTimeUpdate, error) {
	var rtu RealTimeUpdate
	err := db.Get(&rtu, db.Rebind(
		"select * from real_time_update where connector = ? and contributor_id = ? "+
			"order by created_at desc limit 1"), connector, contributorId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve last real time update: %w", err)
	}
	return &rtu, nil
}

// PokeUpdatedAt refreshes updated_at on an existing row. Used when a
// repeated failing payload should not grow the table: the [created_at,
// updated_at] span records how long the error persisted.
func PokeUpdatedAt(db *sqlx.DB, rtu *RealTimeUpdate) error {
	_, err := db.Exec(db.Rebind(
		"update real_time_update set updated_at = now() at time zone 'utc' where id = ?"), rtu.Id)
	if err != nil {
		return fmt.Errorf("unable to poke real time update %s: %w", rtu.Id, err)
	}
	return nil
}

// RemoveRealTimeUpdatesBefore deletes a contributor's raw rows older than
// cutoff that no longer link to any trip update. Returns the number removed.
func RemoveRealTimeUpdatesBefore(db *sqlx.DB, contributorId string, cutoff time.Time) (int64, error) {
	result, err := db.Exec(db.Rebind(
		"delete from real_time_update rtu where rtu.contributor_id = ? and rtu.created_at < ? "+
			"and not exists (select 1 from associate_realtimeupdate_tripupdate a "+
			"where a.real_time_update_id = rtu.id)"),
		contributorId, cutoff)
	if err != nil {
		return 0, fmt.Errorf("unable to purge real time updates for contributor %s: %w", contributorId, err)
	}
	return result.RowsAffected()
}

// ContributorProbe summarizes a contributor's most recent activity for the
// status endpoint.
type ContributorProbe struct {
	ContributorId   string     `json:"contributor_id"`
	LastUpdate      *time.Time `json:"last_update"`
	LastValidUpdate *time.Time `json:"last_valid_update"`
	LastError       *string    `json:"last_error"`
}

// GetContributorProbes builds one probe per active contributor.
func GetContributorProbes(db *sqlx.DB) ([]ContributorProbe, error) {
	contributors, err := GetContributors(db, false)
	if err != nil {
		return nil, err
	}

	probes := make([]ContributorProbe, 0, len(contributors))
	for _, contributor := range contributors {
		probe := ContributorProbe{ContributorId: contributor.Id}

		var last RealTimeUpdate
		err = db.Get(&last, db.Rebind(
			"select * from real_time_update where contributor_id = ? order by created_at desc limit 1"),
			contributor.Id)
		if errors.Is(err, sql.ErrNoRows) {
			probes = append(probes, probe)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("unable to probe contributor %s: %w", contributor.Id, err)
		}

		at := last.CreatedAt
		if last.UpdatedAt != nil {
			at = *last.UpdatedAt
		}
		probe.LastUpdate = &at
		if last.Status == RTStatusOK {
			probe.LastValidUpdate = &last.CreatedAt
		} else {
			probe.LastError = last.Error
			var lastOk RealTimeUpdate
			err = db.Get(&lastOk, db.Rebind(
				"select * from real_time_update where contributor_id = ? and status = 'OK' "+
					"order by created_at desc limit 1"), contributor.Id)
			if err == nil {
				probe.LastValidUpdate = &lastOk.CreatedAt
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("unable to probe contributor %s: %w", contributor.Id, err)
			}
		}
		probes = append(probes, probe)
	}
	return probes, nil
}
