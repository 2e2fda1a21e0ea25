package rt

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Contributor is one configured upstream feed producer: one row in storage,
// one worker at runtime. Broker settings are re-read by the worker's
// reconfiguration probe; mutating them from outside is how an operator
// retargets a running worker.
type Contributor struct {
	Id            string        `db:"id"`
	Coverage      string        `db:"coverage"`
	Token         *string       `db:"token"`
	ConnectorType ConnectorType `db:"connector_type"`
	IsActive      bool          `db:"is_active"`
	BrokerUrl     *string       `db:"broker_url"`
	ExchangeName  *string       `db:"exchange_name"`
	QueueName     *string       `db:"queue_name"`

	// Retention windows in days, applied by the purge job.
	DaysToKeepTripUpdate int `db:"days_to_keep_trip_update"`
	DaysToKeepRtUpdate   int `db:"days_to_keep_rt_update"`
}

// GetContributor loads one contributor by id regardless of activation, or
// nil when the row does not exist. Always hits storage: the worker's
// reconfiguration probe depends on reading fresh values.
func GetContributor(db *sqlx.DB, id string) (*Contributor, error) {
	var contributor Contributor
	err := db.Get(&contributor, db.Rebind("select * from contributor where id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve contributor %s: %w", id, err)
	}
	return &contributor, nil
}

// GetContributors returns all contributors, active only unless
// includeDeactivated is set, ordered by id.
func GetContributors(db *sqlx.DB, includeDeactivated bool) ([]*Contributor, error) {
	query := "select * from contributor"
	if !includeDeactivated {
		query += " where is_active"
	}
	query += " order by id"

	var contributors []*Contributor
	if err := db.Select(&contributors, query); err != nil {
		return nil, fmt.Errorf("unable to retrieve contributors: %w", err)
	}
	return contributors, nil
}

// GetActiveContributorsByConnector returns the active contributors for one
// connector type, ordered by id.
func GetActiveContributorsByConnector(db *sqlx.DB, connectorType ConnectorType) ([]*Contributor, error) {
	var contributors []*Contributor
	err := db.Select(&contributors, db.Rebind(
		"select * from contributor where connector_type = ? and is_active order by id"), connectorType)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve contributors for connector %s: %w", connectorType, err)
	}
	return contributors, nil
}
