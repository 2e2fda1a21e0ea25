package rt

import (
	logger "log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opentransit/tripfeed/foundation/database"
)

const saveRetryWait = 500 * time.Millisecond

// Store binds the package-level persistence functions to one database handle
// and a commit retry budget, so call sites can depend on a narrow interface
// instead of *sqlx.DB.
type Store struct {
	db             *sqlx.DB
	log            *logger.Logger
	commitAttempts int
}

// MakeStore builds a Store. commitAttempts bounds the retries around
// SaveRealTimeUpdate commits.
func MakeStore(db *sqlx.DB, log *logger.Logger, commitAttempts int) *Store {
	return &Store{
		db:             db,
		log:            log,
		commitAttempts: commitAttempts,
	}
}

func (s *Store) GetTripUpdatesByDatedVJs(refs []DatedVJ) ([]*TripUpdate, error) {
	return GetTripUpdatesByDatedVJs(s.db, refs)
}

// SaveRealTimeUpdate persists with a bounded retry, absorbing transient
// commit failures such as serialization conflicts between workers.
func (s *Store) SaveRealTimeUpdate(rtu *RealTimeUpdate) error {
	return database.Retry(s.log, s.commitAttempts, saveRetryWait, func() error {
		return SaveRealTimeUpdate(s.db, rtu)
	})
}

func (s *Store) GetLastRealTimeUpdate(connector ConnectorType, contributorId string) (*RealTimeUpdate, error) {
	return GetLastRealTimeUpdate(s.db, connector, contributorId)
}

func (s *Store) PokeUpdatedAt(rtu *RealTimeUpdate) error {
	return PokeUpdatedAt(s.db, rtu)
}

func (s *Store) GetContributor(id string) (*Contributor, error) {
	return GetContributor(s.db, id)
}

func (s *Store) GetActiveContributorsByConnector(connectorType ConnectorType) ([]*Contributor, error) {
	return GetActiveContributorsByConnector(s.db, connectorType)
}

func (s *Store) GetContributorProbes() ([]ContributorProbe, error) {
	return GetContributorProbes(s.db)
}

func (s *Store) RemoveTripUpdatesBefore(contributorId string, cutoff time.Time) (int64, error) {
	return RemoveTripUpdatesBefore(s.db, contributorId, cutoff)
}

func (s *Store) RemoveRealTimeUpdatesBefore(contributorId string, cutoff time.Time) (int64, error) {
	return RemoveRealTimeUpdatesBefore(s.db, contributorId, cutoff)
}
