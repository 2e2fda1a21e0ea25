package worker

import (
	logger "log"
	"os"
	"time"

	"github.com/opentransit/tripfeed/business/connector"
	"github.com/opentransit/tripfeed/business/data/rt"
)

// RunWorkerLoop keeps exactly one worker alive for the connector type.
//
// When several active contributors share the connector, the first by id is
// served and the rest are reported; deploying one worker process per
// contributor is the supported setup, this rule just makes a misdeployment
// loud instead of undefined. Worker failures are logged and retried after
// reloadEvery. Returns nil on shutdown.
func RunWorkerLoop(log *logger.Logger, store *rt.Store, pipeline connector.Pipeline,
	makeBuilder BuilderFactory, connectorType rt.ConnectorType, reloadEvery time.Duration,
	shutdown chan os.Signal) error {

	for {
		contributor, found := electContributor(log, store, connectorType)
		if !found {
			if interrupted(shutdown, reloadEvery) {
				return nil
			}
			continue
		}

		w, err := makeWorker(log, store, pipeline, makeBuilder, contributor, connectorType, reloadEvery)
		if err != nil {
			log.Printf("unable to start worker for contributor %s: %v", contributor.Id, err)
			if interrupted(shutdown, reloadEvery) {
				return nil
			}
			continue
		}

		err = w.run(shutdown)
		w.close()
		if err == nil {
			return nil
		}
		log.Printf("worker for contributor %s stopped: %v", contributor.Id, err)
		if interrupted(shutdown, reloadEvery) {
			return nil
		}
	}
}

// electContributor picks the contributor to serve, or reports none.
func electContributor(log *logger.Logger, store *rt.Store,
	connectorType rt.ConnectorType) (*rt.Contributor, bool) {

	contributors, err := store.GetActiveContributorsByConnector(connectorType)
	if err != nil {
		log.Printf("unable to load contributors for connector %s: %v", connectorType, err)
		return nil, false
	}
	if len(contributors) == 0 {
		log.Printf("no active contributor for connector %s, waiting", connectorType)
		return nil, false
	}
	if len(contributors) > 1 {
		log.Printf("%d active contributors for connector %s, serving only %s",
			len(contributors), connectorType, contributors[0].Id)
	}
	return contributors[0], true
}

// interrupted sleeps for wait unless the shutdown signal arrives first.
func interrupted(shutdown chan os.Signal, wait time.Duration) bool {
	select {
	case <-shutdown:
		return true
	case <-time.After(wait):
		return false
	}
}
