package main

import (
	"fmt"
	logger "log"
	"os"
	"time"

	"github.com/ardanlabs/conf"

	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/database"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "RT_PURGE : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

// run applies each contributor's retention windows once and exits. Meant to
// be scheduled (cron or an operator invocation), not to stay resident.
func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User       string `conf:"default:postgres"`
			Password   string `conf:"default:postgres,noprint"`
			Host       string `conf:"default:0.0.0.0"`
			Name       string `conf:"default:postgres"`
			DisableTLS bool   `conf:"default:true"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Remove trip updates and raw payloads past their retention windows"
	const prefix = "RT_PURGE"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// Deactivated contributors are purged too, so switching one off does not
	// freeze its data forever.
	contributors, err := rt.GetContributors(db, true)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, contributor := range contributors {
		tripCutoff := now.AddDate(0, 0, -contributor.DaysToKeepTripUpdate)
		removedTrips, err := rt.RemoveTripUpdatesBefore(db, contributor.Id, tripCutoff)
		if err != nil {
			return err
		}

		rawCutoff := now.AddDate(0, 0, -contributor.DaysToKeepRtUpdate)
		removedRaw, err := rt.RemoveRealTimeUpdatesBefore(db, contributor.Id, rawCutoff)
		if err != nil {
			return err
		}

		log.Printf("contributor %s: removed %d trip updates older than %v and %d raw payloads older than %v",
			contributor.Id, removedTrips, tripCutoff, removedRaw, rawCutoff)
	}
	return nil
}
