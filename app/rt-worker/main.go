package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/nats-io/nats.go"

	"github.com/opentransit/tripfeed/app/rt-worker/worker"
	"github.com/opentransit/tripfeed/business/connector"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/handler"
	"github.com/opentransit/tripfeed/foundation/database"
	"github.com/opentransit/tripfeed/foundation/timetable"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "RT_WORKER : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

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
		Timetable struct {
			Url            string `conf:"default:http://0.0.0.0:5000"`
			Token          string `conf:"noprint"`
			TimeoutSeconds int    `conf:"default:10"`
		}
		Publish struct {
			NatsUrl       string `conf:"default:nats://0.0.0.0:4222"`
			SubjectPrefix string `conf:"default:tripfeed"`
			MaxRetries    int    `conf:"default:3"`
		}
		Worker struct {
			ConfigReloadSeconds int `conf:"default:60"`
			CommitAttempts      int `conf:"default:3"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Consume disruption payloads from a contributor broker and publish merged feeds"
	const prefix = "RT_WORKER"
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

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	log.Println("main: Initializing database support")
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
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		if err = db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	log.Printf("main: Connecting to nats server at %s", cfg.Publish.NatsUrl)
	natsConn, err := nats.Connect(cfg.Publish.NatsUrl)
	if err != nil {
		return fmt.Errorf("connecting to nats server: %w", err)
	}
	defer natsConn.Close()

	store := rt.MakeStore(db, log, cfg.Worker.CommitAttempts)
	publisher := handler.MakeNatsFeedPublisher(log, natsConn, cfg.Publish.SubjectPrefix,
		cfg.Publish.MaxRetries)
	pipeline := handler.MakeHandler(log, store, publisher)
	ttClient := timetable.NewClient(cfg.Timetable.Url, cfg.Timetable.Token,
		time.Duration(cfg.Timetable.TimeoutSeconds)*time.Second)
	makeBuilder := func(contributor *rt.Contributor) connector.Builder {
		return connector.MakeJSONBuilder(log, contributor, ttClient)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	return worker.RunWorkerLoop(log, store, pipeline, makeBuilder, rt.ConnectorStream,
		time.Duration(cfg.Worker.ConfigReloadSeconds)*time.Second, shutdown)
}
