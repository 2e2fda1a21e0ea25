// Package worker consumes disruption payloads from a contributor's message
// broker and drives them through the connector pipeline. One worker serves
// one contributor; its broker settings are re-read on a timer so operators
// can retarget a running worker by editing the contributor row.
package worker

import (
	"fmt"
	logger "log"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opentransit/tripfeed/business/connector"
	"github.com/opentransit/tripfeed/business/data/rt"
)

const jsonContentType = "application/json"

// BuilderFactory makes a connector builder bound to a contributor. The
// worker calls it again whenever the reconfiguration probe sees a fresh
// contributor row.
type BuilderFactory func(contributor *rt.Contributor) connector.Builder

// probeOutcome is the reconfiguration probe's decision.
type probeOutcome int

const (
	// probeKeep continues consuming with the current topology.
	probeKeep probeOutcome = iota
	// probeRebind re-asserts the exchange and queue and restarts the
	// consumer on the same connection.
	probeRebind
	// probeStop tears the worker down so the supervisor can decide anew.
	probeStop
)

// decideProbe compares the running worker's contributor with the freshly
// loaded row. A vanished or deactivated contributor, or a new broker URL,
// requires a full restart; exchange or queue changes only need a rebind.
func decideProbe(current *rt.Contributor, fresh *rt.Contributor) probeOutcome {
	if fresh == nil || !fresh.IsActive {
		return probeStop
	}
	if !stringPtrEqual(current.BrokerUrl, fresh.BrokerUrl) {
		return probeStop
	}
	if !stringPtrEqual(current.ExchangeName, fresh.ExchangeName) ||
		!stringPtrEqual(current.QueueName, fresh.QueueName) {
		return probeRebind
	}
	return probeKeep
}

func stringPtrEqual(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// validateContributor checks the broker preconditions a worker needs. Every
// violation is fatal for this contributor: the supervisor logs it and retries
// later, on the assumption that an operator will fix the row.
func validateContributor(contributor *rt.Contributor, connectorType rt.ConnectorType) error {
	if !contributor.IsActive {
		return fmt.Errorf("contributor %s is deactivated", contributor.Id)
	}
	if contributor.ConnectorType != connectorType {
		return fmt.Errorf("contributor %s has connector type %s, expected %s",
			contributor.Id, contributor.ConnectorType, connectorType)
	}
	if contributor.BrokerUrl == nil || *contributor.BrokerUrl == "" {
		return fmt.Errorf("contributor %s has no broker url", contributor.Id)
	}
	if contributor.ExchangeName == nil || *contributor.ExchangeName == "" {
		return fmt.Errorf("contributor %s has no exchange name", contributor.Id)
	}
	if contributor.QueueName == nil || *contributor.QueueName == "" {
		return fmt.Errorf("contributor %s has no queue name", contributor.Id)
	}
	return nil
}

type worker struct {
	log          *logger.Logger
	store        *rt.Store
	pipeline     connector.Pipeline
	makeBuilder  BuilderFactory
	contributor  *rt.Contributor
	reloadEvery  time.Duration
	builder      connector.Builder
	conn         *amqp.Connection
	channel      *amqp.Channel
}

// makeWorker validates the contributor, connects to its broker and asserts
// the topology. The exchange must already exist (declared passively, the
// producer owns it); the queue is declared durable so messages survive a
// worker outage.
func makeWorker(log *logger.Logger, store *rt.Store, pipeline connector.Pipeline,
	makeBuilder BuilderFactory, contributor *rt.Contributor, connectorType rt.ConnectorType,
	reloadEvery time.Duration) (*worker, error) {

	if err := validateContributor(contributor, connectorType); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(*contributor.BrokerUrl)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker of contributor %s: %w", contributor.Id, err)
	}

	w := worker{
		log:         log,
		store:       store,
		pipeline:    pipeline,
		makeBuilder: makeBuilder,
		contributor: contributor,
		reloadEvery: reloadEvery,
		builder:     makeBuilder(contributor),
		conn:        conn,
	}
	if err = w.bind(); err != nil {
		w.close()
		return nil, err
	}
	return &w, nil
}

// bind opens a fresh channel and asserts the exchange, queue and binding for
// the current contributor settings.
func (w *worker) bind() error {
	if w.channel != nil {
		_ = w.channel.Close()
	}
	channel, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	// One unacknowledged message at a time keeps processing strictly ordered
	// per contributor.
	if err = channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if err = channel.ExchangeDeclarePassive(
		*w.contributor.ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("exchange %s not available: %w", *w.contributor.ExchangeName, err)
	}
	if _, err = channel.QueueDeclare(
		*w.contributor.QueueName, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("declaring queue %s: %w", *w.contributor.QueueName, err)
	}
	if err = channel.QueueBind(
		*w.contributor.QueueName, "", *w.contributor.ExchangeName, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("binding queue %s to exchange %s: %w",
			*w.contributor.QueueName, *w.contributor.ExchangeName, err)
	}
	w.channel = channel
	return nil
}

func (w *worker) close() {
	if w.channel != nil {
		_ = w.channel.Close()
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

// run consumes until shutdown, a broker failure, or a probe decision to
// stop. Returns nil only on shutdown.
func (w *worker) run(shutdown chan os.Signal) error {
	for {
		deliveries, err := w.channel.Consume(
			*w.contributor.QueueName, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("starting consumer on queue %s: %w", *w.contributor.QueueName, err)
		}

		outcome, err := w.consume(deliveries, shutdown)
		if err != nil {
			return err
		}
		switch outcome {
		case probeStop:
			return fmt.Errorf("contributor %s configuration requires a restart", w.contributor.Id)
		case probeRebind:
			if err = w.bind(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// consume is one consumer session: it ends on shutdown (probeKeep, nil
// error), on a probe decision, or on a broker failure.
func (w *worker) consume(deliveries <-chan amqp.Delivery, shutdown chan os.Signal) (probeOutcome, error) {
	reload := time.NewTicker(w.reloadEvery)
	defer reload.Stop()

	for {
		select {
		case <-shutdown:
			w.log.Printf("worker for contributor %s exiting on shutdown signal", w.contributor.Id)
			return probeKeep, nil

		case delivery, ok := <-deliveries:
			if !ok {
				return probeKeep, fmt.Errorf("delivery channel of contributor %s closed", w.contributor.Id)
			}
			w.process(&delivery)

		case <-reload.C:
			outcome, err := w.probe()
			if err != nil {
				w.log.Printf("unable to reload contributor %s, keeping current settings: %v",
					w.contributor.Id, err)
				continue
			}
			if outcome != probeKeep {
				return outcome, nil
			}
		}
	}
}

func (w *worker) process(delivery *amqp.Delivery) {
	if delivery.ContentType != "" && delivery.ContentType != jsonContentType {
		w.log.Printf("dropping message with content type %q on queue %s",
			delivery.ContentType, *w.contributor.QueueName)
	} else if err := connector.WrapBuild(w.log, w.store, w.builder, w.pipeline, delivery.Body); err != nil {
		// The failure is already recorded on a real_time_update row.
		w.log.Printf("message processing failed for contributor %s: %v", w.contributor.Id, err)
	}
	// TODO: nack and requeue on processing failure once downstream dedup is
	// in place.
	if err := delivery.Ack(false); err != nil {
		w.log.Printf("ERROR unable to ack message for contributor %s: %v", w.contributor.Id, err)
	}
}

// probe re-reads the contributor row and applies the reconfiguration
// decision. The builder is refreshed on every probe so non-topology fields
// (token, retention) take effect without a restart.
func (w *worker) probe() (probeOutcome, error) {
	fresh, err := w.store.GetContributor(w.contributor.Id)
	if err != nil {
		return probeKeep, err
	}
	outcome := decideProbe(w.contributor, fresh)
	if outcome == probeStop {
		w.log.Printf("contributor %s was removed, deactivated or retargeted, stopping its worker",
			w.contributor.Id)
		return outcome, nil
	}
	w.contributor = fresh
	w.builder = w.makeBuilder(fresh)
	if outcome == probeRebind {
		w.log.Printf("contributor %s broker topology changed, rebinding", w.contributor.Id)
	}
	return outcome, nil
}
