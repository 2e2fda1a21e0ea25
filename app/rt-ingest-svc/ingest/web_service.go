// Package ingest exposes the HTTP push surface: contributors post disruption
// payloads, operators read processing health.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	logger "log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/opentransit/tripfeed/business/connector"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/handler"
)

// maxPayloadBytes bounds one inbound disruption payload.
const maxPayloadBytes = 4 << 20

// Store is the persistence surface the ingest routes need.
type Store interface {
	connector.ErrorStore
	GetContributor(id string) (*rt.Contributor, error)
	GetContributorProbes() ([]rt.ContributorProbe, error)
}

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//statusHandler reports per-contributor processing health
type statusHandler struct {
	log   *logger.Logger
	store Store
}

func makeStatusHandler(log *logger.Logger, store Store) *statusHandler {
	return &statusHandler{
		log:   log,
		store: store,
	}
}

//statusResponse is the /status payload
type statusResponse struct {
	Status       string                `json:"status"`
	Contributors []rt.ContributorProbe `json:"contributors"`
}

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	probes, err := s.store.GetContributorProbes()
	if err != nil {
		s.log.Printf("unable to build contributor probes: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	writeJson(s.log, w, http.StatusOK, statusResponse{Status: "OK", Contributors: probes})
}

//ingestHandler accepts one disruption payload per request and runs it through
//the connector pipeline
type ingestHandler struct {
	log       *logger.Logger
	store     Store
	pipeline  connector.Pipeline
	timetable connector.TimetableService
}

func makeIngestHandler(log *logger.Logger, store Store, pipeline connector.Pipeline,
	timetable connector.TimetableService) *ingestHandler {
	return &ingestHandler{
		log:       log,
		store:     store,
		pipeline:  pipeline,
		timetable: timetable,
	}
}

//messageResponse is the uniform response body of the ingest route
type messageResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

//ServeHTTP implements ingestHandler's http.Handler interface
func (h *ingestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	connectorType := rt.ConnectorType(vars["connector"])
	contributorId := vars["contributor"]

	if connectorType != rt.ConnectorStream && connectorType != rt.ConnectorPatch {
		writeJson(h.log, w, http.StatusNotFound, messageResponse{
			Message: "unknown connector", Error: string(connectorType)})
		return
	}
	contributor, err := h.store.GetContributor(contributorId)
	if err != nil {
		h.log.Printf("unable to load contributor %s: %v", contributorId, err)
		writeJson(h.log, w, http.StatusInternalServerError, messageResponse{Message: "internal error"})
		return
	}
	if contributor == nil || !contributor.IsActive || contributor.ConnectorType != connectorType {
		writeJson(h.log, w, http.StatusNotFound, messageResponse{
			Message: "unknown contributor", Error: contributorId})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJson(h.log, w, http.StatusBadRequest, messageResponse{
			Message: "unable to read payload", Error: err.Error()})
		return
	}

	builder := connector.MakeJSONBuilder(h.log, contributor, h.timetable)
	err = connector.WrapBuild(h.log, h.store, builder, h.pipeline, raw)
	if err == nil {
		writeJson(h.log, w, http.StatusOK, messageResponse{Message: "OK"})
		return
	}

	var invalidInput *connector.InvalidInputError
	var unknownTarget *connector.UnknownTargetError
	switch {
	case errors.As(err, &invalidInput):
		writeJson(h.log, w, http.StatusBadRequest, messageResponse{
			Message: "invalid payload", Error: invalidInput.Error()})
	case errors.As(err, &unknownTarget):
		writeJson(h.log, w, http.StatusNotFound, messageResponse{
			Message: "unknown trip", Error: unknownTarget.Error()})
	case errors.Is(err, handler.ErrMessageNotPublished):
		// The update is stored; the producer should resend so the feed gets
		// republished.
		writeJson(h.log, w, http.StatusServiceUnavailable, messageResponse{
			Message: "update stored but feed not published", Error: err.Error()})
	default:
		h.log.Printf("processing failed for contributor %s: %v", contributorId, err)
		writeJson(h.log, w, http.StatusInternalServerError, messageResponse{Message: "internal error"})
	}
}

func writeJson(log *logger.Logger, w http.ResponseWriter, status int, body interface{}) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		log.Printf("Error marshaling response to json: error:%v\n", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(jsonData); err != nil {
		log.Printf("Error writing json response: %s", err)
	}
}

//CreateServer creates configured http.Server for the ingest routes
func CreateServer(log *logger.Logger, store Store, pipeline connector.Pipeline,
	timetable connector.TimetableService, httpPort int) *http.Server {

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/status", makeStatusHandler(log, store)).Methods(http.MethodGet)
	r.Handle("/{connector}/{contributor}", makeIngestHandler(log, store, pipeline, timetable)).
		Methods(http.MethodPost)

	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}

//RunWebService starts the ingest web service and terminates on shutdown signal
func RunWebService(log *logger.Logger, store Store, pipeline connector.Pipeline,
	timetable connector.TimetableService, httpPort int, shutdownSignal chan os.Signal) {

	srv := CreateServer(log, store, pipeline, timetable, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}
