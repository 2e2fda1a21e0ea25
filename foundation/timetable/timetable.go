// Package timetable provides a client for the base-schedule service.
//
// The service owns the published, non-realtime plan. This process only ever
// asks it one question: "give me the base trip with this id, circulating
// somewhere inside this search window". Times of day come back as UTC
// strings and are converted to seconds from midnight here so the rest of the
// system never re-parses them.
package timetable

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrTripNotFound reports that the base schedule has no trip with the
// requested id inside the search window.
type ErrTripNotFound struct {
	TripId string
}

func (e *ErrTripNotFound) Error() string {
	return fmt.Sprintf("no base trip found for trip_id %s", e.TripId)
}

// StopTime is one scheduled stop event on a base trip. Times of day are UTC
// seconds from midnight; either may be absent (first stop has no arrival on
// some feeds, last stop no departure).
type StopTime struct {
	StopId           string
	ArrivalSeconds   *int
	DepartureSeconds *int
	Timezone         string
}

// Trip is a base-schedule trip as returned by the timetable service.
type Trip struct {
	TripId         string
	Headsign       *string
	CompanyId      *string
	PhysicalModeId *string
	StopTimes      []StopTime
}

// Client queries the timetable service over HTTP with token authentication.
type Client struct {
	baseUrl    string
	token      string
	httpClient *http.Client
}

// NewClient builds a Client for the timetable service at baseUrl.
func NewClient(baseUrl string, token string, timeout time.Duration) *Client {
	return &Client{
		baseUrl: baseUrl,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// tripResponse is the wire shape of the timetable service's trip lookup.
type tripResponse struct {
	TripId         string             `json:"trip_id"`
	Headsign       *string            `json:"headsign"`
	CompanyId      *string            `json:"company_id"`
	PhysicalModeId *string            `json:"physical_mode_id"`
	StopTimes      []stopTimeResponse `json:"stop_times"`
}

type stopTimeResponse struct {
	StopId           string  `json:"stop_id"`
	UtcArrivalTime   *string `json:"utc_arrival_time"`
	UtcDepartureTime *string `json:"utc_departure_time"`
	Timezone         string  `json:"timezone"`
}

// GetTrip retrieves the base trip with tripId circulating inside [since, until].
// Returns *ErrTripNotFound when the service answers 404.
func (c *Client) GetTrip(tripId string, since time.Time, until time.Time) (*Trip, error) {
	q := make(url.Values)
	q.Set("since", since.Format(time.RFC3339))
	q.Set("until", until.Format(time.RFC3339))
	requestUrl := fmt.Sprintf("%s/trips/%s?%s", c.baseUrl, url.PathEscape(tripId), q.Encode())

	req, err := http.NewRequest(http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("building timetable request: %w", err)
	}
	if len(c.token) > 0 {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting base trip %s: %w", tripId, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrTripNotFound{TripId: tripId}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timetable service returned status %d for trip %s", resp.StatusCode, tripId)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading timetable response: %w", err)
	}

	var wire tripResponse
	if err = json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing timetable response for trip %s: %w", tripId, err)
	}
	return buildTrip(&wire)
}

func buildTrip(wire *tripResponse) (*Trip, error) {
	trip := Trip{
		TripId:         wire.TripId,
		Headsign:       wire.Headsign,
		CompanyId:      wire.CompanyId,
		PhysicalModeId: wire.PhysicalModeId,
	}
	for _, st := range wire.StopTimes {
		stopTime := StopTime{
			StopId:   st.StopId,
			Timezone: st.Timezone,
		}
		var err error
		stopTime.ArrivalSeconds, err = parseTimeOfDay(st.UtcArrivalTime)
		if err != nil {
			return nil, fmt.Errorf("stop %s of trip %s: %w", st.StopId, wire.TripId, err)
		}
		stopTime.DepartureSeconds, err = parseTimeOfDay(st.UtcDepartureTime)
		if err != nil {
			return nil, fmt.Errorf("stop %s of trip %s: %w", st.StopId, wire.TripId, err)
		}
		trip.StopTimes = append(trip.StopTimes, stopTime)
	}
	return &trip, nil
}

// parseTimeOfDay converts "HH:MM:SS" to seconds from midnight, nil stays nil.
func parseTimeOfDay(value *string) (*int, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	var hours, minutes, seconds int
	if _, err := fmt.Sscanf(*value, "%d:%d:%d", &hours, &minutes, &seconds); err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", *value, err)
	}
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 || seconds < 0 || seconds > 59 {
		return nil, fmt.Errorf("invalid time of day %q", *value)
	}
	total := hours*3600 + minutes*60 + seconds
	return &total, nil
}
