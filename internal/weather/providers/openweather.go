package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// OpenWeatherProvider implements the weather.Provider interface for
// OpenWeatherMap's current-weather endpoint.
type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherProvider(client *http.Client, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/2.5/weather",
		client:  client,
		circuit: newBreaker("openweather"),
	}
}

// WithBaseURL points the provider at a different endpoint. Used by tests.
func (p *OpenWeatherProvider) WithBaseURL(u string) *OpenWeatherProvider {
	p.baseURL = u
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

func (p *OpenWeatherProvider) Fetch(ctx context.Context, location string) (weather.Record, error) {
	if p.apiKey == "" {
		return weather.Record{}, fmt.Errorf("openweather api key is not configured")
	}
	if location == "" {
		return weather.Record{}, fmt.Errorf("location must not be empty")
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("q", location)
		values.Set("appid", p.apiKey)
		values.Set("units", "metric")

		return http.NewRequest(http.MethodGet, fmt.Sprintf("%s?%s", p.baseURL, values.Encode()), nil)
	}

	body, err := doRequest(ctx, p.client, p.circuit, buildRequest, location)
	if err != nil {
		return weather.Record{}, err
	}

	return parseObservation(location, body, time.Now().UTC())
}

// observationPayload tolerates the two shapes OpenWeather-style responses come
// in: the live API nests readings under "main"/"weather[]" with an epoch "dt",
// while some proxies flatten them to top-level fields with an RFC 3339 "dt".
// The schema is provider-defined, so both are accepted and everything else is
// rejected.
type observationPayload struct {
	Dt   json.RawMessage `json:"dt"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Temp     *float64        `json:"temp"`
	Humidity *float64        `json:"humidity"`
	Weather  json.RawMessage `json:"weather"`
}

func parseObservation(location string, body []byte, now time.Time) (weather.Record, error) {
	var payload observationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return weather.Record{}, &weather.MalformedResponseError{Err: err}
	}

	temp := payload.Main.Temp
	if temp == nil {
		temp = payload.Temp
	}
	if temp == nil {
		return weather.Record{}, &weather.MalformedResponseError{
			Field: "temp",
			Err:   fmt.Errorf("required field is missing"),
		}
	}

	humidity := payload.Main.Humidity
	if humidity == nil {
		humidity = payload.Humidity
	}
	if humidity == nil {
		return weather.Record{}, &weather.MalformedResponseError{
			Field: "humidity",
			Err:   fmt.Errorf("required field is missing"),
		}
	}

	ts, err := parseObservedAt(payload.Dt, now)
	if err != nil {
		return weather.Record{}, err
	}
	if err := checkObservedAt(ts, now); err != nil {
		return weather.Record{}, err
	}

	rec := weather.Record{
		Location:     location,
		ObservedAt:   ts,
		TemperatureC: *temp,
		HumidityPct:  *humidity,
		Condition:    parseCondition(payload.Weather),
		Raw:          json.RawMessage(body),
	}
	if err := rec.Validate(); err != nil {
		return weather.Record{}, &weather.MalformedResponseError{Err: err}
	}
	return rec, nil
}

// parseObservedAt accepts "dt" as epoch seconds or an RFC 3339 string. A
// missing timestamp falls back to fetch time rather than failing the record.
func parseObservedAt(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}

	if epoch, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, &weather.MalformedResponseError{
			Field: "dt",
			Err:   fmt.Errorf("neither epoch seconds nor string: %s", raw),
		}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &weather.MalformedResponseError{Field: "dt", Err: err}
	}
	return ts.UTC(), nil
}

// parseCondition accepts the live API's weather array or a flat string.
func parseCondition(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var items []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		if items[0].Description != "" {
			return items[0].Description
		}
		return items[0].Main
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
