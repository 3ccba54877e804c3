package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// WeatherAPIProvider implements the weather.Provider interface for
// WeatherAPI.com. In the collector it serves as a fallback behind OpenWeather.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIProvider(client *http.Client, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1/current.json",
		client:  client,
		circuit: newBreaker("weatherapi"),
	}
}

// WithBaseURL points the provider at a different endpoint. Used by tests.
func (p *WeatherAPIProvider) WithBaseURL(u string) *WeatherAPIProvider {
	p.baseURL = u
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

func (p *WeatherAPIProvider) Fetch(ctx context.Context, location string) (weather.Record, error) {
	if p.apiKey == "" {
		return weather.Record{}, fmt.Errorf("weatherapi api key is not configured")
	}
	if location == "" {
		return weather.Record{}, fmt.Errorf("location must not be empty")
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("key", p.apiKey)
		values.Set("q", location)

		return http.NewRequest(http.MethodGet, fmt.Sprintf("%s?%s", p.baseURL, values.Encode()), nil)
	}

	body, err := doRequest(ctx, p.client, p.circuit, buildRequest, location)
	if err != nil {
		// WeatherAPI signals an unknown location with HTTP 400 and error code
		// 1006 instead of a 404.
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusBadRequest && isNoMatchingLocation(se.Body) {
			return weather.Record{}, &weather.NotFoundError{Location: location}
		}
		return weather.Record{}, err
	}

	var payload struct {
		Current struct {
			TempC            *float64 `json:"temp_c"`
			Humidity         *float64 `json:"humidity"`
			LastUpdatedEpoch int64    `json:"last_updated_epoch"`
			Condition        struct {
				Text string `json:"text"`
			} `json:"condition"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return weather.Record{}, &weather.MalformedResponseError{Err: err}
	}

	if payload.Current.TempC == nil {
		return weather.Record{}, &weather.MalformedResponseError{
			Field: "current.temp_c",
			Err:   fmt.Errorf("required field is missing"),
		}
	}
	if payload.Current.Humidity == nil {
		return weather.Record{}, &weather.MalformedResponseError{
			Field: "current.humidity",
			Err:   fmt.Errorf("required field is missing"),
		}
	}

	now := time.Now().UTC()
	ts := now
	if payload.Current.LastUpdatedEpoch > 0 {
		ts = time.Unix(payload.Current.LastUpdatedEpoch, 0).UTC()
	}
	if err := checkObservedAt(ts, now); err != nil {
		return weather.Record{}, err
	}

	rec := weather.Record{
		Location:     location,
		ObservedAt:   ts,
		TemperatureC: *payload.Current.TempC,
		HumidityPct:  *payload.Current.Humidity,
		Condition:    payload.Current.Condition.Text,
		Raw:          json.RawMessage(body),
	}
	if err := rec.Validate(); err != nil {
		return weather.Record{}, &weather.MalformedResponseError{Err: err}
	}
	return rec, nil
}

func isNoMatchingLocation(body []byte) bool {
	var apiErr struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return false
	}
	return apiErr.Error.Code == 1006
}
