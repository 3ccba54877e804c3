package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwx/weather-collector/internal/weather"
)

func newWeatherAPITestProvider(t *testing.T, handler http.HandlerFunc) *WeatherAPIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewWeatherAPIProvider(srv.Client(), "test-key").WithBaseURL(srv.URL)
}

func TestWeatherAPIFetch(t *testing.T) {
	p := newWeatherAPITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Austin" {
			t.Errorf("query location = %q, want Austin", got)
		}
		w.Write([]byte(`{
			"location": {"name": "Austin", "country": "United States of America"},
			"current": {
				"temp_c": 21.5,
				"humidity": 60,
				"last_updated_epoch": 1709294400,
				"condition": {"text": "Clear"}
			}
		}`))
	})

	rec, err := p.Fetch(context.Background(), "Austin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Location != "Austin" {
		t.Errorf("location = %q, want Austin", rec.Location)
	}
	if rec.TemperatureC != 21.5 {
		t.Errorf("temperature = %v, want 21.5", rec.TemperatureC)
	}
	if rec.Condition != "Clear" {
		t.Errorf("condition = %q, want Clear", rec.Condition)
	}
	want := time.Unix(1709294400, 0).UTC()
	if !rec.ObservedAt.Equal(want) {
		t.Errorf("observed at = %v, want %v", rec.ObservedAt, want)
	}
}

func TestWeatherAPINoMatchingLocation(t *testing.T) {
	p := newWeatherAPITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": 1006, "message": "No matching location found."}}`))
	})

	_, err := p.Fetch(context.Background(), "Atlantis")
	var nf *weather.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestWeatherAPIOtherBadRequest(t *testing.T) {
	p := newWeatherAPITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": 1005, "message": "API request url is invalid"}}`))
	})

	_, err := p.Fetch(context.Background(), "Austin")
	var mr *weather.MalformedResponseError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestWeatherAPIMissingTemperature(t *testing.T) {
	p := newWeatherAPITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"current": {"humidity": 60}}`))
	})

	_, err := p.Fetch(context.Background(), "Austin")
	var mr *weather.MalformedResponseError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}
