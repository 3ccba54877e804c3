package weather

import (
	"context"
)

// Provider abstracts a weather data source (e.g. OpenWeatherMap, WeatherAPI).
// Fetch performs exactly one request; it never retries internally, so retry
// policy stays with the caller.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, location string) (Record, error)
}
