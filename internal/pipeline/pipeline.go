// Package pipeline runs the fetch → publish sequence for one location.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwx/weather-collector/internal/retry"
	"github.com/cloudwx/weather-collector/internal/weather"
)

// Publisher is the storage side of the pipeline. *storage.Publisher satisfies
// it; tests use fakes.
type Publisher interface {
	Publish(ctx context.Context, rec weather.Record, runID string) (string, error)
}

// Collector wires providers, publisher and retry policy into a single-record
// ingestion pipeline. Each Collect call is independent; no state survives a
// run.
type Collector struct {
	providers []weather.Provider
	publisher Publisher
	policy    retry.Policy
}

func NewCollector(providers []weather.Provider, publisher Publisher, policy retry.Policy) *Collector {
	return &Collector{
		providers: providers,
		publisher: publisher,
		policy:    policy,
	}
}

// Collect fetches one observation for the location and publishes it, returning
// the storage key. Any fetch failure aborts before a write is attempted; a
// publish failure discards the fetched record. Transient failures on either
// side are retried per the policy; the backoff sleeps honor ctx, so a
// cancelled run never performs a partial write.
func (c *Collector) Collect(ctx context.Context, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("location must not be empty")
	}
	runID := uuid.NewString()

	rec, err := c.fetch(ctx, location, runID)
	if err != nil {
		return "", err
	}

	var key string
	err = c.withRetry(ctx, func() error {
		var pubErr error
		key, pubErr = c.publisher.Publish(ctx, rec, runID)
		return pubErr
	})
	if err != nil {
		// The record is discarded here; there is no durable retry queue.
		return "", err
	}

	log.Printf("pipeline: run %s stored %s", runID, key)
	return key, nil
}

// fetch walks the provider chain. NotFound stops the chain immediately since
// every provider is asked the same question; any other terminal failure moves
// on to the next provider.
func (c *Collector) fetch(ctx context.Context, location, runID string) (weather.Record, error) {
	if len(c.providers) == 0 {
		return weather.Record{}, fmt.Errorf("no weather providers configured")
	}

	var lastErr error
	for _, p := range c.providers {
		var rec weather.Record
		err := c.withRetry(ctx, func() error {
			var fetchErr error
			rec, fetchErr = p.Fetch(ctx, location)
			return fetchErr
		})
		if err == nil {
			if verr := rec.Validate(); verr != nil {
				return weather.Record{}, &weather.MalformedResponseError{Err: verr}
			}
			return rec, nil
		}

		var nf *weather.NotFoundError
		if errors.As(err, &nf) {
			return weather.Record{}, err
		}

		log.Printf("pipeline: run %s provider %s failed for %s: %v", runID, p.Name(), location, err)
		lastErr = err
	}
	return weather.Record{}, lastErr
}

// withRetry repeats op per the retry policy, sleeping between attempts unless
// the context is cancelled first.
func (c *Collector) withRetry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		delay, again := c.policy.Decide(err, attempt)
		if !again {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
