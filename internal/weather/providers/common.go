package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// maxFutureSkew bounds how far ahead of wall clock an observation timestamp may
// sit before the response is treated as malformed.
const maxFutureSkew = 10 * time.Minute

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// doRequest executes one HTTP request through the provider's circuit breaker
// and maps the outcome onto the error taxonomy: 404 is NotFoundError, 429 and
// 5xx and transport failures are TransientServiceError, any other non-2xx
// status is MalformedResponseError. On success it returns the full body.
func doRequest(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
	location string,
) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, &weather.TransientServiceError{Op: "fetch " + location, Err: execErr}
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, &weather.TransientServiceError{Op: "fetch " + location, Err: readErr}
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, &weather.NotFoundError{Location: location}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &weather.TransientServiceError{
				Op:  "fetch " + location,
				Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)),
			}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &weather.MalformedResponseError{
				Err: &statusError{Code: resp.StatusCode, Body: body},
			}
		}
		return body, nil
	})
	if err != nil {
		// An open breaker means the provider has been failing; surface it as
		// transient so the caller's retry policy applies.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &weather.TransientServiceError{Op: "fetch " + location, Err: err}
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}

// statusError preserves the status and body of a rejected response so
// providers can recognize provider-specific error envelopes.
type statusError struct {
	Code int
	Body []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, truncate(e.Body, 200))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// checkObservedAt guards against provider clocks running ahead of ours.
func checkObservedAt(ts, now time.Time) error {
	if ts.After(now.Add(maxFutureSkew)) {
		return &weather.MalformedResponseError{
			Field: "dt",
			Err:   fmt.Errorf("observation time %s is in the future", ts.Format(time.RFC3339)),
		}
	}
	return nil
}
