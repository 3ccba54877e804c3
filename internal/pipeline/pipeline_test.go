package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudwx/weather-collector/internal/retry"
	"github.com/cloudwx/weather-collector/internal/weather"
)

// fakeProvider returns queued results in order, repeating the last one.
type fakeProvider struct {
	name    string
	results []fetchResult
	calls   int
}

type fetchResult struct {
	rec weather.Record
	err error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Fetch(ctx context.Context, location string) (weather.Record, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.rec, r.err
}

type fakePublisher struct {
	calls int
	err   error
	last  weather.Record
}

func (f *fakePublisher) Publish(ctx context.Context, rec weather.Record, runID string) (string, error) {
	f.calls++
	f.last = rec
	if f.err != nil {
		return "", f.err
	}
	return rec.Location + "/key.json", nil
}

func validRecord() weather.Record {
	return weather.Record{
		Location:     "Austin",
		ObservedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		TemperatureC: 21.5,
		HumidityPct:  60,
		Condition:    "Clear",
		Raw:          json.RawMessage(`{}`),
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestCollectHappyPath(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{{rec: validRecord()}}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	key, err := c.Collect(context.Background(), "Austin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "Austin/key.json" {
		t.Fatalf("key = %q", key)
	}
	if pub.calls != 1 {
		t.Fatalf("publisher called %d times, want 1", pub.calls)
	}
}

func TestFetchErrorAbortsBeforeWrite(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{
		{err: &weather.MalformedResponseError{Field: "temp", Err: errors.New("missing")}},
	}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	_, err := c.Collect(context.Background(), "Austin")
	var mr *weather.MalformedResponseError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("publisher called %d times after fetch failure, want 0", pub.calls)
	}
}

func TestPublishErrorDiscardsRecord(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{{rec: validRecord()}}}
	pub := &fakePublisher{err: &weather.WriteConflictError{Key: "k"}}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	_, err := c.Collect(context.Background(), "Austin")
	var wc *weather.WriteConflictError
	if !errors.As(err, &wc) {
		t.Fatalf("expected WriteConflictError, got %v", err)
	}
	// Conflict is not retryable; one attempt only.
	if pub.calls != 1 {
		t.Fatalf("publisher called %d times, want 1", pub.calls)
	}
}

func TestTransientFetchIsRetried(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{
		{err: &weather.TransientServiceError{Op: "fetch", Err: errors.New("503")}},
		{rec: validRecord()},
	}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	if _, err := c.Collect(context.Background(), "Austin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.calls != 2 {
		t.Fatalf("provider called %d times, want 2", prov.calls)
	}
}

func TestTransientPublishIsRetriedThenGivesUp(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{{rec: validRecord()}}}
	pub := &fakePublisher{err: &weather.StorageUnavailableError{Op: "put", Err: errors.New("denied")}}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	_, err := c.Collect(context.Background(), "Austin")
	var su *weather.StorageUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected StorageUnavailableError, got %v", err)
	}
	// Initial attempt plus MaxRetries.
	if pub.calls != 3 {
		t.Fatalf("publisher called %d times, want 3", pub.calls)
	}
}

func TestFallbackChain(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: []fetchResult{
		{err: &weather.TransientServiceError{Op: "fetch", Err: errors.New("down")}},
	}}
	secondary := &fakeProvider{name: "secondary", results: []fetchResult{{rec: validRecord()}}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{primary, secondary}, pub, fastPolicy())

	if _, err := c.Collect(context.Background(), "Austin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 3 {
		t.Fatalf("primary called %d times, want 3", primary.calls)
	}
	if secondary.calls != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.calls)
	}
}

func TestNotFoundStopsFallbackChain(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: []fetchResult{
		{err: &weather.NotFoundError{Location: "Atlantis"}},
	}}
	secondary := &fakeProvider{name: "secondary", results: []fetchResult{{rec: validRecord()}}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{primary, secondary}, pub, fastPolicy())

	_, err := c.Collect(context.Background(), "Atlantis")
	var nf *weather.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary called %d times for an unknown location, want 0", secondary.calls)
	}
	if pub.calls != 0 {
		t.Fatalf("publisher called %d times, want 0", pub.calls)
	}
}

func TestInvalidFetchedRecordIsRejected(t *testing.T) {
	bad := validRecord()
	bad.HumidityPct = 140
	prov := &fakeProvider{name: "primary", results: []fetchResult{{rec: bad}}}
	pub := &fakePublisher{}
	c := NewCollector([]weather.Provider{prov}, pub, fastPolicy())

	_, err := c.Collect(context.Background(), "Austin")
	var mr *weather.MalformedResponseError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("publisher called %d times for invalid record, want 0", pub.calls)
	}
}

func TestEmptyLocationRejected(t *testing.T) {
	c := NewCollector(nil, &fakePublisher{}, fastPolicy())
	if _, err := c.Collect(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty location, got nil")
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	prov := &fakeProvider{name: "primary", results: []fetchResult{
		{err: &weather.TransientServiceError{Op: "fetch", Err: errors.New("503")}},
	}}
	pub := &fakePublisher{}
	policy := retry.Policy{MaxRetries: 5, InitialInterval: time.Hour, MaxInterval: time.Hour}
	c := NewCollector([]weather.Provider{prov}, pub, policy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Collect(ctx, "Austin")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("publisher called %d times on cancelled run, want 0", pub.calls)
	}
}
