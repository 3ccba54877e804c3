package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/cloudwx/weather-collector/internal/pipeline"
	"github.com/cloudwx/weather-collector/internal/weather"
)

// RunStatus records the outcome of the most recent collection for a location.
type RunStatus struct {
	Location  string    `json:"location"`
	RunAt     time.Time `json:"run_at"`
	Key       string    `json:"key,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Stage     string    `json:"stage,omitempty"`
}

// Tracker keeps the last run outcome per location for the status endpoint.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]RunStatus
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]RunStatus)}
}

func (t *Tracker) Record(status RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[status.Location] = status
}

// Snapshot returns the latest outcome per location, ordered by location.
func (t *Tracker) Snapshot() []RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunStatus, 0, len(t.runs))
	for _, s := range t.runs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Scheduler periodically collects weather data for configured locations.
type Scheduler struct {
	scheduler *gocron.Scheduler
	collector *pipeline.Collector
	tracker   *Tracker
	locations []string
	interval  time.Duration
	timeout   time.Duration
}

// New creates a Scheduler. timeout bounds each per-location collection run.
func New(locations []string, interval, timeout time.Duration, collector *pipeline.Collector, tracker *Tracker) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		collector: collector,
		tracker:   tracker,
		locations: locations,
		interval:  interval,
		timeout:   timeout,
	}
}

// Start schedules the periodic job and starts the underlying scheduler. The
// first run fires immediately.
func (s *Scheduler) Start() error {
	if len(s.locations) == 0 {
		log.Println("scheduler: no locations configured; nothing to schedule")
		return nil
	}

	seconds := int(s.interval.Seconds())
	if seconds <= 0 {
		seconds = int((15 * time.Minute).Seconds())
	}

	_, err := s.scheduler.Every(seconds).Seconds().StartImmediately().Do(s.runAll)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) runAll() {
	log.Println("scheduler: running collection job")

	var wg sync.WaitGroup
	for _, loc := range s.locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()

			status := RunStatus{Location: loc, RunAt: time.Now().UTC()}
			key, err := s.collector.Collect(ctx, loc)
			if err != nil {
				log.Printf("scheduler: collect failed for %s: %v", loc, err)
				status.Error = err.Error()
				status.ErrorKind = weather.Kind(err)
				status.Stage = weather.Stage(err)
			} else {
				status.Key = key
			}
			s.tracker.Record(status)
		}()
	}
	wg.Wait()
	log.Println("scheduler: completed collection job")
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
