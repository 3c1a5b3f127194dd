package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/concurrency"
)

// ScrapeObserver is told about every scrape attempt.
type ScrapeObserver interface {
	ScrapeFinished(target string, duration time.Duration, err error)
}

type Options struct {
	Timeout       time.Duration // upper bound on a scrape, further capped by the target's interval
	Retention     time.Duration // zero keeps samples forever
	PruneInterval time.Duration
	PruneRetry    time.Duration // cap on the backoff between failed prunes
}

// TargetStatus is the outcome of the most recent scrape of a target.
type TargetStatus struct {
	*api.MetricsTarget
	URL        string    `json:"url"`
	Health     string    `json:"health"` // unknown, up, or down
	LastScrape time.Time `json:"lastScrape,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Samples    int       `json:"samples"`
}

// Aggregator scrapes a static list of targets, each on its own schedule, and persists the results.
type Aggregator struct {
	targets  []*api.MetricsTarget
	store    *Store
	client   *http.Client
	observer ScrapeObserver
	opts     Options
	log      zerolog.Logger

	lock   sync.Mutex
	status map[string]*TargetStatus
}

func NewAggregator(targets []*api.MetricsTarget, store *Store, observer ScrapeObserver, opts Options, log zerolog.Logger) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second * 10
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	if opts.PruneRetry <= 0 {
		opts.PruneRetry = time.Minute
	}

	a := &Aggregator{
		targets:  targets,
		store:    store,
		client:   &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		observer: observer,
		opts:     opts,
		log:      log.With().Str("component", "aggregator").Logger(),
		status:   map[string]*TargetStatus{},
	}
	for _, target := range targets {
		a.status[target.Workload] = &TargetStatus{MetricsTarget: target, URL: target.URL(), Health: "unknown"}
	}
	return a
}

// Run scrapes every target on its interval until ctx is done, then returns once in-flight scrapes have finished.
// Missed intervals are not backfilled.
func (a *Aggregator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, target := range a.targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			concurrency.RunLoop(ctx, nil, target.Interval, 0, func(ctx context.Context) bool {
				a.scrape(ctx, target)
				return true
			})
		}()
	}

	if a.opts.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			concurrency.RunLoop(ctx, nil, a.opts.PruneInterval, a.opts.PruneRetry, a.prune)
		}()
	}

	wg.Wait()
}

// ScrapeOnce scrapes every target concurrently and returns when all of them are done.
func (a *Aggregator) ScrapeOnce(ctx context.Context) {
	g := errgroup.Group{}
	for _, target := range a.targets {
		target := target
		g.Go(func() error {
			a.scrape(ctx, target)
			return nil
		})
	}
	g.Wait()
}

// Targets returns the status of every target, ordered by workload.
func (a *Aggregator) Targets() []*TargetStatus {
	a.lock.Lock()
	defer a.lock.Unlock()

	list := make([]*TargetStatus, 0, len(a.status))
	for _, s := range a.status {
		snapshot := *s
		list = append(list, &snapshot)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Workload < list[j].Workload })
	return list
}

func (a *Aggregator) scrape(ctx context.Context, target *api.MetricsTarget) {
	logger := a.log.With().Str("target", target.Workload).Logger()
	start := time.Now()

	n, err := a.fetch(ctx, target, start)
	if a.observer != nil {
		a.observer.ScrapeFinished(target.Workload, time.Since(start), err)
	}
	a.setStatus(target.Workload, start, n, err)

	if err == nil {
		logger.Trace().Int("samples", n).Dur("latency", time.Since(start)).Msg("scraped target")
		return
	}
	if ctx.Err() != nil {
		return // shutting down, not a gap
	}

	// expected while an instance is being replaced
	logger.Warn().Err(err).Msg("scrape failed, recording gap")
	if err := a.store.RecordGap(context.WithoutCancel(ctx), target.Workload, start, err.Error()); err != nil {
		logger.Error().Err(err).Msg("unable to record gap")
	}
}

func (a *Aggregator) fetch(ctx context.Context, target *api.MetricsTarget, now time.Time) (int, error) {
	timeout := a.opts.Timeout
	if target.Interval > 0 && target.Interval < timeout {
		timeout = target.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/plain;version=0.0.4")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	samples, err := parseExposition(resp.Body, now)
	if err != nil {
		return 0, err
	}
	if err := a.store.Append(ctx, target.Workload, samples); err != nil {
		return 0, fmt.Errorf("storing samples: %w", err)
	}
	return len(samples), nil
}

func (a *Aggregator) setStatus(workload string, at time.Time, samples int, err error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	s := a.status[workload]
	s.LastScrape = at
	s.Samples = samples
	if err != nil {
		s.Health = "down"
		s.LastError = err.Error()
		return
	}
	s.Health = "up"
	s.LastError = ""
}

// prune reports false when the store could not be pruned so the caller retries before the next interval.
func (a *Aggregator) prune(ctx context.Context) bool {
	n, err := a.store.Prune(ctx, time.Now().Add(-a.opts.Retention))
	if err != nil {
		a.log.Error().Err(err).Msg("unable to prune expired samples")
		return false
	}
	if n > 0 {
		a.log.Info().Int64("rows", n).Msg("pruned expired samples")
	}
	return true
}
