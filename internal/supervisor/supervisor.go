package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/concurrency"
	"github.com/jveski/warden/internal/lifecycle"
	"github.com/jveski/warden/internal/registry"
	"github.com/jveski/warden/internal/runtime"
)

var (
	ErrReplacementInFlight = errors.New("a replacement is already in flight")
	ErrNotWatched          = errors.New("workload is not in the watch-set")
	ErrStoppedByOperator   = errors.New("workload was stopped by the operator")
	ErrAlreadyRunning      = errors.New("workload is already running")
	ErrShuttingDown        = errors.New("supervisor is shutting down")
)

type Outcome string

const (
	OutcomeUpToDate Outcome = "up-to-date"
	OutcomeReplaced Outcome = "replaced"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// Result describes one poll of one workload.
type Result struct {
	Workload string        `json:"workload"`
	From     digest.Digest `json:"from,omitempty"`
	To       digest.Digest `json:"to,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
}

type Options struct {
	Watch        []string
	PollInterval time.Duration
	GracePeriod  time.Duration
	ReadyTimeout time.Duration
	PullTimeout  time.Duration
}

// Observer is told about the outcome of every poll.
type Observer interface {
	ReplacementFinished(workload string, outcome Outcome)
	RegistryPollFailed(workload string)
}

// Supervisor keeps the watched workloads running the latest published version of their image.
type Supervisor struct {
	specs    []*api.WorkloadSpec
	byName   map[string]*api.WorkloadSpec
	watch    []string
	runtime  runtime.Runtime
	manager  *lifecycle.Manager
	resolver registry.Resolver
	observer Observer
	opts     Options
	log      zerolog.Logger

	locks    concurrency.KeyedLock
	trigger  chan struct{}

	closeLock sync.Mutex
	closed    bool
	inflight  sync.WaitGroup

	heldLock sync.Mutex
	held     map[string]bool // stopped by the operator, left alone until started again
}

// New builds a supervisor for a validated workload set. The specs and watch-set are fixed for its lifetime.
func New(specs []*api.WorkloadSpec, rt runtime.Runtime, manager *lifecycle.Manager, resolver registry.Resolver, observer Observer, opts Options, log zerolog.Logger) *Supervisor {
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Supervisor{
		specs:    specs,
		byName:   map[string]*api.WorkloadSpec{},
		watch:    opts.Watch,
		runtime:  rt,
		manager:  manager,
		resolver: resolver,
		observer: observer,
		opts:     opts,
		log:      log.With().Str("component", "supervisor").Logger(),
		trigger:  make(chan struct{}, 1),
		held:     map[string]bool{},
	}
	for _, spec := range specs {
		s.byName[spec.Name] = spec
	}
	return s
}

// BringUp starts every workload. A running container left behind by a previous daemon whose spec hash matches is
// adopted rather than replaced; other stale warden containers of the workload are removed first.
// The failure of one workload is logged and does not prevent the others from coming up.
func (s *Supervisor) BringUp(ctx context.Context) error {
	existing, err := s.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("listing existing containers: %w", err)
	}
	byWorkload := map[string][]*runtime.ContainerState{}
	for _, c := range existing {
		byWorkload[c.Workload] = append(byWorkload[c.Workload], c)
	}

	var (
		lock sync.Mutex
		errs []error
	)
	g := errgroup.Group{}
	for _, spec := range s.specs {
		spec := spec
		g.Go(func() error {
			if err := s.bringUp(ctx, spec, byWorkload[spec.Name]); err != nil {
				s.log.Error().Err(err).Str("workload", spec.Name).Msg("bring-up failed")
				lock.Lock()
				errs = append(errs, err)
				lock.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) bringUp(ctx context.Context, spec *api.WorkloadSpec, existing []*runtime.ContainerState) error {
	unlock, ok := s.locks.TryLock(spec.Name)
	if !ok {
		return ErrReplacementInFlight
	}
	defer unlock()
	logger := s.log.With().Str("workload", spec.Name).Logger()

	hash := spec.Hash()
	var adopted *runtime.ContainerState
	for _, c := range existing {
		if adopted == nil && c.Running && c.Hash == hash {
			adopted = c
			continue
		}
		logger.Info().Str("container", c.ID).Msg("removing stale container")
		if err := s.runtime.Remove(ctx, c.ID); err != nil {
			return fmt.Errorf("removing stale container: %w", err)
		}
	}
	if adopted != nil {
		s.manager.Adopt(spec, adopted)
		return nil
	}
	return s.launch(ctx, spec)
}

// launch pulls the configured (or tracked) version of the image and starts an instance from it.
func (s *Supervisor) launch(ctx context.Context, spec *api.WorkloadSpec) error {
	ref := spec.Image
	if spec.Track != "" {
		v, err := s.resolver.Resolve(ctx, spec.Image, spec.Track)
		if err != nil {
			return fmt.Errorf("resolving tracked version: %w", err)
		}
		ref = ref.WithTag(v.Tag)
	}

	d, err := s.pull(ctx, ref)
	if err != nil {
		return err
	}
	return s.start(ctx, spec, d)
}

// Check polls the registry once for the named workload and replaces its instance when the published digest differs
// from the running one. At most one check per workload runs at a time: a concurrent call returns a skipped result
// and ErrReplacementInFlight. A failed registry query is skipped, never fatal.
func (s *Supervisor) Check(ctx context.Context, name string) (*Result, error) {
	result := &Result{Workload: name, Outcome: OutcomeSkipped}

	spec, ok := s.byName[name]
	if !ok {
		return result, fmt.Errorf("%w %q", lifecycle.ErrUnknownWorkload, name)
	}
	if !s.watched(name) {
		return result, fmt.Errorf("%w: %q", ErrNotWatched, name)
	}

	unlock, ok := s.locks.TryLock(name)
	if !ok {
		result.Reason = ErrReplacementInFlight.Error()
		return result, ErrReplacementInFlight
	}
	defer unlock()

	if !s.begin() {
		result.Reason = ErrShuttingDown.Error()
		return result, ErrShuttingDown
	}
	defer s.inflight.Done()

	if s.isHeld(name) {
		result.Reason = ErrStoppedByOperator.Error()
		return result, nil
	}

	logger := s.log.With().Str("workload", name).Logger()

	current, _ := s.manager.Current(name)
	if current != nil && current.Defunct() {
		// nothing is left to stop, so the next version is simply launched
		logger.Warn().Str("reason", current.State().Reason).Msg("workload has no container, bringing it up")
		current = nil
	}
	if current != nil {
		result.From = current.Digest
	}

	v, err := s.resolver.Resolve(ctx, spec.Image, spec.Track)
	if err != nil {
		s.observer.RegistryPollFailed(name)
		s.observer.ReplacementFinished(name, OutcomeSkipped)
		result.Reason = err.Error()
		logger.Warn().Err(err).Msg("registry poll failed, retrying next interval")
		return result, nil
	}
	result.To = v.Digest

	if current != nil && current.Digest == v.Digest {
		result.Outcome = OutcomeUpToDate
		s.observer.ReplacementFinished(name, OutcomeUpToDate)
		logger.Debug().Str("digest", v.Digest.String()).Msg("up to date")
		return result, nil
	}

	// shutdown must never interrupt a replacement half way, so it runs detached with its own bound
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PullTimeout+s.opts.GracePeriod+s.opts.ReadyTimeout)
	defer cancel()

	logger.Info().Str("from", result.From.String()).Str("to", v.Digest.String()).Msg("new version published, replacing instance")
	if err := s.replace(rctx, spec, current, v, result); err != nil {
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		s.observer.ReplacementFinished(name, OutcomeFailed)
		logger.Error().Err(err).Msg("replacement failed, not rolling back")
		return result, nil
	}

	result.Outcome = OutcomeReplaced
	s.observer.ReplacementFinished(name, OutcomeReplaced)
	logger.Info().Str("digest", result.To.String()).Msg("replacement succeeded")
	return result, nil
}

// replace pulls the new image, stops the current instance, starts a new one from the exact same spec, and waits
// for it to become Running.
func (s *Supervisor) replace(ctx context.Context, spec *api.WorkloadSpec, current *lifecycle.Instance, v *registry.Version, result *Result) error {
	ref := spec.Image
	if v.Tag != "" {
		ref = ref.WithTag(v.Tag)
	}

	d, err := s.pull(ctx, ref)
	if err != nil {
		return err
	}
	if d != v.Digest {
		s.log.Debug().Str("workload", spec.Name).Str("registry", v.Digest.String()).Str("pulled", d.String()).Msg("tag moved during pull")
	}
	result.To = d

	if current != nil {
		if err := s.manager.Stop(ctx, current, s.opts.GracePeriod, lifecycle.IntentReplace); err != nil {
			return err
		}
	}
	return s.start(ctx, spec, d)
}

func (s *Supervisor) pull(ctx context.Context, ref api.ImageRef) (digest.Digest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PullTimeout)
	defer cancel()

	d, err := s.runtime.Pull(ctx, ref.String())
	if err != nil {
		return "", fmt.Errorf("pulling %s: %w", ref, err)
	}
	return d, nil
}

func (s *Supervisor) start(ctx context.Context, spec *api.WorkloadSpec, d digest.Digest) error {
	inst, err := s.manager.Start(ctx, spec, spec.Image.Pinned(d), d)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	if err := inst.WaitRunning(ctx); err != nil {
		return fmt.Errorf("new instance did not reach Running: %w", err)
	}
	return nil
}

// Stop deliberately stops the workload's instance on behalf of the operator. The workload is not restarted, polled,
// or replaced until Start is called.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("%w %q", lifecycle.ErrUnknownWorkload, name)
	}
	unlock, ok := s.locks.TryLock(name)
	if !ok {
		return ErrReplacementInFlight
	}
	defer unlock()

	if !s.begin() {
		return ErrShuttingDown
	}
	defer s.inflight.Done()

	s.setHeld(name, true)
	current, ok := s.manager.Current(name)
	if !ok {
		return nil
	}
	s.log.Info().Str("workload", name).Msg("stopping workload for the operator")
	return s.manager.Stop(ctx, current, s.opts.GracePeriod, lifecycle.IntentOperator)
}

// Start brings a workload back after Stop, or after its instance failed. A workload that is already Starting or
// Running is left alone.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	spec, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w %q", lifecycle.ErrUnknownWorkload, name)
	}
	unlock, ok := s.locks.TryLock(name)
	if !ok {
		return ErrReplacementInFlight
	}
	defer unlock()

	if !s.begin() {
		return ErrShuttingDown
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PullTimeout+s.opts.GracePeriod+s.opts.ReadyTimeout)
	defer cancel()

	if current, ok := s.manager.Current(name); ok {
		switch status := current.Status(); status {
		case lifecycle.StatusStarting, lifecycle.StatusRunning:
			s.setHeld(name, false)
			return fmt.Errorf("%w: %q is %s", ErrAlreadyRunning, name, status)
		case lifecycle.StatusFailed:
			if err := s.manager.Stop(ctx, current, s.opts.GracePeriod, lifecycle.IntentOperator); err != nil {
				return err
			}
		}
	}

	s.log.Info().Str("workload", name).Msg("starting workload for the operator")
	s.setHeld(name, false)
	return s.launch(ctx, spec)
}

func (s *Supervisor) setHeld(name string, held bool) {
	s.heldLock.Lock()
	defer s.heldLock.Unlock()
	s.held[name] = held
}

func (s *Supervisor) isHeld(name string) bool {
	s.heldLock.Lock()
	defer s.heldLock.Unlock()
	return s.held[name]
}

// CheckAll checks every watched workload concurrently.
func (s *Supervisor) CheckAll(ctx context.Context) []*Result {
	results := make([]*Result, len(s.watch))
	g := errgroup.Group{}
	for i, name := range s.watch {
		i, name := i, name
		g.Go(func() error {
			result, err := s.Check(ctx, name)
			if err != nil && !errors.Is(err, ErrReplacementInFlight) && !errors.Is(err, ErrShuttingDown) {
				s.log.Error().Err(err).Str("workload", name).Msg("check failed")
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()
	return results
}

// Run polls the registry every poll interval and whenever Trigger is called, until ctx is done.
// It returns once the poll in progress, including any replacement, has finished.
func (s *Supervisor) Run(ctx context.Context) {
	concurrency.RunLoop(ctx, s.trigger, s.opts.PollInterval, 0, func(ctx context.Context) bool {
		s.CheckAll(ctx)
		return true
	})
	s.Close()
}

// Trigger requests an immediate poll. It never blocks.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Close refuses every later check, stop, and start, then waits for those in flight.
func (s *Supervisor) Close() {
	s.closeLock.Lock()
	s.closed = true
	s.closeLock.Unlock()
	s.inflight.Wait()
}

// begin registers an operation as in flight unless the supervisor is closed.
func (s *Supervisor) begin() bool {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Status snapshots every current instance, marking the watched ones.
func (s *Supervisor) Status() *api.Status {
	status := s.manager.Snapshot()
	for _, inst := range status.Instances {
		inst.Watched = s.watched(inst.Workload)
	}
	return status
}

// Watched returns the watch-set.
func (s *Supervisor) Watched() []string { return append([]string(nil), s.watch...) }

func (s *Supervisor) watched(name string) bool {
	for _, w := range s.watch {
		if w == name {
			return true
		}
	}
	return false
}

type nopObserver struct{}

func (nopObserver) ReplacementFinished(string, Outcome) {}
func (nopObserver) RegistryPollFailed(string)           {}
