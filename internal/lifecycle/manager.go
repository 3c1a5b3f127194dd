package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/concurrency"
	"github.com/jveski/warden/internal/runtime"
)

var ErrUnknownWorkload = errors.New("unknown workload")

type Options struct {
	ProbeInterval   time.Duration
	ReadyTimeout    time.Duration
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
}

// Observer is told about status changes and crash restarts.
type Observer interface {
	WorkloadStatus(workload string, status Status)
	WorkloadRestarted(workload string)
}

// Prober checks the liveness of a started instance's process.
type Prober interface {
	Probe(ctx context.Context, inst *Instance) error
}

type ProbeFunc func(ctx context.Context, inst *Instance) error

func (p ProbeFunc) Probe(ctx context.Context, inst *Instance) error { return p(ctx, inst) }

// Manager owns the lifecycle of every workload instance on the host.
type Manager struct {
	runtime  runtime.Runtime
	probe    Prober
	observer Observer
	opts     Options
	log      zerolog.Logger

	ctx    context.Context // parent of every supervision goroutine
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock    sync.Mutex
	current map[string]*Instance
}

func NewManager(rt runtime.Runtime, probe Prober, observer Observer, opts Options, log zerolog.Logger) *Manager {
	if probe == nil {
		probe = NewDefaultProber(rt, &http.Client{})
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = time.Second * 30
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	if opts.MaxRestartDelay < opts.RestartDelay {
		opts.MaxRestartDelay = opts.RestartDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runtime:  rt,
		probe:    probe,
		observer: observer,
		opts:     opts,
		log:      log.With().Str("component", "lifecycle").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		current:  map[string]*Instance{},
	}
}

// Start creates a container for the spec and returns its instance in Starting.
// The instance becomes Running once its liveness probe passes, or Failed if the process exits first or the
// ready timeout elapses. If the container cannot be created the instance is returned in Failed along with the error.
func (m *Manager) Start(ctx context.Context, spec *api.WorkloadSpec, image string, d digest.Digest) (*Instance, error) {
	inst := newInstance(uuid.NewString(), spec, image, d)
	logger := m.instanceLogger(inst)

	superviseCtx, cancel := context.WithCancel(m.ctx)
	inst.cancel = cancel
	m.setCurrent(inst)
	m.setStatus(inst, StatusStarting, "")

	id, err := m.runtime.Run(ctx, &runtime.ContainerSpec{
		Name:     runtime.ContainerName(spec.Name, inst.ID),
		Instance: inst.ID,
		Image:    image,
		Digest:   d,
		Workload: spec,
	})
	if err != nil {
		if id != "" {
			// created but never started
			if rmErr := m.runtime.Remove(ctx, id); rmErr != nil {
				logger.Warn().Err(rmErr).Msg("unable to clean up container that failed to start")
			}
		}
		m.setStatus(inst, StatusFailed, err.Error())
		cancel()
		close(inst.done)
		return inst, fmt.Errorf("starting workload %q: %w", spec.Name, err)
	}
	inst.update(func(s *State) {
		s.ContainerID = id
		s.StartedAt = time.Now()
	})

	logger.Info().Str("container", id).Str("image", image).Msg("started instance")
	m.supervise(superviseCtx, inst, false)
	return inst, nil
}

// Adopt registers a container left running by a previous daemon as a Running instance of the spec.
func (m *Manager) Adopt(spec *api.WorkloadSpec, c *runtime.ContainerState) *Instance {
	id := c.Instance
	if id == "" {
		id = uuid.NewString()
	}
	inst := newInstance(id, spec, c.Image, c.Digest)
	inst.update(func(s *State) {
		s.ContainerID = c.ID
		s.StartedAt = c.StartedAt
	})

	ctx, cancel := context.WithCancel(m.ctx)
	inst.cancel = cancel
	m.setCurrent(inst)
	m.setStatus(inst, StatusRunning, "")
	logger := m.instanceLogger(inst)
	logger.Info().Str("container", c.ID).Msg("adopted running container")
	m.supervise(ctx, inst, true)
	return inst
}

// Stop deliberately stops the instance: the intent is recorded first so the exit is never mistaken for a crash,
// then the process gets SIGTERM and up to grace to exit before being killed, and the container is removed.
// Persistent volumes are left in place.
func (m *Manager) Stop(ctx context.Context, inst *Instance, grace time.Duration, intent Intent) error {
	if intent == IntentNone {
		return fmt.Errorf("stopping requires an intent")
	}
	logger := m.instanceLogger(inst).With().Str("intent", string(intent)).Logger()

	var already bool
	s := inst.update(func(s *State) {
		if s.Intent != IntentNone || s.Status == StatusStopped {
			already = true
			return
		}
		s.Intent = intent
		s.Status = StatusStopping
		s.Reason = ""
	})
	if already {
		<-inst.done
		return nil
	}
	m.observer.WorkloadStatus(inst.Workload(), StatusStopping)
	logger.Info().Msg("stopping instance")

	var err error
	if s.ContainerID != "" {
		if stopErr := m.runtime.Stop(ctx, s.ContainerID, grace); stopErr != nil && !errors.Is(stopErr, runtime.ErrNotFound) {
			err = stopErr
			logger.Warn().Err(stopErr).Msg("graceful stop failed, removing forcefully")
		}
		if rmErr := m.runtime.Remove(ctx, s.ContainerID); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}
	inst.cancel()
	<-inst.done

	if err != nil {
		m.setStatusForce(inst, StatusFailed, err.Error())
		return fmt.Errorf("stopping instance of %q: %w", inst.Workload(), err)
	}

	m.setStatusForce(inst, StatusStopped, "")
	m.clearCurrent(inst)
	logger.Info().Msg("stopped instance")
	return nil
}

// Shutdown stops every current instance concurrently with the shutdown intent, then stops supervising.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	g := errgroup.Group{}
	for _, inst := range m.Instances() {
		inst := inst
		g.Go(func() error { return m.Stop(ctx, inst, grace, IntentShutdown) })
	}
	err := g.Wait()
	m.Close()
	return err
}

// Close stops supervising instances without touching their containers.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Current returns the newest instance of the workload.
func (m *Manager) Current(workload string) (*Instance, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	inst, ok := m.current[workload]
	return inst, ok
}

func (m *Manager) Instances() []*Instance {
	m.lock.Lock()
	defer m.lock.Unlock()

	list := make([]*Instance, 0, len(m.current))
	for _, inst := range m.current {
		list = append(list, inst)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Workload() < list[j].Workload() })
	return list
}

// Snapshot returns a read-only view of every current instance.
func (m *Manager) Snapshot() *api.Status {
	status := &api.Status{Instances: []*api.InstanceState{}}
	for _, inst := range m.Instances() {
		status.Instances = append(status.Instances, inst.apiState())
	}
	return status
}

// Logs streams the runtime logs of a workload's current container.
func (m *Manager) Logs(ctx context.Context, workload string, opts *runtime.LogOptions, w io.Writer) error {
	inst, ok := m.Current(workload)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownWorkload, workload)
	}
	id := inst.State().ContainerID
	if id == "" {
		return fmt.Errorf("workload %q has no container", workload)
	}
	return m.runtime.Logs(ctx, id, opts, w)
}

// supervise watches one instance until it is deliberately stopped or the manager is closed.
// An exit while no stop intent is set is a crash: once the instance has been live at least once, the same
// container is restarted after a doubling backoff. An instance that exits before ever becoming live is left Failed.
func (m *Manager) supervise(ctx context.Context, inst *Instance, live bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(inst.done)
		defer inst.cancel()

		logger := m.instanceLogger(inst)
		everLive := live
		delay := m.opts.RestartDelay
		for {
			containerID := inst.State().ContainerID
			exited := m.wait(ctx, containerID)

			if !live {
				live = m.awaitLiveness(ctx, inst, exited)
			}
			if live {
				everLive = true
				delay = m.opts.RestartDelay
			}

			var exit *runtime.ExitStatus
			select {
			case <-ctx.Done():
				return
			case exit = <-exited:
			}
			if inst.intent() != IntentNone {
				return // stopped deliberately
			}
			if exit == nil {
				if ctx.Err() == nil {
					m.containerLost(inst, "lost track of container")
				}
				return
			}
			live = false

			if exit.OOMKilled {
				logger.Error().Str("exit", exit.String()).Msg("instance breached its memory limit")
			} else {
				logger.Error().Str("exit", exit.String()).Msg("instance exited unexpectedly")
			}
			m.setStatus(inst, StatusFailed, exit.String())
			if !everLive {
				return
			}

			if !concurrency.Sleep(ctx, concurrency.Jitter(delay)) {
				return
			}
			delay *= 2
			if delay > m.opts.MaxRestartDelay {
				delay = m.opts.MaxRestartDelay
			}

			if !m.setStatus(inst, StatusStarting, "") {
				return
			}
			if err := m.runtime.Restart(ctx, containerID); err != nil {
				logger.Error().Err(err).Msg("unable to restart crashed instance")
				if errors.Is(err, runtime.ErrNotFound) {
					m.containerLost(inst, err.Error())
					return
				}
				m.setStatus(inst, StatusFailed, err.Error())
				continue // still exited, so the next wait returns at once and backs off again
			}
			inst.update(func(s *State) {
				s.Restarts++
				s.StartedAt = time.Now()
			})
			m.observer.WorkloadRestarted(inst.Workload())
			logger.Warn().Int("restarts", inst.State().Restarts).Msg("restarted crashed instance")
		}
	}()
}

// awaitLiveness probes the instance until it passes, the process exits, or the ready timeout elapses.
// An observed exit is left in exited for the caller.
func (m *Manager) awaitLiveness(ctx context.Context, inst *Instance, exited chan *runtime.ExitStatus) bool {
	logger := m.instanceLogger(inst)

	timeout := time.NewTimer(m.opts.ReadyTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		err := m.probe.Probe(ctx, inst)
		if err == nil {
			if m.setStatus(inst, StatusRunning, "") {
				logger.Info().Msg("instance is running")
			}
			return true
		}
		lastErr = err
		logger.Debug().Err(err).Msg("liveness probe failed")

		select {
		case <-ctx.Done():
			return false
		case exit := <-exited:
			exited <- exit
			return false
		case <-timeout.C:
			reason := fmt.Sprintf("not live after %s: %s", m.opts.ReadyTimeout, lastErr)
			m.setStatus(inst, StatusFailed, reason)
			logger.Error().Str("reason", reason).Msg("instance failed to become ready")
			return false
		case <-ticker.C:
		}
	}
}

func (m *Manager) wait(ctx context.Context, containerID string) chan *runtime.ExitStatus {
	ch := make(chan *runtime.ExitStatus, 1)
	go func() {
		exit, err := m.runtime.Wait(ctx, containerID)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Str("container", containerID).Msg("lost track of container")
			}
			ch <- nil
			return
		}
		ch <- exit
	}()
	return ch
}

func (m *Manager) setStatus(inst *Instance, status Status, reason string) bool {
	if !inst.transition(status, reason) {
		return false
	}
	m.observer.WorkloadStatus(inst.Workload(), status)
	return true
}

// containerLost fails an instance whose container is gone. The instance becomes Defunct.
func (m *Manager) containerLost(inst *Instance, reason string) {
	applied := false
	inst.update(func(s *State) {
		if s.Intent != IntentNone {
			return
		}
		s.Status = StatusFailed
		s.Reason = reason
		s.ContainerID = ""
		applied = true
	})
	if applied {
		m.observer.WorkloadStatus(inst.Workload(), StatusFailed)
	}
}

func (m *Manager) setStatusForce(inst *Instance, status Status, reason string) {
	inst.update(func(s *State) {
		s.Status = status
		s.Reason = reason
	})
	m.observer.WorkloadStatus(inst.Workload(), status)
}

func (m *Manager) setCurrent(inst *Instance) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.current[inst.Workload()] = inst
}

func (m *Manager) clearCurrent(inst *Instance) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.current[inst.Workload()] == inst {
		delete(m.current, inst.Workload())
	}
}

func (m *Manager) instanceLogger(inst *Instance) zerolog.Logger {
	return m.log.With().Str("workload", inst.Workload()).Str("instance", inst.ID).Logger()
}

type nopObserver struct{}

func (nopObserver) WorkloadStatus(string, Status) {}
func (nopObserver) WorkloadRestarted(string)      {}
