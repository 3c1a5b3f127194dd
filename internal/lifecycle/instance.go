package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/concurrency"
)

type Status string

const (
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusFailed   Status = "Failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed}

// Intent records why an instance is being stopped deliberately.
// An exit observed while the intent is IntentNone is a crash.
type Intent string

const (
	IntentNone     Intent = ""
	IntentReplace  Intent = "stopping-for-replacement"
	IntentShutdown Intent = "stopping-for-shutdown"
	IntentOperator Intent = "stopping-for-operator"
)

var ErrInstanceFailed = errors.New("instance failed")

// Instance is one running realization of a workload spec. Image upgrades always produce a new Instance.
type Instance struct {
	ID     string
	Spec   *api.WorkloadSpec
	Image  string // the reference the container was created from
	Digest digest.Digest

	state  concurrency.StateContainer[State]
	cancel context.CancelFunc
	done   chan struct{} // closed once the instance is no longer supervised
}

// State is the mutable part of an Instance.
type State struct {
	Status      Status
	Intent      Intent
	ContainerID string
	StartedAt   time.Time
	Restarts    int
	Reason      string
}

func newInstance(id string, spec *api.WorkloadSpec, image string, d digest.Digest) *Instance {
	return &Instance{ID: id, Spec: spec, Image: image, Digest: d, done: make(chan struct{})}
}

func (i *Instance) Workload() string { return i.Spec.Name }

func (i *Instance) State() State { return i.state.Get() }

func (i *Instance) Status() Status { return i.state.Get().Status }

// Defunct reports whether the instance failed with no container left behind, so nothing of it can recover on its
// own. This happens when the container could not be created or disappeared while the instance was supervised.
func (i *Instance) Defunct() bool {
	s := i.state.Get()
	return s.Status == StatusFailed && s.ContainerID == ""
}

// Done is closed once nothing supervises the instance anymore.
func (i *Instance) Done() <-chan struct{} { return i.done }

func (i *Instance) update(fn func(*State)) State {
	return i.state.Update(func(s State) State {
		fn(&s)
		return s
	})
}

// transition changes the status unless a deliberate stop has been requested, reporting whether it did.
func (i *Instance) transition(status Status, reason string) bool {
	applied := false
	i.update(func(s *State) {
		if s.Intent != IntentNone {
			return
		}
		s.Status = status
		s.Reason = reason
		applied = true
	})
	return applied
}

func (i *Instance) intent() Intent { return i.state.Get().Intent }

// WaitRunning blocks until the instance is Running, reaches a terminal status, or ctx expires.
func (i *Instance) WaitRunning(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := i.state.Watch(ctx)
	for {
		s := i.state.Get()
		switch s.Status {
		case StatusRunning:
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: %s", ErrInstanceFailed, s.Reason)
		case StatusStopping, StatusStopped:
			return fmt.Errorf("instance was stopped (%s)", s.Intent)
		}

		if _, ok := <-watch; !ok {
			return ctx.Err()
		}
	}
}

func (i *Instance) apiState() *api.InstanceState {
	s := i.state.Get()
	return &api.InstanceState{
		Workload:  i.Spec.Name,
		ID:        i.ID,
		Container: s.ContainerID,
		Image:     i.Image,
		Digest:    i.Digest.String(),
		Status:    string(s.Status),
		Intent:    string(s.Intent),
		StartedAt: s.StartedAt,
		Restarts:  s.Restarts,
		Reason:    s.Reason,
	}
}
