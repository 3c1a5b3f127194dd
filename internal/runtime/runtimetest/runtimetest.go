// Package runtimetest provides an in-memory container runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/runtime"
)

// Runtime is a fake runtime.Runtime. Containers "run" until they are stopped, removed, or told to exit.
type Runtime struct {
	// PullHook is called at the start of every pull. It may block, and a non-nil error fails the pull.
	PullHook func(ctx context.Context, ref string) error
	// RunHook is called before every container is created. A non-nil error fails the run.
	RunHook func(spec *runtime.ContainerSpec) error

	lock       sync.Mutex
	digests    map[string]digest.Digest
	containers map[string]*container
	events     []string
	nextID     int
}

type container struct {
	spec    *runtime.ContainerSpec
	state   runtime.ContainerState
	exit    runtime.ExitStatus
	stopped chan struct{} // closed when the current run ends
}

func New() *Runtime {
	return &Runtime{digests: map[string]digest.Digest{}, containers: map[string]*container{}}
}

// SetDigest sets the digest a pull of the repository resolves to.
func (r *Runtime) SetDigest(repository string, d digest.Digest) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.digests[repository] = d
}

// Events returns a log of every mutating call, e.g. "pull repo:tag", "run name", "stop id".
func (r *Runtime) Events() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func (r *Runtime) Pull(ctx context.Context, ref string) (digest.Digest, error) {
	if r.PullHook != nil {
		if err := r.PullHook(ctx, ref); err != nil {
			return "", err
		}
	}

	parsed, err := api.ParseImageRef(ref)
	if err != nil {
		return "", err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, "pull "+ref)

	if parsed.Digest != "" {
		return parsed.Digest, nil
	}
	d, ok := r.digests[parsed.Repository]
	if !ok {
		return "", fmt.Errorf("manifest unknown: %s", ref)
	}
	return d, nil
}

func (r *Runtime) Run(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	if r.RunHook != nil {
		if err := r.RunHook(spec); err != nil {
			return "", err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, c := range r.containers {
		if c.spec.Name == spec.Name {
			return "", fmt.Errorf("container name %q is already in use", spec.Name)
		}
	}

	r.nextID++
	id := fmt.Sprintf("c%04d", r.nextID)
	c := &container{
		spec:    spec,
		stopped: make(chan struct{}),
		state: runtime.ContainerState{
			ID:        id,
			Name:      spec.Name,
			Image:     spec.Image,
			Running:   true,
			StartedAt: time.Now(),
		},
	}
	c.state.Workload = spec.Workload.Name
	c.state.Hash = spec.Workload.Hash()
	c.state.Instance = spec.Instance
	c.state.Digest = spec.Digest

	r.containers[id] = c
	r.events = append(r.events, "run "+spec.Name)
	return id, nil
}

func (r *Runtime) Restart(ctx context.Context, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return runtime.ErrNotFound
	}
	r.events = append(r.events, "restart "+id)
	if c.state.Running {
		return nil
	}
	c.state.Running = true
	c.state.ExitCode = 0
	c.state.OOMKilled = false
	c.state.StartedAt = time.Now()
	c.stopped = make(chan struct{})
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return runtime.ErrNotFound
	}
	r.events = append(r.events, "stop "+id)
	c.end(runtime.ExitStatus{Code: 143})
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	r.events = append(r.events, "remove "+id)
	c.end(runtime.ExitStatus{Code: 137})
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (*runtime.ExitStatus, error) {
	r.lock.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.lock.Unlock()
		return nil, runtime.ErrNotFound
	}
	ch := c.stopped
	r.lock.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	exit := c.exit
	return &exit, nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (*runtime.ContainerState, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	state := c.state
	return &state, nil
}

func (r *Runtime) List(ctx context.Context) ([]*runtime.ContainerState, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	list := make([]*runtime.ContainerState, 0, len(r.containers))
	for _, c := range r.containers {
		state := c.state
		list = append(list, &state)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, opts *runtime.LogOptions, w io.Writer) error {
	r.lock.Lock()
	_, ok := r.containers[id]
	r.lock.Unlock()
	if !ok {
		return runtime.ErrNotFound
	}
	_, err := fmt.Fprintf(w, "log line from %s\n", id)
	return err
}

// Exit ends the container's current run as if the process had exited on its own.
func (r *Runtime) Exit(id string, code int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if c, ok := r.containers[id]; ok {
		c.end(runtime.ExitStatus{Code: code})
	}
}

// OOMKill ends the container's current run as if its memory limit had been breached.
func (r *Runtime) OOMKill(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if c, ok := r.containers[id]; ok {
		c.end(runtime.ExitStatus{Code: 137, OOMKilled: true})
	}
}

// Spec returns the spec the container was created from.
func (r *Runtime) Spec(id string) *runtime.ContainerSpec {
	r.lock.Lock()
	defer r.lock.Unlock()
	if c, ok := r.containers[id]; ok {
		return c.spec
	}
	return nil
}

// Running returns the IDs of the running containers of a workload.
func (r *Runtime) Running(workload string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := []string{}
	for id, c := range r.containers {
		if c.state.Workload == workload && c.state.Running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *container) end(exit runtime.ExitStatus) {
	if !c.state.Running {
		return
	}
	c.state.Running = false
	c.state.ExitCode = exit.Code
	c.state.OOMKilled = exit.OOMKilled
	c.exit = exit
	close(c.stopped)
}

var _ runtime.Runtime = (*Runtime)(nil)
