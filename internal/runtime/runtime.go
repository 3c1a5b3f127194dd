package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/jveski/warden/internal/api"
)

// Container labels. Every container created by warden carries them so a restarted daemon can find and adopt its
// own containers without touching anything else on the host.
const (
	LabelCreatedBy = "createdBy"
	LabelWorkload  = "wardenWorkload"
	LabelHash      = "wardenHash"
	LabelDigest    = "wardenDigest"
	LabelInstance  = "wardenInstance"

	createdByValue = "warden"
)

var ErrNotFound = errors.New("container not found")

// Runtime is the isolation layer that actually runs workload containers.
// Memory limits are enforced by the runtime as a hard cgroup ceiling; reservations are passed as a soft hint.
type Runtime interface {
	// Pull fetches the image and returns the digest it resolved to.
	Pull(ctx context.Context, ref string) (digest.Digest, error)
	// Run creates and starts a container, returning its ID.
	Run(ctx context.Context, spec *ContainerSpec) (string, error)
	// Restart starts an exited container again with its original configuration.
	Restart(ctx context.Context, id string) error
	// Stop sends SIGTERM, waits up to grace, then kills the container.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Remove deletes the container. Named volumes are never removed.
	Remove(ctx context.Context, id string) error
	// Wait blocks until the container is no longer running.
	Wait(ctx context.Context, id string) (*ExitStatus, error)
	Inspect(ctx context.Context, id string) (*ContainerState, error)
	// List returns every container created by warden, running or not.
	List(ctx context.Context) ([]*ContainerState, error)
	Logs(ctx context.Context, id string, opts *LogOptions, w io.Writer) error
}

// ContainerSpec is everything needed to create one container for a workload instance.
type ContainerSpec struct {
	Name     string
	Instance string
	Image    string // usually pinned to a digest
	Digest   digest.Digest
	Workload *api.WorkloadSpec
}

func (c *ContainerSpec) Labels() map[string]string {
	return map[string]string{
		LabelCreatedBy: createdByValue,
		LabelWorkload:  c.Workload.Name,
		LabelHash:      c.Workload.Hash(),
		LabelDigest:    c.Digest.String(),
		LabelInstance:  c.Instance,
	}
}

type ContainerState struct {
	ID        string
	Name      string
	Workload  string
	Hash      string
	Instance  string
	Image     string
	Digest    digest.Digest
	Running   bool
	ExitCode  int
	OOMKilled bool
	StartedAt time.Time
}

func (c *ContainerState) setLabels(labels map[string]string) {
	c.Workload = labels[LabelWorkload]
	c.Hash = labels[LabelHash]
	c.Instance = labels[LabelInstance]
	c.Digest = digest.Digest(labels[LabelDigest])
}

type ExitStatus struct {
	Code      int
	OOMKilled bool
}

func (e *ExitStatus) String() string {
	if e.OOMKilled {
		return fmt.Sprintf("killed by the kernel OOM killer (exit code %d)", e.Code)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

type LogOptions struct {
	Since  time.Time // zero for the whole log
	Follow bool
}

// since renders Since the way both docker and podman accept it.
func (o *LogOptions) since() string {
	if o.Since.IsZero() {
		return ""
	}
	return strconv.FormatInt(o.Since.Unix(), 10)
}

// ContainerName derives a runtime container name for a workload instance.
func ContainerName(workload, instance string) string {
	if len(instance) > 8 {
		instance = instance[:8]
	}
	return workload + "-" + instance
}

// DigestFrom picks the digest of repository out of a list of repo@digest strings.
func DigestFrom(repository string, repoDigests []string) (digest.Digest, error) {
	var fallback string
	for _, rd := range repoDigests {
		repo, d, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		if repo == repository || strings.HasSuffix(repo, "/"+repository) || strings.HasSuffix(repository, "/"+repo) {
			return digest.Parse(d)
		}
		if fallback == "" {
			fallback = d
		}
	}
	if fallback != "" {
		return digest.Parse(fallback)
	}
	return "", fmt.Errorf("image has no repo digest for %q", repository)
}
